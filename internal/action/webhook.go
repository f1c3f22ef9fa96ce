package action

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// HTTPStatusError is returned for non-2xx webhook responses. The executor
// reads StatusCode to decide whether to retry.
type HTTPStatusError struct {
	StatusCode int
	Body       string
	// Wait is the parsed Retry-After header, if any.
	Wait time.Duration
}

func (e *HTTPStatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("webhook returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("webhook returned status %d: %s", e.StatusCode, e.Body)
}

func (e *HTTPStatusError) HTTPStatus() int { return e.StatusCode }

func (e *HTTPStatusError) RetryAfter() time.Duration { return e.Wait }

// parseRetryAfter accepts delay-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}

// WebhookHandler calls Action.Target. Parameters:
//   - "headers": map of extra request headers
//   - "body": request body; defaults to the remaining parameters
type WebhookHandler struct {
	Client    *http.Client
	UserAgent string
	// MaxBody caps how much of the response is kept in the result.
	MaxBody int64
}

func NewWebhookHandler(timeout time.Duration) *WebhookHandler {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &WebhookHandler{
		Client:    &http.Client{Timeout: timeout},
		UserAgent: "jobclock/1",
		MaxBody:   4096,
	}
}

type WebhookResult struct {
	Status int    `json:"status"`
	Body   string `json:"body,omitempty"`
}

func (h *WebhookHandler) Handle(ctx context.Context, req Request) (any, error) {
	target := strings.TrimSpace(req.Action.Target)
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid webhook target %q", target)
	}
	method := strings.ToUpper(strings.TrimSpace(req.Action.Method))
	if method == "" {
		method = http.MethodPost
	}

	var body io.Reader
	if method != http.MethodGet && method != http.MethodHead {
		payload, err := json.Marshal(webhookBody(req))
		if err != nil {
			return nil, fmt.Errorf("marshal webhook body: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	hr, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create webhook request: %w", err)
	}
	if body != nil {
		hr.Header.Set("Content-Type", "application/json")
	}
	if h.UserAgent != "" {
		hr.Header.Set("User-Agent", h.UserAgent)
	}
	hr.Header.Set("X-Jobclock-Job", req.JobID)
	hr.Header.Set("X-Jobclock-Execution", req.ExecutionID)
	if hdrs, ok := req.Action.Parameters["headers"].(map[string]any); ok {
		for k, v := range hdrs {
			if s, ok := v.(string); ok {
				hr.Header.Set(k, s)
			}
		}
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(hr)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	limit := h.MaxBody
	if limit <= 0 {
		limit = 4096
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, limit))
	if resp.StatusCode >= 300 {
		return nil, &HTTPStatusError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(b)),
			Wait:       parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		}
	}
	return WebhookResult{Status: resp.StatusCode, Body: string(b)}, nil
}

func webhookBody(req Request) any {
	if b, ok := req.Action.Parameters["body"]; ok {
		return b
	}
	out := make(map[string]any, len(req.Action.Parameters))
	for k, v := range req.Action.Parameters {
		if k == "headers" {
			continue
		}
		out[k] = v
	}
	return out
}
