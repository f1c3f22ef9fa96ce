package action

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"jobclock/internal/notifier"
)

// Notifier is the subset of notifier.Service the notification handler uses.
type Notifier interface {
	Notify(ctx context.Context, ownerID string, n notifier.Notification)
}

// NotifyHandler sends Parameters["title"] and Parameters["message"] to the owner.
type NotifyHandler struct {
	Notifier Notifier
}

func (h NotifyHandler) Handle(ctx context.Context, req Request) (any, error) {
	msg := req.StringParam("message", "")
	if msg == "" {
		return nil, fmt.Errorf("send_notification: message parameter is required")
	}
	n := notifier.Notification{
		Type:    notifier.Type(req.StringParam("type", string(notifier.TypeInfo))),
		Title:   req.StringParam("title", "Scheduled notification"),
		Message: msg,
		JobID:   req.JobID,
	}
	h.Notifier.Notify(ctx, req.OwnerID, n)
	return map[string]any{"delivered": "queued"}, nil
}

// Functions is the custom_function handler: named Go funcs picked by
// Action.Target (or Parameters["function"]).
type Functions struct {
	mu    sync.RWMutex
	funcs map[string]HandlerFunc
}

func NewFunctions() *Functions {
	return &Functions{funcs: map[string]HandlerFunc{}}
}

func (f *Functions) Register(name string, fn HandlerFunc) {
	name = strings.TrimSpace(name)
	if name == "" || fn == nil {
		return
	}
	f.mu.Lock()
	f.funcs[name] = fn
	f.mu.Unlock()
}

func (f *Functions) Names() []string {
	f.mu.RLock()
	out := make([]string, 0, len(f.funcs))
	for k := range f.funcs {
		out = append(out, k)
	}
	f.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (f *Functions) Handle(ctx context.Context, req Request) (any, error) {
	name := strings.TrimSpace(req.Action.Target)
	if name == "" {
		name = req.StringParam("function", "")
	}
	f.mu.RLock()
	fn, ok := f.funcs[name]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: custom function %q", ErrHandlerNotFound, name)
	}
	return fn(ctx, req)
}
