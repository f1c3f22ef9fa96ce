// Package job holds the persisted model shared by the store, scheduler,
// executor and monitor.
package job

import (
	"encoding/json"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"

	"jobclock/internal/schedule"
)

type ActionType string

const (
	ActionCreateTask       ActionType = "create_task"
	ActionUpdateTask       ActionType = "update_task"
	ActionSendEmail        ActionType = "send_email"
	ActionSendNotification ActionType = "send_notification"
	ActionGenerateReport   ActionType = "generate_report"
	ActionCleanupData      ActionType = "cleanup_data"
	ActionSyncIntegration  ActionType = "sync_integration"
	ActionCallWebhook      ActionType = "call_webhook"
	ActionTriggerWorkflow  ActionType = "trigger_workflow"
	ActionCustomFunction   ActionType = "custom_function"
)

var actionTypes = []ActionType{
	ActionCreateTask, ActionUpdateTask, ActionSendEmail, ActionSendNotification,
	ActionGenerateReport, ActionCleanupData, ActionSyncIntegration, ActionCallWebhook,
	ActionTriggerWorkflow, ActionCustomFunction,
}

func ActionTypes() []ActionType { return append([]ActionType(nil), actionTypes...) }

func (t ActionType) Valid() bool {
	for _, v := range actionTypes {
		if v == t {
			return true
		}
	}
	return false
}

// RetryPolicy controls retries of retryable failures. A zero BackoffMultiplier
// means the executor default.
type RetryPolicy struct {
	MaxRetries        int     `json:"maxRetries"`
	RetryDelayMs      int64   `json:"retryDelayMs"`
	BackoffMultiplier float64 `json:"backoffMultiplier,omitempty"`
}

// ActionSpec describes what a job does when it fires. Parameters are opaque to
// the engine and handed to the registered handler as-is.
type ActionSpec struct {
	Type        ActionType     `json:"type"`
	Target      string         `json:"target,omitempty"`
	Method      string         `json:"method,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	RetryPolicy *RetryPolicy   `json:"retryPolicy,omitempty"`
	TimeoutMs   int64          `json:"timeoutMs,omitempty"`
}

func (a ActionSpec) Clone() ActionSpec {
	a.Parameters = maps.Clone(a.Parameters)
	if a.RetryPolicy != nil {
		rp := *a.RetryPolicy
		a.RetryPolicy = &rp
	}
	return a
}

// OverlapPolicy decides what happens when a job fires while its previous
// execution is still in flight.
type OverlapPolicy string

const (
	OverlapAllow OverlapPolicy = "allow"
	OverlapSkip  OverlapPolicy = "skip"
	// OverlapQueue holds at most one fire until the running one finishes.
	OverlapQueue OverlapPolicy = "queue"
)

func (p OverlapPolicy) Valid() bool {
	switch p {
	case "", OverlapAllow, OverlapSkip, OverlapQueue:
		return true
	}
	return false
}

// ScheduledJob is a persisted schedule plus the action to run.
type ScheduledJob struct {
	ID          string
	OwnerID     string
	Name        string
	Description string
	Schedule    schedule.Schedule
	Action      ActionSpec
	Enabled     bool
	Overlap     OverlapPolicy
	LastRun     *time.Time
	NextRun     *time.Time
	Metadata    map[string]any
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Type is derived from the schedule so the two can never disagree.
func (j *ScheduledJob) Type() schedule.Type {
	if j == nil || j.Schedule == nil {
		return ""
	}
	return j.Schedule.Type()
}

func (j *ScheduledJob) Clone() *ScheduledJob {
	if j == nil {
		return nil
	}
	cp := *j
	if j.Schedule != nil {
		cp.Schedule = schedule.Clone(j.Schedule)
	}
	cp.Action = j.Action.Clone()
	cp.LastRun = cloneTime(j.LastRun)
	cp.NextRun = cloneTime(j.NextRun)
	cp.Metadata = maps.Clone(j.Metadata)
	return &cp
}

type jobWire struct {
	ID          string         `json:"id"`
	OwnerID     string         `json:"ownerId"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Type        schedule.Type  `json:"type"`
	Schedule    schedule.JSON  `json:"schedule"`
	Action      ActionSpec     `json:"action"`
	Enabled     bool           `json:"enabled"`
	Overlap     OverlapPolicy  `json:"overlap,omitempty"`
	LastRun     *time.Time     `json:"lastRun,omitempty"`
	NextRun     *time.Time     `json:"nextRun,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

func (j ScheduledJob) MarshalJSON() ([]byte, error) {
	return json.Marshal(jobWire{
		ID:          j.ID,
		OwnerID:     j.OwnerID,
		Name:        j.Name,
		Description: j.Description,
		Type:        j.Type(),
		Schedule:    schedule.JSON{Schedule: j.Schedule},
		Action:      j.Action,
		Enabled:     j.Enabled,
		Overlap:     j.Overlap,
		LastRun:     j.LastRun,
		NextRun:     j.NextRun,
		Metadata:    j.Metadata,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
	})
}

func (j *ScheduledJob) UnmarshalJSON(b []byte) error {
	var w jobWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*j = ScheduledJob{
		ID:          w.ID,
		OwnerID:     w.OwnerID,
		Name:        w.Name,
		Description: w.Description,
		Schedule:    w.Schedule.Schedule,
		Action:      w.Action,
		Enabled:     w.Enabled,
		Overlap:     w.Overlap,
		LastRun:     w.LastRun,
		NextRun:     w.NextRun,
		Metadata:    w.Metadata,
		CreatedAt:   w.CreatedAt,
		UpdatedAt:   w.UpdatedAt,
	}
	return nil
}

// Validate checks the fields that do not need a calculator. Schedule semantics
// are checked by schedule.Calculator.
func (j *ScheduledJob) Validate() error {
	switch {
	case strings.TrimSpace(j.OwnerID) == "":
		return invalidJob("ownerId is required")
	case strings.TrimSpace(j.Name) == "":
		return invalidJob("name is required")
	case j.Schedule == nil:
		return invalidJob("schedule is required")
	case !j.Action.Type.Valid():
		return invalidJob("unknown action type %q", j.Action.Type)
	case !j.Overlap.Valid():
		return invalidJob("unknown overlap policy %q", j.Overlap)
	}
	if rp := j.Action.RetryPolicy; rp != nil {
		if rp.MaxRetries < 0 || rp.RetryDelayMs < 0 || rp.BackoffMultiplier < 0 {
			return invalidJob("retryPolicy values must be >= 0")
		}
	}
	if j.Action.TimeoutMs < 0 {
		return invalidJob("action timeoutMs must be >= 0")
	}
	return nil
}

// NewID returns a random identifier for jobs and executions.
func NewID() string { return uuid.NewString() }

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TimePtr returns a pointer to a copy of t.
func TimePtr(t time.Time) *time.Time { return &t }
