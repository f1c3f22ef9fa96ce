package job

import (
	"encoding/json"
	"maps"
	"time"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusRetrying  Status = "RETRYING"
)

func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

// CanTransition reports whether an execution may move from s to next.
//
//	PENDING  -> RUNNING | FAILED
//	RUNNING  -> COMPLETED | FAILED | RETRYING
//	RETRYING -> RUNNING | FAILED
//
// FAILED from PENDING and RETRYING covers jobs removed before an attempt
// could start and executions reaped by the monitor.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusRunning || next == StatusFailed
	case StatusRunning:
		return next == StatusCompleted || next == StatusFailed || next == StatusRetrying
	case StatusRetrying:
		return next == StatusRunning || next == StatusFailed
	}
	return false
}

// Trigger records why an execution was started.
type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
)

// Execution is one fire of a job. Retries of the same fire reuse the row.
type Execution struct {
	ID          string          `json:"id"`
	JobID       string          `json:"jobId"`
	OwnerID     string          `json:"ownerId"`
	Trigger     Trigger         `json:"trigger"`
	Status      Status          `json:"status"`
	StartedAt   time.Time       `json:"startedAt"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	DurationMs  *int64          `json:"durationMs,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *ExecutionError `json:"error,omitempty"`
	RetryCount  int             `json:"retryCount"`
	NextRetryAt *time.Time      `json:"nextRetryAt,omitempty"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	cp := *e
	cp.CompletedAt = cloneTime(e.CompletedAt)
	cp.NextRetryAt = cloneTime(e.NextRetryAt)
	if e.DurationMs != nil {
		d := *e.DurationMs
		cp.DurationMs = &d
	}
	if e.Result != nil {
		cp.Result = append(json.RawMessage(nil), e.Result...)
	}
	if e.Error != nil {
		ee := *e.Error
		cp.Error = &ee
	}
	return &cp
}

// Statistics aggregates the execution history of one job or owner.
type Statistics struct {
	Total         int            `json:"total"`
	Completed     int            `json:"completed"`
	Failed        int            `json:"failed"`
	Running       int            `json:"running"`
	Retrying      int            `json:"retrying"`
	SuccessRate   float64        `json:"successRate"`
	AvgDurationMs float64        `json:"avgDurationMs"`
	LastStatus    Status         `json:"lastStatus,omitempty"`
	LastRunAt     *time.Time     `json:"lastRunAt,omitempty"`
	ByStatus      map[Status]int `json:"byStatus,omitempty"`
}

func (s Statistics) Clone() Statistics {
	s.ByStatus = maps.Clone(s.ByStatus)
	s.LastRunAt = cloneTime(s.LastRunAt)
	return s
}
