package storage

import (
	"context"
	"errors"
	"time"

	"jobclock/internal/job"
	"jobclock/internal/schedule"
)

var (
	ErrClosed = errors.New("storage closed")
	// ErrStorageTimeout marks transient lock or deadline failures. The
	// executor treats it as retryable.
	ErrStorageTimeout = errors.New("storage timeout")
	ErrDuplicateID    = errors.New("duplicate id")
)

// Config configures storage.
//
// Driver values:
//   - "memory" (default when empty)
//   - "file": snapshot + journal under Path
//   - "sqlite": SQLite database file at Path
type Config struct {
	Driver       string
	Path         string
	BusyTimeout  time.Duration // sqlite only; 0 means default
	CompactEvery int           // file only; journal records between snapshots
}

// JobFilter selects jobs. Zero fields do not filter. Results are ordered by
// creation time, oldest first.
type JobFilter struct {
	OwnerID       string
	Type          schedule.Type
	Enabled       *bool
	CreatedAfter  time.Time
	CreatedBefore time.Time
	Limit         int
	Offset        int
}

// ExecutionFilter selects executions. Results are ordered newest first.
type ExecutionFilter struct {
	JobID         string
	OwnerID       string
	Statuses      []job.Status
	StartedAfter  time.Time
	StartedBefore time.Time
	Limit         int
}

type JobStore interface {
	CreateJob(ctx context.Context, j *job.ScheduledJob) error
	GetJob(ctx context.Context, id string) (*job.ScheduledJob, error)
	// GetOwnedJob returns job.ErrJobNotFound when the job belongs to someone else.
	GetOwnedJob(ctx context.Context, ownerID, id string) (*job.ScheduledJob, error)
	UpdateJob(ctx context.Context, j *job.ScheduledJob) error
	UpdateSchedule(ctx context.Context, id string, s schedule.Schedule, nextRun *time.Time) error
	UpdateAction(ctx context.Context, id string, a job.ActionSpec) error
	SetEnabled(ctx context.Context, id string, enabled bool) error
	SetNextRun(ctx context.Context, id string, next *time.Time) error
	SetLastRun(ctx context.Context, id string, at time.Time) error
	DeleteJob(ctx context.Context, ownerID, id string) error
	ListJobs(ctx context.Context, f JobFilter) ([]*job.ScheduledJob, error)
	ListEnabledJobs(ctx context.Context) ([]*job.ScheduledJob, error)
}

type ExecutionStore interface {
	CreateExecution(ctx context.Context, e *job.Execution) error
	UpdateExecution(ctx context.Context, e *job.Execution) error
	GetExecution(ctx context.Context, id string) (*job.Execution, error)
	ListExecutions(ctx context.Context, f ExecutionFilter) ([]*job.Execution, error)
	ExecutionStats(ctx context.Context, f ExecutionFilter) (job.Statistics, error)
}

type Store interface {
	JobStore
	ExecutionStore
	Close() error
}

func BoolPtr(v bool) *bool { return &v }
