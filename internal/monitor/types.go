// Package monitor sweeps the store for missed runs, stuck executions and
// chronically failing jobs, and keeps a cached metrics snapshot.
package monitor

import (
	"context"
	"time"

	"jobclock/internal/job"
	"jobclock/internal/notifier"
	"jobclock/internal/storage"
)

type Config struct {
	// Interval between sweeps (default 5m).
	Interval time.Duration
	// Grace is how late a run may be before it counts as missed (default 1m).
	Grace time.Duration
	// ReactivateMissed re-arms missed jobs through the registry.
	ReactivateMissed bool
	// StuckTimeout fails RUNNING and PENDING rows not updated for this long,
	// and RETRYING rows whose retry is overdue by it (default 1h).
	StuckTimeout time.Duration

	FailureWindow      time.Duration // default 24h
	UnhealthyThreshold int           // more failures than this warn (default 3)
	DisableThreshold   int           // more failures than this disable (default 5)

	MetricsTTL time.Duration // default 30s
	Upcoming   int           // upcoming jobs in the metrics snapshot (default 5)
}

func DefaultConfig() Config {
	return Config{ReactivateMissed: true}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if c.Grace <= 0 {
		c.Grace = time.Minute
	}
	if c.StuckTimeout <= 0 {
		c.StuckTimeout = time.Hour
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = 24 * time.Hour
	}
	if c.UnhealthyThreshold <= 0 {
		c.UnhealthyThreshold = 3
	}
	if c.DisableThreshold <= 0 {
		c.DisableThreshold = 5
	}
	if c.DisableThreshold < c.UnhealthyThreshold {
		c.DisableThreshold = c.UnhealthyThreshold
	}
	if c.MetricsTTL <= 0 {
		c.MetricsTTL = 30 * time.Second
	}
	if c.Upcoming <= 0 {
		c.Upcoming = 5
	}
	return c
}

type Store interface {
	ListJobs(ctx context.Context, f storage.JobFilter) ([]*job.ScheduledJob, error)
	ListExecutions(ctx context.Context, f storage.ExecutionFilter) ([]*job.Execution, error)
	UpdateExecution(ctx context.Context, e *job.Execution) error
	ExecutionStats(ctx context.Context, f storage.ExecutionFilter) (job.Statistics, error)
}

// Registry is the part of the scheduler the monitor remediates through.
type Registry interface {
	Reactivate(ctx context.Context, id string) error
	DeactivateJob(ctx context.Context, id string) error
	ActiveCount() int
}

type Notifier interface {
	Notify(ctx context.Context, ownerID string, n notifier.Notification)
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// Report summarises one sweep.
type Report struct {
	At          time.Time     `json:"at"`
	Took        time.Duration `json:"took"`
	Jobs        int           `json:"jobs"`
	Missed      []string      `json:"missed,omitempty"`
	Reactivated int           `json:"reactivated"`
	Reaped      int           `json:"reaped"`
	Unhealthy   []string      `json:"unhealthy,omitempty"`
	Disabled    []string      `json:"disabled,omitempty"`
}

// Metrics is the cached system snapshot.
type Metrics struct {
	TotalJobs       int           `json:"totalJobs"`
	ActiveJobs      int           `json:"activeJobs"`
	PausedJobs      int           `json:"pausedJobs"`
	ArmedJobs       int           `json:"armedJobs"`
	ExecutionsToday int           `json:"executionsToday"`
	SuccessRate     float64       `json:"successRate"`
	FailureRate     float64       `json:"failureRate"`
	AvgDurationMs   float64       `json:"avgDurationMs"`
	Upcoming        []UpcomingJob `json:"upcoming"`
	GeneratedAt     time.Time     `json:"generatedAt"`
}

type UpcomingJob struct {
	JobID   string    `json:"jobId"`
	OwnerID string    `json:"ownerId"`
	Name    string    `json:"name"`
	NextRun time.Time `json:"nextRun"`
	// In is a relative rendering such as "3 minutes from now".
	In string `json:"in"`
}

// JobAlert is the payload of monitor.job_* bus events.
type JobAlert struct {
	JobID    string     `json:"job_id"`
	OwnerID  string     `json:"owner_id"`
	Name     string     `json:"name"`
	Failures int        `json:"failures,omitempty"`
	NextRun  *time.Time `json:"next_run,omitempty"`
}
