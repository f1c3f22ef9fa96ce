package engine

import (
	"context"
	"math"
	"time"

	"jobclock/internal/job"
)

// Config holds the retry defaults for jobs without a RetryPolicy and the
// attempt timeout for jobs without TimeoutMs.
type Config struct {
	// RetryMax of 0 means 3; a negative value disables default retries.
	RetryMax          int
	RetryDelay        time.Duration
	BackoffMultiplier float64
	// RetryMaxDelay caps every computed retry delay.
	RetryMaxDelay  time.Duration
	DefaultTimeout time.Duration
}

func (c Config) withDefaults() Config {
	switch {
	case c.RetryMax == 0:
		c.RetryMax = 3
	case c.RetryMax < 0:
		c.RetryMax = -1
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.BackoffMultiplier <= 0 {
		c.BackoffMultiplier = 2
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = time.Hour
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 5 * time.Minute
	}
	return c
}

// DefaultConfig is the configuration used when none is given.
func DefaultConfig() Config {
	return Config{}.withDefaults()
}

type retryPlan struct {
	max   int
	base  time.Duration
	mult  float64
	limit time.Duration
}

func (c Config) plan(rp *job.RetryPolicy) retryPlan {
	p := retryPlan{max: max(c.RetryMax, 0), base: c.RetryDelay, mult: c.BackoffMultiplier, limit: c.RetryMaxDelay}
	if rp == nil {
		return p
	}
	p.max = rp.MaxRetries
	if rp.RetryDelayMs > 0 {
		p.base = time.Duration(rp.RetryDelayMs) * time.Millisecond
	}
	if rp.BackoffMultiplier > 0 {
		p.mult = rp.BackoffMultiplier
	}
	return p
}

// delay is base * mult^retryCount, where retryCount is the number of retries
// already scheduled for the execution.
func (p retryPlan) delay(retryCount int) time.Duration {
	d := float64(p.base) * math.Pow(p.mult, float64(retryCount))
	if d > float64(p.limit) || math.IsInf(d, 0) {
		return p.limit
	}
	return time.Duration(d)
}

// Timer is the handle of a scheduled retry.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d. time.AfterFunc satisfies it through
// RealAfterFunc.
type AfterFunc func(d time.Duration, f func()) Timer

func RealAfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Store is the persistence the executor needs.
type Store interface {
	GetJob(ctx context.Context, id string) (*job.ScheduledJob, error)
	SetLastRun(ctx context.Context, id string, at time.Time) error
	CreateExecution(ctx context.Context, e *job.Execution) error
	UpdateExecution(ctx context.Context, e *job.Execution) error
	GetExecution(ctx context.Context, id string) (*job.Execution, error)
}

type Option func(*Service)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithAfterFunc overrides the retry timer factory.
func WithAfterFunc(f AfterFunc) Option {
	return func(s *Service) {
		if f != nil {
			s.afterFunc = f
		}
	}
}

// ExecutionEvent is the payload of execution.* bus events.
type ExecutionEvent struct {
	ExecutionID string        `json:"execution_id"`
	JobID       string        `json:"job_id"`
	OwnerID     string        `json:"owner_id"`
	Trigger     job.Trigger   `json:"trigger"`
	Status      job.Status    `json:"status"`
	RetryCount  int           `json:"retry_count"`
	Duration    time.Duration `json:"duration,omitempty"`
	Error       string        `json:"error,omitempty"`
	Code        string        `json:"code,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	InFlight       int
	PendingRetries int
	QueuedFires    int
	Stopped        bool
	Config         Config
}
