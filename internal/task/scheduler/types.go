package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"

	"jobclock/internal/job"
	"jobclock/internal/schedule"
	"jobclock/internal/task/engine"
)

// ErrOneTimeSpent rejects re-enabling a ONE_TIME job that already fired.
// Give it a new run time with UpdateJobSchedule instead.
var ErrOneTimeSpent = errors.New("one-time job already fired")

type Config struct {
	// Timezone is the IANA zone for schedules without one (default UTC).
	Timezone string
	// StartupSpread bounds the random delay given to overdue INTERVAL jobs
	// on reload so they do not all fire at once (default 30s).
	StartupSpread time.Duration
}

// Executor runs one fire of a job.
type Executor interface {
	Execute(ctx context.Context, j *job.ScheduledJob, trigger job.Trigger) (*job.Execution, error)
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithAfterFunc(f engine.AfterFunc) Option {
	return func(s *Service) {
		if f != nil {
			s.afterFunc = f
		}
	}
}

// handle is the live trigger of one job. A job has at most one handle.
type handle struct {
	jobID   string
	kind    schedule.Type
	version uint64
	next    time.Time

	entryID cron.EntryID
	sched   cron.Schedule
	timer   engine.Timer
}

// Entry describes an armed job.
type Entry struct {
	JobID   string        `json:"job_id"`
	Type    schedule.Type `json:"type"`
	Next    time.Time     `json:"next"`
	Version uint64        `json:"version"`
}

// JobEvent is the payload of job.* bus events.
type JobEvent struct {
	JobID   string        `json:"job_id"`
	OwnerID string        `json:"owner_id"`
	Name    string        `json:"name"`
	Type    schedule.Type `json:"type"`
	NextRun *time.Time    `json:"next_run,omitempty"`
}

func jobEvent(j *job.ScheduledJob) JobEvent {
	return JobEvent{JobID: j.ID, OwnerID: j.OwnerID, Name: j.Name, Type: j.Type(), NextRun: j.NextRun}
}
