package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"jobclock/internal/job"
	"jobclock/internal/schedule"
)

// record is one journaled mutation. Exactly one field is set.
type record struct {
	Job       *job.ScheduledJob `json:"job,omitempty"`
	DeleteJob string            `json:"deleteJob,omitempty"`
	Exec      *job.Execution    `json:"exec,omitempty"`
}

// memoryStore keeps deep copies so callers can never mutate stored state.
type memoryStore struct {
	mu     sync.RWMutex
	jobs   map[string]*job.ScheduledJob
	execs  map[string]*job.Execution
	closed bool

	now func() time.Time
	// persist is called with the lock held after every mutation.
	persist func(rec record) error
}

// NewMemory returns an empty in-process store.
func NewMemory() Store { return newMemory() }

func newMemory() *memoryStore {
	return &memoryStore{
		jobs:  map[string]*job.ScheduledJob{},
		execs: map[string]*job.Execution{},
		now:   time.Now,
	}
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) commitJobLocked(j *job.ScheduledJob) error {
	s.jobs[j.ID] = j
	if s.persist != nil {
		return s.persist(record{Job: j.Clone()})
	}
	return nil
}

func (s *memoryStore) commitExecLocked(e *job.Execution) error {
	s.execs[e.ID] = e
	if s.persist != nil {
		return s.persist(record{Exec: e.Clone()})
	}
	return nil
}

func (s *memoryStore) CreateJob(ctx context.Context, j *job.ScheduledJob) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.jobs[j.ID]; ok {
		return fmt.Errorf("%w: job %s", ErrDuplicateID, j.ID)
	}
	return s.commitJobLocked(j.Clone())
}

func (s *memoryStore) GetJob(ctx context.Context, id string) (*job.ScheduledJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	j, ok := s.jobs[id]
	if !ok {
		return nil, job.ErrJobNotFound
	}
	return j.Clone(), nil
}

func (s *memoryStore) GetOwnedJob(ctx context.Context, ownerID, id string) (*job.ScheduledJob, error) {
	j, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.OwnerID != ownerID {
		return nil, job.ErrJobNotFound
	}
	return j, nil
}

// mutate applies fn to a stored copy and commits it.
func (s *memoryStore) mutate(ctx context.Context, id string, fn func(j *job.ScheduledJob) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	cur, ok := s.jobs[id]
	if !ok {
		return job.ErrJobNotFound
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return err
	}
	next.UpdatedAt = s.now()
	return s.commitJobLocked(next)
}

func (s *memoryStore) UpdateJob(ctx context.Context, j *job.ScheduledJob) error {
	in := j.Clone()
	return s.mutate(ctx, j.ID, func(cur *job.ScheduledJob) error {
		if cur.OwnerID != in.OwnerID {
			return job.ErrJobNotFound
		}
		in.CreatedAt = cur.CreatedAt
		*cur = *in
		return nil
	})
}

func (s *memoryStore) UpdateSchedule(ctx context.Context, id string, sc schedule.Schedule, nextRun *time.Time) error {
	sc = schedule.Clone(sc)
	return s.mutate(ctx, id, func(cur *job.ScheduledJob) error {
		cur.Schedule = sc
		cur.NextRun = copyTime(nextRun)
		return nil
	})
}

func (s *memoryStore) UpdateAction(ctx context.Context, id string, a job.ActionSpec) error {
	a = a.Clone()
	return s.mutate(ctx, id, func(cur *job.ScheduledJob) error {
		cur.Action = a
		return nil
	})
}

func (s *memoryStore) SetEnabled(ctx context.Context, id string, enabled bool) error {
	return s.mutate(ctx, id, func(cur *job.ScheduledJob) error {
		cur.Enabled = enabled
		return nil
	})
}

func (s *memoryStore) SetNextRun(ctx context.Context, id string, next *time.Time) error {
	return s.mutate(ctx, id, func(cur *job.ScheduledJob) error {
		cur.NextRun = copyTime(next)
		return nil
	})
}

func (s *memoryStore) SetLastRun(ctx context.Context, id string, at time.Time) error {
	return s.mutate(ctx, id, func(cur *job.ScheduledJob) error {
		cur.LastRun = &at
		return nil
	})
}

func (s *memoryStore) DeleteJob(ctx context.Context, ownerID, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	cur, ok := s.jobs[id]
	if !ok || cur.OwnerID != ownerID {
		return job.ErrJobNotFound
	}
	delete(s.jobs, id)
	if s.persist != nil {
		return s.persist(record{DeleteJob: id})
	}
	return nil
}

func (s *memoryStore) ListJobs(ctx context.Context, f JobFilter) ([]*job.ScheduledJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]*job.ScheduledJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		if f.match(j) {
			out = append(out, j.Clone())
		}
	}
	sortJobs(out)
	return page(out, f.Offset, f.Limit), nil
}

func (s *memoryStore) ListEnabledJobs(ctx context.Context) ([]*job.ScheduledJob, error) {
	return s.ListJobs(ctx, JobFilter{Enabled: BoolPtr(true)})
}

func (s *memoryStore) CreateExecution(ctx context.Context, e *job.Execution) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.execs[e.ID]; ok {
		return fmt.Errorf("%w: execution %s", ErrDuplicateID, e.ID)
	}
	return s.commitExecLocked(e.Clone())
}

func (s *memoryStore) UpdateExecution(ctx context.Context, e *job.Execution) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	cur, ok := s.execs[e.ID]
	if !ok {
		return job.ErrExecutionNotFound
	}
	if cur.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", job.ErrExecutionFinished, e.ID, cur.Status)
	}
	return s.commitExecLocked(e.Clone())
}

func (s *memoryStore) GetExecution(ctx context.Context, id string) (*job.Execution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	e, ok := s.execs[id]
	if !ok {
		return nil, job.ErrExecutionNotFound
	}
	return e.Clone(), nil
}

func (s *memoryStore) ListExecutions(ctx context.Context, f ExecutionFilter) ([]*job.Execution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]*job.Execution, 0)
	for _, e := range s.execs {
		if f.match(e) {
			out = append(out, e.Clone())
		}
	}
	sortExecutions(out)
	return page(out, 0, f.Limit), nil
}

func (s *memoryStore) ExecutionStats(ctx context.Context, f ExecutionFilter) (job.Statistics, error) {
	f.Limit = 0
	execs, err := s.ListExecutions(ctx, f)
	if err != nil {
		return job.Statistics{}, err
	}
	return computeStats(execs), nil
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
