package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"jobclock/internal/eventbus"
	"jobclock/internal/job"
	"jobclock/internal/schedule"
	logx "jobclock/pkg/logx"
)

// ScheduleJob validates j, computes its first run, persists it and arms it
// when enabled. If the job was stored but could not be armed, the stored job
// is returned together with a *job.ActivationError and is left disabled.
func (s *Service) ScheduleJob(ctx context.Context, j *job.ScheduledJob) (*job.ScheduledJob, error) {
	if j == nil {
		return nil, fmt.Errorf("%w: job is nil", job.ErrInvalidJob)
	}
	j = j.Clone()
	if err := j.Validate(); err != nil {
		return nil, err
	}
	now := s.now()
	next, err := s.calc.Next(j.Schedule, now)
	exhausted := errors.Is(err, schedule.ErrScheduleExhausted)
	if err != nil && !exhausted {
		return nil, err
	}

	if j.ID == "" {
		j.ID = job.NewID()
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now
	j.LastRun = nil
	j.NextRun = nil
	if exhausted {
		j.Enabled = false
	} else {
		j.NextRun = job.TimePtr(next)
	}

	if err := s.store.CreateJob(ctx, j); err != nil {
		return nil, fmt.Errorf("persist job: %w", err)
	}
	eventbus.Emit(s.bus, eventbus.JobCreated, jobEvent(j))
	s.log.Info("job scheduled",
		logx.String("job_id", j.ID),
		logx.String("owner_id", j.OwnerID),
		logx.String("schedule", schedule.Describe(j.Schedule)),
		logx.TimePtr("next_run", j.NextRun),
	)

	if exhausted {
		return j.Clone(), &job.ActivationError{JobID: j.ID, Err: err}
	}
	if !j.Enabled {
		return j.Clone(), nil
	}
	if err := s.activate(ctx, j, true); err != nil {
		s.markDisabled(ctx, j)
		return j.Clone(), &job.ActivationError{JobID: j.ID, Err: err}
	}
	return j.Clone(), nil
}

// ActivateJob arms j from its stored state. Overdue ONE_TIME and DELAYED
// jobs fire immediately.
func (s *Service) ActivateJob(ctx context.Context, j *job.ScheduledJob) error {
	if j == nil {
		return fmt.Errorf("%w: job is nil", job.ErrInvalidJob)
	}
	if err := s.activate(ctx, j.Clone(), true); err != nil {
		return &job.ActivationError{JobID: j.ID, Err: err}
	}
	return nil
}

// DeactivateJob cancels the next fire and persists enabled=false. Calling it
// on a disabled job is a no-op. In-flight executions are not interrupted.
func (s *Service) DeactivateJob(ctx context.Context, id string) error {
	s.disarm(id)
	j, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if !j.Enabled {
		return nil
	}
	if err := s.store.SetEnabled(ctx, id, false); err != nil {
		return fmt.Errorf("persist enabled: %w", err)
	}
	j.Enabled = false
	eventbus.Emit(s.bus, eventbus.JobDeactivated, jobEvent(j))
	s.log.Info("job deactivated", logx.String("job_id", id))
	return nil
}

// EnableJob recomputes the next run of a disabled job and arms it.
func (s *Service) EnableJob(ctx context.Context, id string) (*job.ScheduledJob, error) {
	j, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.Enabled && s.armed(id) {
		return j, nil
	}
	if spent(j, s.now()) {
		return j, fmt.Errorf("%w: %s", ErrOneTimeSpent, id)
	}
	if err := s.store.SetEnabled(ctx, id, true); err != nil {
		return nil, fmt.Errorf("persist enabled: %w", err)
	}
	j.Enabled = true
	if err := s.activate(ctx, j, false); err != nil {
		s.markDisabled(ctx, j)
		return j, &job.ActivationError{JobID: id, Err: err}
	}
	return j, nil
}

// spent reports a ONE_TIME job whose run time has passed and whose fire
// cleared NextRun.
func spent(j *job.ScheduledJob, now time.Time) bool {
	ot, ok := j.Schedule.(schedule.OneTime)
	return ok && j.NextRun == nil && !ot.RunAt.After(now)
}

// UpdateJobSchedule swaps the schedule of a job. The job is re-armed only if
// it was enabled; the old trigger is always cancelled first.
func (s *Service) UpdateJobSchedule(ctx context.Context, id string, sc schedule.Schedule) (*job.ScheduledJob, error) {
	if err := s.calc.Validate(sc); err != nil {
		return nil, err
	}
	j, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.now()
	next, err := s.calc.Next(sc, now)
	exhausted := errors.Is(err, schedule.ErrScheduleExhausted)
	if err != nil && !exhausted {
		return nil, err
	}

	s.disarm(id)
	j.Schedule = schedule.Clone(sc)
	j.NextRun = nil
	if !exhausted {
		j.NextRun = job.TimePtr(next)
	}
	if err := s.store.UpdateSchedule(ctx, id, j.Schedule, j.NextRun); err != nil {
		return nil, fmt.Errorf("persist schedule: %w", err)
	}
	j.UpdatedAt = now
	eventbus.Emit(s.bus, eventbus.JobUpdated, jobEvent(j))

	if !j.Enabled {
		return j, nil
	}
	if exhausted {
		s.markDisabled(ctx, j)
		return j, &job.ActivationError{JobID: id, Err: err}
	}
	if err := s.activate(ctx, j, true); err != nil {
		s.markDisabled(ctx, j)
		return j, &job.ActivationError{JobID: id, Err: err}
	}
	return j, nil
}

// RemoveJob disarms and deletes a job owned by ownerID. Execution history is
// kept.
func (s *Service) RemoveJob(ctx context.Context, ownerID, id string) error {
	j, err := s.store.GetOwnedJob(ctx, ownerID, id)
	if err != nil {
		return err
	}
	s.disarm(id)
	if err := s.store.DeleteJob(ctx, ownerID, id); err != nil {
		return err
	}
	eventbus.Emit(s.bus, eventbus.JobDeleted, jobEvent(j))
	s.log.Info("job removed", logx.String("job_id", id), logx.String("owner_id", ownerID))
	return nil
}

// Reactivate re-arms an enabled job from its stored state. The monitor uses
// it for jobs that missed their run.
func (s *Service) Reactivate(ctx context.Context, id string) error {
	j, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if !j.Enabled {
		return nil
	}
	if err := s.activate(ctx, j, true); err != nil {
		s.markDisabled(ctx, j)
		return &job.ActivationError{JobID: id, Err: err}
	}
	return nil
}

// LoadActiveJobs arms every enabled job in the store. A job that cannot be
// armed is logged and left disabled; it does not stop the load.
func (s *Service) LoadActiveJobs(ctx context.Context) (int, error) {
	jobs, err := s.store.ListEnabledJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list enabled jobs: %w", err)
	}
	start := time.Now()
	n := 0
	for _, j := range jobs {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if err := s.activate(ctx, j, true); err != nil {
			s.log.Warn("job activation failed; disabling", logx.String("job_id", j.ID), logx.Err(err))
			s.markDisabled(ctx, j)
			continue
		}
		n++
	}
	s.log.Info("active jobs loaded", logx.Int("armed", n), logx.Int("enabled", len(jobs)), logx.Duration("took", time.Since(start)))
	return n, nil
}

// Snapshot lists armed jobs, soonest first.
func (s *Service) Snapshot() []Entry {
	s.mu.Lock()
	out := make([]Entry, 0, len(s.handles))
	for _, h := range s.handles {
		out = append(out, Entry{JobID: h.jobID, Type: h.kind, Next: h.next, Version: h.version})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, k int) bool {
		if out[i].Next.Equal(out[k].Next) {
			return out[i].JobID < out[k].JobID
		}
		return out[i].Next.Before(out[k].Next)
	})
	return out
}

func (s *Service) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

func (s *Service) armed(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles[id] != nil
}

// activate computes the trigger for j and arms it. With useStored the
// persisted NextRun of ONE_TIME, DELAYED and INTERVAL jobs is honoured;
// otherwise it is recomputed from now. NextRun is persisted before arming so
// an immediate fire cannot be overwritten by a stale value.
func (s *Service) activate(ctx context.Context, j *job.ScheduledJob, useStored bool) error {
	now := s.now()
	var next time.Time

	switch v := j.Schedule.(type) {
	case schedule.OneTime:
		if v.RunAt.IsZero() {
			return s.calc.Validate(v)
		}
		next = v.RunAt
	case schedule.Delayed:
		if err := s.calc.Validate(v); err != nil {
			return err
		}
		next = now.Add(time.Duration(v.Minutes) * time.Minute)
		if useStored && j.NextRun != nil {
			next = *j.NextRun
		}
	case schedule.Interval:
		if err := s.calc.Validate(v); err != nil {
			return err
		}
		every := time.Duration(v.Minutes) * time.Minute
		next = now.Add(every)
		if useStored && j.NextRun != nil {
			next = *j.NextRun
			if !next.After(now) {
				next = now.Add(spreadDelay(every, s.cfg.StartupSpread, j.ID))
			}
		}
	case schedule.Cron, schedule.Recurring:
		sched, err := s.calc.CronSchedule(j.Schedule)
		if err != nil {
			return err
		}
		next = sched.Next(now)
		if next.IsZero() {
			return schedule.ErrScheduleExhausted
		}
		if err := s.persistNext(ctx, j, next); err != nil {
			return err
		}
		s.arm(j, next, sched)
		s.activated(j)
		return nil
	default:
		return s.calc.Validate(j.Schedule)
	}

	if err := s.persistNext(ctx, j, next); err != nil {
		return err
	}
	s.arm(j, next, nil)
	s.activated(j)
	return nil
}

func (s *Service) persistNext(ctx context.Context, j *job.ScheduledJob, next time.Time) error {
	if j.NextRun != nil && j.NextRun.Equal(next) {
		return nil
	}
	if err := s.store.SetNextRun(ctx, j.ID, &next); err != nil {
		return fmt.Errorf("persist next run: %w", err)
	}
	j.NextRun = job.TimePtr(next)
	return nil
}

func (s *Service) activated(j *job.ScheduledJob) {
	eventbus.Emit(s.bus, eventbus.JobActivated, jobEvent(j))
	s.log.Debug("job armed", logx.String("job_id", j.ID), logx.String("type", string(j.Type())), logx.TimePtr("next_run", j.NextRun))
}

// markDisabled persists a job as disabled after a failed activation.
func (s *Service) markDisabled(ctx context.Context, j *job.ScheduledJob) {
	s.disarm(j.ID)
	j.Enabled = false
	j.NextRun = nil
	if err := s.store.SetEnabled(ctx, j.ID, false); err != nil {
		s.log.Warn("persist disabled failed", logx.String("job_id", j.ID), logx.Err(err))
	}
	if err := s.store.SetNextRun(ctx, j.ID, nil); err != nil {
		s.log.Warn("persist next run failed", logx.String("job_id", j.ID), logx.Err(err))
	}
}
