package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"jobclock/internal/action"
	"jobclock/internal/eventbus"
	"jobclock/internal/job"
	logx "jobclock/pkg/logx"
)

// Service executes job actions and records one Execution per fire. Retries
// of a fire reuse its Execution and are deferred on timers, so no goroutine
// sleeps while a retry is pending.
type Service struct {
	mu  sync.Mutex
	cfg Config

	store    Store
	handlers *action.Registry
	log      logx.Logger
	bus      eventbus.Bus

	now       func() time.Time
	afterFunc AfterFunc

	// base is the context of deferred retries; Stop cancels it.
	base   context.Context
	cancel context.CancelFunc

	stopped bool
	running sync.WaitGroup
	retries map[string]*pendingRetry
	flights map[string]*flight
}

type pendingRetry struct {
	timer Timer
	job   *job.ScheduledJob
	exec  *job.Execution
}

// flight counts unfinished executions of one job. queued holds the single
// coalesced fire of an OverlapQueue job.
type flight struct {
	active int
	queued bool
}

func New(cfg Config, store Store, handlers *action.Registry, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	base, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:       cfg.withDefaults(),
		store:     store,
		handlers:  handlers,
		log:       log.With(logx.String("comp", "executor")),
		bus:       bus,
		now:       time.Now,
		afterFunc: RealAfterFunc,
		base:      base,
		cancel:    cancel,
		retries:   map[string]*pendingRetry{},
		flights:   map[string]*flight{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Apply swaps the retry defaults. Pending retries keep their delay.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Execute runs one fire of j. The returned Execution reflects the state after
// the first attempt (COMPLETED, FAILED or RETRYING).
//
// Manual triggers get the attempt error back. Scheduled triggers only log it,
// so the returned error is limited to persistence failures and overlap
// outcomes.
func (s *Service) Execute(ctx context.Context, j *job.ScheduledJob, trigger job.Trigger) (*job.Execution, error) {
	if j == nil {
		return nil, job.ErrJobNotFound
	}
	if trigger == "" {
		trigger = job.TriggerScheduled
	}
	if err := s.admit(j, trigger); err != nil {
		if errors.Is(err, ErrOverlapSkip) {
			s.log.Info("fire skipped: job still running", logx.String("job_id", j.ID), logx.String("name", j.Name))
			eventbus.Emit(s.bus, eventbus.ExecutionSkipped, ExecutionEvent{JobID: j.ID, OwnerID: j.OwnerID, Trigger: trigger})
		}
		return nil, err
	}

	now := s.now()
	exec := &job.Execution{
		ID:        job.NewID(),
		JobID:     j.ID,
		OwnerID:   j.OwnerID,
		Trigger:   trigger,
		Status:    job.StatusPending,
		StartedAt: now,
		UpdatedAt: now,
	}
	pctx := context.WithoutCancel(ctx)
	if err := s.store.CreateExecution(pctx, exec); err != nil {
		s.release(j.ID)
		return nil, fmt.Errorf("create execution for job %s: %w", j.ID, err)
	}

	attemptErr, err := s.attempt(ctx, j, exec)
	if err != nil {
		if errors.Is(err, job.ErrExecutionFinished) && trigger != job.TriggerManual {
			return exec.Clone(), nil
		}
		return exec.Clone(), err
	}
	if attemptErr != nil && trigger == job.TriggerManual {
		return exec.Clone(), attemptErr
	}
	return exec.Clone(), nil
}

// admit applies the job's overlap policy. Manual runs are always admitted.
func (s *Service) admit(j *job.ScheduledJob, trigger job.Trigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	f := s.flights[j.ID]
	if f == nil {
		f = &flight{}
		s.flights[j.ID] = f
	}
	if f.active > 0 && trigger == job.TriggerScheduled {
		switch j.Overlap {
		case job.OverlapSkip:
			return ErrOverlapSkip
		case job.OverlapQueue:
			f.queued = true
			return ErrOverlapQueued
		}
	}
	f.active++
	return nil
}

// release ends one execution of jobID and starts a queued fire, if any.
func (s *Service) release(jobID string) {
	s.mu.Lock()
	f := s.flights[jobID]
	runQueued := false
	if f != nil {
		if f.active > 0 {
			f.active--
		}
		if f.active == 0 {
			runQueued = f.queued && !s.stopped
			f.queued = false
			delete(s.flights, jobID)
		}
	}
	s.mu.Unlock()

	if runQueued {
		go s.runQueued(jobID)
	}
}

func (s *Service) runQueued(jobID string) {
	j, err := s.store.GetJob(s.base, jobID)
	if err != nil {
		s.log.Warn("queued fire dropped", logx.String("job_id", jobID), logx.Err(err))
		return
	}
	if !j.Enabled {
		return
	}
	if _, err := s.Execute(s.base, j, job.TriggerScheduled); err != nil && !errors.Is(err, ErrStopped) {
		s.log.Warn("queued fire failed", logx.String("job_id", jobID), logx.Err(err))
	}
}

// attempt runs the handler once and moves exec to its next state. attemptErr
// is the handler failure; err is a persistence failure.
func (s *Service) attempt(ctx context.Context, j *job.ScheduledJob, exec *job.Execution) (attemptErr, err error) {
	pctx := context.WithoutCancel(ctx)

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		if err := s.finishFailed(pctx, j, exec, shutdownError()); err != nil {
			return nil, err
		}
		return nil, ErrStopped
	}
	s.running.Add(1)
	s.mu.Unlock()
	defer s.running.Done()

	if err := s.transition(pctx, exec, job.StatusRunning); err != nil {
		s.release(j.ID)
		return nil, err
	}
	eventbus.Emit(s.bus, eventbus.ExecutionStarted, s.event(exec))
	s.log.Debug("execution started",
		logx.String("job_id", j.ID),
		logx.String("execution_id", exec.ID),
		logx.String("action", string(j.Action.Type)),
		logx.Int("retry", exec.RetryCount),
	)

	result, runErr := s.runHandler(ctx, j, exec)
	if runErr == nil {
		return nil, s.complete(pctx, j, exec, result)
	}
	return runErr, s.fail(pctx, j, exec, runErr)
}

func (s *Service) runHandler(ctx context.Context, j *job.ScheduledJob, exec *job.Execution) (result any, err error) {
	h, err := s.handlers.Lookup(j.Action.Type)
	if err != nil {
		return nil, err
	}

	timeout := s.config().DefaultTimeout
	if j.Action.TimeoutMs > 0 {
		timeout = time.Duration(j.Action.TimeoutMs) * time.Millisecond
	}
	runCtx, cancel := context.WithTimeoutCause(ctx, timeout, errHandlerTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = panicError{value: r}
			s.log.Error("handler panicked",
				logx.String("job_id", j.ID),
				logx.String("action", string(j.Action.Type)),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
		}
	}()

	result, err = h.Handle(runCtx, action.Request{
		JobID:       j.ID,
		ExecutionID: exec.ID,
		OwnerID:     j.OwnerID,
		Attempt:     exec.RetryCount,
		Action:      j.Action.Clone(),
	})
	if err != nil && errors.Is(context.Cause(runCtx), errHandlerTimeout) && !errors.Is(err, errHandlerTimeout) {
		err = fmt.Errorf("%w after %s: %w", errHandlerTimeout, timeout, err)
	}
	return result, err
}

func (s *Service) complete(ctx context.Context, j *job.ScheduledJob, exec *job.Execution, result any) error {
	defer s.release(j.ID)

	done := s.now()
	exec.CompletedAt = job.TimePtr(done)
	exec.DurationMs = durationMs(exec.StartedAt, done)
	exec.Error = nil
	exec.NextRetryAt = nil
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			s.log.Warn("handler result not encodable", logx.String("job_id", j.ID), logx.Err(err))
		} else {
			exec.Result = b
		}
	}
	if err := s.transition(ctx, exec, job.StatusCompleted); err != nil {
		return err
	}
	if err := s.store.SetLastRun(ctx, j.ID, done); err != nil && !errors.Is(err, job.ErrJobNotFound) {
		s.log.Warn("record last run failed", logx.String("job_id", j.ID), logx.Err(err))
	}

	eventbus.Emit(s.bus, eventbus.ExecutionCompleted, s.event(exec))
	s.log.Info("execution completed",
		logx.String("job_id", j.ID),
		logx.String("execution_id", exec.ID),
		logx.Int64("duration_ms", *exec.DurationMs),
		logx.Int("retries", exec.RetryCount),
	)
	return nil
}

func (s *Service) fail(ctx context.Context, j *job.ScheduledJob, exec *job.Execution, runErr error) error {
	ee := Classify(runErr)
	plan := s.config().plan(j.Action.RetryPolicy)

	if ee.Retryable && exec.RetryCount < plan.max {
		delay := plan.delay(exec.RetryCount)
		var ra RetryAfterError
		if errors.As(runErr, &ra) && ra.RetryAfter() > delay {
			delay = min(ra.RetryAfter(), plan.limit)
		}
		return s.scheduleRetry(ctx, j, exec, ee, delay)
	}
	return s.finishFailed(ctx, j, exec, ee)
}

func (s *Service) scheduleRetry(ctx context.Context, j *job.ScheduledJob, exec *job.Execution, ee *job.ExecutionError, delay time.Duration) error {
	exec.RetryCount++
	exec.Error = ee
	exec.NextRetryAt = job.TimePtr(s.now().Add(delay))
	if err := s.transition(ctx, exec, job.StatusRetrying); err != nil {
		s.release(j.ID)
		return err
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return s.finishFailed(ctx, j, exec, shutdownError())
	}
	p := &pendingRetry{job: j.Clone(), exec: exec.Clone()}
	s.retries[exec.ID] = p
	id := exec.ID
	p.timer = s.afterFunc(delay, func() { s.retryDue(id) })
	s.mu.Unlock()

	eventbus.Emit(s.bus, eventbus.ExecutionRetrying, s.event(exec))
	s.log.Warn("execution failed, retry scheduled",
		logx.String("job_id", j.ID),
		logx.String("execution_id", exec.ID),
		logx.String("code", ee.Code),
		logx.Int("retry", exec.RetryCount),
		logx.Duration("delay", delay),
		logx.Err(ee.Cause),
	)
	return nil
}

// retryDue runs a deferred retry against the latest stored job.
func (s *Service) retryDue(execID string) {
	s.mu.Lock()
	p := s.retries[execID]
	delete(s.retries, execID)
	s.mu.Unlock()
	if p == nil {
		return
	}
	ctx := s.base

	j, err := s.store.GetJob(ctx, p.job.ID)
	switch {
	case errors.Is(err, job.ErrJobNotFound):
		_ = s.finishFailed(ctx, p.job, p.exec, &job.ExecutionError{Code: job.CodeJobDeleted, Message: "job deleted before retry"})
		return
	case err != nil:
		s.log.Warn("reload job for retry failed; using last known definition", logx.String("job_id", p.job.ID), logx.Err(err))
		j = p.job
	}
	if _, err := s.attempt(ctx, j, p.exec); err != nil && !errors.Is(err, ErrStopped) && !errors.Is(err, job.ErrExecutionFinished) {
		s.log.Error("retry attempt not recorded", logx.String("execution_id", execID), logx.Err(err))
	}
}

func (s *Service) finishFailed(ctx context.Context, j *job.ScheduledJob, exec *job.Execution, ee *job.ExecutionError) error {
	defer s.release(j.ID)

	done := s.now()
	exec.CompletedAt = job.TimePtr(done)
	exec.DurationMs = durationMs(exec.StartedAt, done)
	exec.Error = ee
	exec.NextRetryAt = nil
	if err := s.transition(ctx, exec, job.StatusFailed); err != nil {
		return err
	}

	eventbus.Emit(s.bus, eventbus.ExecutionFailed, s.event(exec))
	s.log.Error("execution failed",
		logx.String("job_id", j.ID),
		logx.String("execution_id", exec.ID),
		logx.String("code", ee.Code),
		logx.Int("retries", exec.RetryCount),
		logx.String("error", ee.Message),
	)
	return nil
}

func (s *Service) transition(ctx context.Context, exec *job.Execution, next job.Status) error {
	if !exec.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrBadTransition, exec.Status, next)
	}
	exec.Status = next
	exec.UpdatedAt = s.now()
	if err := s.store.UpdateExecution(ctx, exec); err != nil {
		if errors.Is(err, job.ErrExecutionFinished) {
			s.adoptStored(ctx, exec, next)
		}
		return fmt.Errorf("update execution %s to %s: %w", exec.ID, next, err)
	}
	return nil
}

// adoptStored replaces exec with the stored row after the monitor finished it
// first. The outcome of the late attempt is dropped.
func (s *Service) adoptStored(ctx context.Context, exec *job.Execution, wanted job.Status) {
	stored, err := s.store.GetExecution(ctx, exec.ID)
	if err != nil {
		s.log.Warn("reload finished execution failed", logx.String("execution_id", exec.ID), logx.Err(err))
		return
	}
	*exec = *stored
	s.log.Warn("execution already finished; late result dropped",
		logx.String("execution_id", exec.ID),
		logx.String("job_id", exec.JobID),
		logx.String("status", string(exec.Status)),
		logx.String("dropped", string(wanted)),
	)
}

func (s *Service) event(exec *job.Execution) ExecutionEvent {
	ev := ExecutionEvent{
		ExecutionID: exec.ID,
		JobID:       exec.JobID,
		OwnerID:     exec.OwnerID,
		Trigger:     exec.Trigger,
		Status:      exec.Status,
		RetryCount:  exec.RetryCount,
	}
	if exec.DurationMs != nil {
		ev.Duration = time.Duration(*exec.DurationMs) * time.Millisecond
	}
	if exec.Error != nil {
		ev.Error = exec.Error.Message
		ev.Code = exec.Error.Code
	}
	return ev
}

// Stop cancels pending retries, failing their executions with SHUTDOWN, and
// waits for running attempts until ctx ends. Handlers still running when ctx
// ends have their context cancelled.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	pending := make([]*pendingRetry, 0, len(s.retries))
	for id, p := range s.retries {
		if p.timer != nil {
			p.timer.Stop()
		}
		pending = append(pending, p)
		delete(s.retries, id)
	}
	s.mu.Unlock()

	for _, p := range pending {
		_ = s.finishFailed(context.Background(), p.job, p.exec, shutdownError())
	}

	done := make(chan struct{})
	go func() {
		s.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancel()
		s.log.Info("executor stopped", logx.Int("cancelled_retries", len(pending)))
		return nil
	case <-ctx.Done():
		s.cancel()
		s.log.Warn("executor stop timed out", logx.Err(ctx.Err()))
		return ctx.Err()
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{PendingRetries: len(s.retries), Stopped: s.stopped, Config: s.cfg}
	for _, f := range s.flights {
		snap.InFlight += f.active
		if f.queued {
			snap.QueuedFires++
		}
	}
	return snap
}

func shutdownError() *job.ExecutionError {
	return &job.ExecutionError{Code: job.CodeShutdown, Message: "executor stopped before the attempt could run"}
}

func durationMs(from, to time.Time) *int64 {
	d := to.Sub(from).Milliseconds()
	if d < 0 {
		d = 0
	}
	return &d
}
