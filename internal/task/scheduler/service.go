package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"jobclock/internal/eventbus"
	"jobclock/internal/job"
	"jobclock/internal/schedule"
	"jobclock/internal/storage"
	"jobclock/internal/task/engine"
	logx "jobclock/pkg/logx"
)

const fireWarnThrottle = 5 * time.Second

type Service struct {
	mu sync.Mutex

	log   logx.Logger
	cfg   Config
	bus   eventbus.Bus
	calc  *schedule.Calculator
	store storage.JobStore
	exec  Executor

	now       func() time.Time
	afterFunc engine.AfterFunc

	c       *cron.Cron
	running bool
	// base is the context fires run under; Stop cancels it.
	base   context.Context
	cancel context.CancelFunc

	handles map[string]*handle
	seq     uint64

	warnMu   sync.Mutex
	lastWarn map[string]time.Time
}

func New(cfg Config, store storage.JobStore, exec Executor, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "scheduler"))
	loc := loadLocation(cfg.Timezone, log)
	base, cancel := context.WithCancel(context.Background())
	s := &Service{
		log:       log,
		cfg:       cfg,
		bus:       bus,
		calc:      schedule.NewCalculator(loc),
		store:     store,
		exec:      exec,
		now:       time.Now,
		afterFunc: engine.RealAfterFunc,
		base:      base,
		cancel:    cancel,
		handles:   map[string]*handle{},
		lastWarn:  map[string]time.Time{},
	}
	s.c = cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(cronLogger{log: log}),
		cron.WithChain(cron.Recover(cronLogger{log: log})),
	)
	for _, o := range opts {
		o(s)
	}
	return s
}

// Calculator is the calculator the registry computes next runs with.
func (s *Service) Calculator() *schedule.Calculator { return s.calc }

// Start starts cron triggering. Cron entries armed before Start fire only
// after it; timers run regardless.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	if s.base.Err() != nil {
		s.base, s.cancel = context.WithCancel(context.Background())
	}
	s.running = true
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", s.calc.Location().String()), logx.Int("armed", len(s.handles)))
}

// Stop disarms every job and waits for fires in progress until ctx ends.
// Persisted state is untouched; LoadActiveJobs re-arms after a restart.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	wasRunning := s.running
	s.running = false
	for id, h := range s.handles {
		s.disarmLocked(h)
		delete(s.handles, id)
	}
	c := s.c
	s.mu.Unlock()

	if wasRunning {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
			s.log.Warn("scheduler stop timed out; fires still running", logx.Err(ctx.Err()))
		}
	}
	s.cancel()
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

// arm replaces any live handle of j with a new one firing at next. Cron
// kinds register sched; the others use a single-shot timer.
func (s *Service) arm(j *job.ScheduledJob, next time.Time, sched cron.Schedule) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old := s.handles[j.ID]; old != nil {
		s.disarmLocked(old)
	}
	s.seq++
	h := &handle{jobID: j.ID, kind: j.Type(), version: s.seq, next: next, sched: sched}
	id, ver := j.ID, h.version
	if sched != nil {
		h.entryID = s.c.Schedule(sched, cron.FuncJob(func() { s.fire(id, ver) }))
	} else {
		delay := max(next.Sub(s.now()), 0)
		h.timer = s.afterFunc(delay, func() { s.fire(id, ver) })
	}
	s.handles[j.ID] = h
	return h.version
}

// disarm removes the handle of id. It reports whether one existed.
func (s *Service) disarm(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.handles[id]
	if h == nil {
		return false
	}
	s.disarmLocked(h)
	delete(s.handles, id)
	return true
}

func (s *Service) disarmLocked(h *handle) {
	if h.entryID != 0 {
		s.c.Remove(h.entryID)
		h.entryID = 0
	}
	if h.timer != nil {
		_ = h.timer.Stop()
		h.timer = nil
	}
}

// current returns the handle of id if ver is still its live version.
func (s *Service) current(id string, ver uint64) *handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.handles[id]
	if h == nil || h.version != ver {
		return nil
	}
	return h
}

// fire is the trigger callback. The next run is persisted before the action
// runs so a slow handler never makes the job look missed.
func (s *Service) fire(id string, ver uint64) {
	h := s.current(id, ver)
	if h == nil {
		return
	}
	ctx := s.base
	now := s.now()

	j, err := s.store.GetJob(ctx, id)
	if err != nil {
		if errors.Is(err, job.ErrJobNotFound) {
			s.disarmIf(id, ver)
			return
		}
		s.reportFireError(id, fmt.Errorf("load job: %w", err))
		s.rearmAfterFailedLoad(h, now)
		return
	}
	if !j.Enabled {
		s.disarmIf(id, ver)
		return
	}
	if j.Type() != h.kind {
		// The stored schedule changed kind under this handle. Re-arm from the
		// stored row instead of firing with the old trigger.
		s.log.Debug("armed kind differs from stored schedule", logx.String("job_id", id), logx.String("armed", string(h.kind)), logx.String("stored", string(j.Type())))
		if s.current(id, ver) == nil {
			return
		}
		s.disarmIf(id, ver)
		if err := s.activate(ctx, j, false); err != nil {
			s.reportFireError(id, fmt.Errorf("re-arm job: %w", err))
		}
		return
	}

	switch h.kind {
	case schedule.TypeOneTime, schedule.TypeDelayed:
		s.disarmIf(id, ver)
		j.Enabled = false
		j.NextRun = nil
		if err := s.store.SetEnabled(ctx, id, false); err != nil {
			s.reportFireError(id, err)
		}
		if err := s.store.SetNextRun(ctx, id, nil); err != nil {
			s.reportFireError(id, err)
		}
	case schedule.TypeInterval:
		iv := j.Schedule.(schedule.Interval)
		next := now.Add(time.Duration(iv.Minutes) * time.Minute)
		s.rearmTimer(id, ver, next)
		j.NextRun = job.TimePtr(next)
		if err := s.store.SetNextRun(ctx, id, j.NextRun); err != nil {
			s.reportFireError(id, err)
		}
	default:
		next := h.sched.Next(now)
		if next.IsZero() {
			s.exhausted(ctx, j, ver)
		} else {
			s.setNext(id, ver, next)
			j.NextRun = job.TimePtr(next)
			if err := s.store.SetNextRun(ctx, id, j.NextRun); err != nil {
				s.reportFireError(id, err)
			}
		}
	}

	eventbus.Emit(s.bus, eventbus.JobFired, jobEvent(j))
	s.log.Debug("job fired", logx.String("job_id", id), logx.String("type", string(h.kind)), logx.TimePtr("next_run", j.NextRun))

	if _, err := s.exec.Execute(ctx, j, job.TriggerScheduled); err != nil {
		s.reportFireError(id, err)
	}
}

// rearmAfterFailedLoad keeps timer-driven jobs alive when the store is
// briefly unavailable. Cron entries keep firing on their own.
func (s *Service) rearmAfterFailedLoad(h *handle, now time.Time) {
	if h.sched == nil {
		s.rearmTimer(h.jobID, h.version, now.Add(time.Minute))
	}
}

// rearmTimer points the timer of a still-current handle at next. The fired
// timer is spent, so the version stays valid.
func (s *Service) rearmTimer(id string, ver uint64, next time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.handles[id]
	if h == nil || h.version != ver {
		return
	}
	h.next = next
	h.timer = s.afterFunc(max(next.Sub(s.now()), 0), func() { s.fire(id, ver) })
}

func (s *Service) setNext(id string, ver uint64, next time.Time) {
	s.mu.Lock()
	if h := s.handles[id]; h != nil && h.version == ver {
		h.next = next
	}
	s.mu.Unlock()
}

func (s *Service) disarmIf(id string, ver uint64) {
	s.mu.Lock()
	if h := s.handles[id]; h != nil && h.version == ver {
		s.disarmLocked(h)
		delete(s.handles, id)
	}
	s.mu.Unlock()
}

// exhausted disables a bounded schedule that has no fire left.
func (s *Service) exhausted(ctx context.Context, j *job.ScheduledJob, ver uint64) {
	s.disarmIf(j.ID, ver)
	j.Enabled = false
	j.NextRun = nil
	if err := s.store.SetEnabled(ctx, j.ID, false); err != nil {
		s.reportFireError(j.ID, err)
	}
	if err := s.store.SetNextRun(ctx, j.ID, nil); err != nil {
		s.reportFireError(j.ID, err)
	}
	eventbus.Emit(s.bus, eventbus.JobDeactivated, jobEvent(j))
	s.log.Info("schedule exhausted; job disabled", logx.String("job_id", j.ID))
}

// reportFireError logs scheduler-side failures, at most once per job per
// throttle window. Overlap outcomes are expected and logged at debug.
func (s *Service) reportFireError(jobID string, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, engine.ErrOverlapSkip) || errors.Is(err, engine.ErrOverlapQueued) {
		s.log.Debug("fire deferred by overlap policy", logx.String("job_id", jobID), logx.Err(err))
		return
	}

	now := time.Now()
	s.warnMu.Lock()
	last := s.lastWarn[jobID]
	if !last.IsZero() && now.Sub(last) < fireWarnThrottle {
		s.warnMu.Unlock()
		return
	}
	s.lastWarn[jobID] = now
	s.warnMu.Unlock()

	s.log.Warn("scheduled fire failed", logx.String("job_id", jobID), logx.Err(err))
}

func loadLocation(tz string, log logx.Logger) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Warn("invalid timezone; falling back to UTC", logx.String("tz", tz), logx.Err(err))
		return time.UTC
	}
	return loc
}
