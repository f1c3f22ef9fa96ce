package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"

	"jobclock/internal/eventbus"
	"jobclock/internal/job"
	"jobclock/internal/notifier"
	rtsup "jobclock/internal/runtime/supervisor"
	"jobclock/internal/storage"
	logx "jobclock/pkg/logx"
)

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	store  Store
	reg    Registry
	notify Notifier
	bus    eventbus.Bus
	now    func() time.Time

	g   *gauges
	sup *rtsup.Supervisor

	sweepMu    sync.Mutex
	lastReport Report

	metrics   Metrics
	metricsAt time.Time

	// alerted remembers when an owner was last told a job is unhealthy.
	alerted map[string]time.Time
	// disabledAt bounds the failure count of a job re-enabled after an
	// automatic disable.
	disabledAt map[string]time.Time
}

func New(cfg Config, store Store, reg Registry, notify Notifier, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:        log.With(logx.String("comp", "monitor")),
		cfg:        cfg.withDefaults(),
		store:      store,
		reg:        reg,
		notify:     notify,
		bus:        bus,
		now:        time.Now,
		g:          newGauges(),
		alerted:    map[string]time.Time{},
		disabledAt: map[string]time.Time{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Apply swaps the config. A new sweep interval takes effect on the next Start.
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

// Gatherer exposes the monitor's prometheus registry.
func (s *Service) Gatherer() prometheus.Gatherer { return s.g.reg }

// Start runs the sweep loop. The first sweep happens right away.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	s.sup.GoEvery("monitor.sweep", s.cfg.Interval, true, func(ctx context.Context) error {
		_, err := s.Sweep(ctx)
		return err
	})
	s.log.Info("monitor started", logx.Duration("interval", s.cfg.Interval))
}

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Stop(ctx)
}

// LastReport returns the result of the most recent sweep.
func (s *Service) LastReport() Report {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()
	r := s.lastReport
	r.Missed = append([]string(nil), r.Missed...)
	r.Unhealthy = append([]string(nil), r.Unhealthy...)
	r.Disabled = append([]string(nil), r.Disabled...)
	return r
}

// Sweep runs one pass of every check and refreshes the metrics snapshot.
// Sweeps do not overlap.
func (s *Service) Sweep(ctx context.Context) (Report, error) {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	cfg := s.config()
	start := time.Now()
	now := s.now()
	rep := Report{At: now}

	jobs, err := s.store.ListJobs(ctx, storage.JobFilter{})
	if err != nil {
		s.g.sweeps.WithLabelValues("error").Inc()
		return rep, fmt.Errorf("list jobs: %w", err)
	}
	rep.Jobs = len(jobs)

	var errs []error
	if err := s.checkMissed(ctx, cfg, now, jobs, &rep); err != nil {
		errs = append(errs, err)
	}
	if err := s.reapStuck(ctx, cfg, now, &rep); err != nil {
		errs = append(errs, err)
	}
	if err := s.checkFailures(ctx, cfg, now, jobs, &rep); err != nil {
		errs = append(errs, err)
	}
	if _, err := s.refreshMetrics(ctx, cfg, now, jobs); err != nil {
		errs = append(errs, err)
	}

	rep.Took = time.Since(start)
	s.lastReport = rep
	err = errors.Join(errs...)
	if err != nil {
		s.g.sweeps.WithLabelValues("error").Inc()
	} else {
		s.g.sweeps.WithLabelValues("ok").Inc()
	}
	eventbus.Emit(s.bus, eventbus.MonitorSwept, rep)
	s.log.Debug("sweep done",
		logx.Int("jobs", rep.Jobs),
		logx.Int("missed", len(rep.Missed)),
		logx.Int("reaped", rep.Reaped),
		logx.Int("unhealthy", len(rep.Unhealthy)),
		logx.Int("disabled", len(rep.Disabled)),
		logx.Duration("took", rep.Took),
	)
	return rep, err
}

// missed reports whether j should have fired by now and did not.
func missed(j *job.ScheduledJob, now time.Time, grace time.Duration) bool {
	if !j.Enabled || j.NextRun == nil {
		return false
	}
	if !j.NextRun.Before(now.Add(-grace)) {
		return false
	}
	return j.LastRun == nil || j.LastRun.Before(*j.NextRun)
}

func (s *Service) checkMissed(ctx context.Context, cfg Config, now time.Time, jobs []*job.ScheduledJob, rep *Report) error {
	var errs []error
	for _, j := range jobs {
		if !missed(j, now, cfg.Grace) {
			continue
		}
		rep.Missed = append(rep.Missed, j.ID)
		s.g.missed.Inc()
		eventbus.Emit(s.bus, eventbus.MonitorJobMissed, alert(j, 0))
		s.log.Warn("job missed its run",
			logx.String("job_id", j.ID),
			logx.String("name", j.Name),
			logx.String("due", humanize.RelTime(*j.NextRun, now, "ago", "from now")),
		)
		if !cfg.ReactivateMissed || s.reg == nil {
			continue
		}
		if err := s.reg.Reactivate(ctx, j.ID); err != nil {
			errs = append(errs, fmt.Errorf("reactivate %s: %w", j.ID, err))
			continue
		}
		rep.Reactivated++
	}
	return errors.Join(errs...)
}

func (s *Service) reapStuck(ctx context.Context, cfg Config, now time.Time, rep *Report) error {
	execs, err := s.store.ListExecutions(ctx, storage.ExecutionFilter{
		Statuses: []job.Status{job.StatusPending, job.StatusRunning, job.StatusRetrying},
	})
	if err != nil {
		return fmt.Errorf("list live executions: %w", err)
	}
	cutoff := now.Add(-cfg.StuckTimeout)
	var errs []error
	for _, e := range execs {
		if !stuck(e, cutoff) {
			continue
		}
		prev := e.Status
		e.Status = job.StatusFailed
		e.CompletedAt = job.TimePtr(now)
		d := now.Sub(e.StartedAt).Milliseconds()
		e.DurationMs = &d
		e.NextRetryAt = nil
		e.Error = &job.ExecutionError{
			Code:    job.CodeTimeout,
			Message: fmt.Sprintf("execution stuck in %s since %s", prev, humanize.RelTime(e.UpdatedAt, now, "ago", "from now")),
		}
		e.UpdatedAt = now
		if err := s.store.UpdateExecution(ctx, e); err != nil {
			if errors.Is(err, job.ErrExecutionFinished) {
				s.log.Debug("stuck candidate finished before reap", logx.String("execution_id", e.ID))
				continue
			}
			errs = append(errs, fmt.Errorf("reap %s: %w", e.ID, err))
			continue
		}
		rep.Reaped++
		s.g.reaped.Inc()
		eventbus.Emit(s.bus, eventbus.MonitorStuckReaped, e.Clone())
		s.log.Warn("stuck execution failed", logx.String("execution_id", e.ID), logx.String("job_id", e.JobID), logx.String("was", string(prev)))
	}
	return errors.Join(errs...)
}

func stuck(e *job.Execution, cutoff time.Time) bool {
	if e.Status == job.StatusRetrying && e.NextRetryAt != nil {
		return e.NextRetryAt.Before(cutoff)
	}
	return e.UpdatedAt.Before(cutoff)
}

func (s *Service) checkFailures(ctx context.Context, cfg Config, now time.Time, jobs []*job.ScheduledJob, rep *Report) error {
	var errs []error
	for _, j := range jobs {
		if !j.Enabled {
			continue
		}
		since := now.Add(-cfg.FailureWindow)
		s.mu.Lock()
		if at, ok := s.disabledAt[j.ID]; ok {
			if at.After(since) {
				since = at
			} else {
				delete(s.disabledAt, j.ID)
			}
		}
		s.mu.Unlock()
		failed, err := s.store.ListExecutions(ctx, storage.ExecutionFilter{
			JobID:        j.ID,
			Statuses:     []job.Status{job.StatusFailed},
			StartedAfter: since,
			Limit:        cfg.DisableThreshold + 1,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("failures of %s: %w", j.ID, err))
			continue
		}
		n := len(failed)
		switch {
		case n > cfg.DisableThreshold:
			if err := s.disable(ctx, j, n, cfg, now); err != nil {
				errs = append(errs, err)
				continue
			}
			rep.Disabled = append(rep.Disabled, j.ID)
		case n > cfg.UnhealthyThreshold:
			rep.Unhealthy = append(rep.Unhealthy, j.ID)
			s.unhealthy(ctx, j, n, cfg, now)
		}
	}
	return errors.Join(errs...)
}

func (s *Service) disable(ctx context.Context, j *job.ScheduledJob, failures int, cfg Config, now time.Time) error {
	if s.reg == nil {
		return nil
	}
	if err := s.reg.DeactivateJob(ctx, j.ID); err != nil {
		return fmt.Errorf("disable %s: %w", j.ID, err)
	}
	j.Enabled = false
	s.g.disabled.Inc()
	eventbus.Emit(s.bus, eventbus.MonitorJobDisabled, alert(j, failures))
	s.log.Warn("job disabled for repeated failures", logx.String("job_id", j.ID), logx.Int("failures", failures))
	s.send(ctx, j, notifier.Notification{
		Type:    notifier.TypeError,
		Title:   "Job disabled",
		Message: fmt.Sprintf("%q failed %d times in the last %s and has been disabled.", j.Name, failures, window(cfg.FailureWindow)),
		JobID:   j.ID,
	})
	s.mu.Lock()
	delete(s.alerted, j.ID)
	s.disabledAt[j.ID] = now
	s.mu.Unlock()
	return nil
}

// unhealthy warns the owner at most once per failure window.
func (s *Service) unhealthy(ctx context.Context, j *job.ScheduledJob, failures int, cfg Config, now time.Time) {
	eventbus.Emit(s.bus, eventbus.MonitorJobUnhealthy, alert(j, failures))
	s.log.Warn("job unhealthy", logx.String("job_id", j.ID), logx.Int("failures", failures))

	s.mu.Lock()
	last, seen := s.alerted[j.ID]
	if seen && now.Sub(last) < cfg.FailureWindow {
		s.mu.Unlock()
		return
	}
	s.alerted[j.ID] = now
	s.mu.Unlock()

	s.send(ctx, j, notifier.Notification{
		Type:    notifier.TypeWarning,
		Title:   "Job failing",
		Message: fmt.Sprintf("%q failed %d times in the last %s.", j.Name, failures, window(cfg.FailureWindow)),
		JobID:   j.ID,
	})
}

func (s *Service) send(ctx context.Context, j *job.ScheduledJob, n notifier.Notification) {
	if s.notify != nil {
		s.notify.Notify(ctx, j.OwnerID, n)
	}
}

// Metrics returns the cached snapshot, refreshing it when older than the TTL.
func (s *Service) Metrics(ctx context.Context) (Metrics, error) {
	cfg := s.config()
	now := s.now()
	s.mu.Lock()
	if !s.metricsAt.IsZero() && now.Sub(s.metricsAt) < cfg.MetricsTTL {
		m := s.metrics
		s.mu.Unlock()
		return m, nil
	}
	s.mu.Unlock()

	jobs, err := s.store.ListJobs(ctx, storage.JobFilter{})
	if err != nil {
		return Metrics{}, fmt.Errorf("list jobs: %w", err)
	}
	return s.refreshMetrics(ctx, cfg, now, jobs)
}

func (s *Service) refreshMetrics(ctx context.Context, cfg Config, now time.Time, jobs []*job.ScheduledJob) (Metrics, error) {
	m := Metrics{TotalJobs: len(jobs), GeneratedAt: now}
	var upcoming []*job.ScheduledJob
	for _, j := range jobs {
		if j.Enabled {
			m.ActiveJobs++
			if j.NextRun != nil {
				upcoming = append(upcoming, j)
			}
		} else {
			m.PausedJobs++
		}
	}
	if s.reg != nil {
		m.ArmedJobs = s.reg.ActiveCount()
	}

	sort.Slice(upcoming, func(i, k int) bool { return upcoming[i].NextRun.Before(*upcoming[k].NextRun) })
	if len(upcoming) > cfg.Upcoming {
		upcoming = upcoming[:cfg.Upcoming]
	}
	m.Upcoming = make([]UpcomingJob, 0, len(upcoming))
	for _, j := range upcoming {
		m.Upcoming = append(m.Upcoming, UpcomingJob{
			JobID:   j.ID,
			OwnerID: j.OwnerID,
			Name:    j.Name,
			NextRun: *j.NextRun,
			In:      humanize.RelTime(*j.NextRun, now, "ago", "from now"),
		})
	}

	y, mo, d := now.Date()
	midnight := time.Date(y, mo, d, 0, 0, 0, 0, now.Location())
	st, err := s.store.ExecutionStats(ctx, storage.ExecutionFilter{StartedAfter: midnight})
	if err != nil {
		return m, fmt.Errorf("execution stats: %w", err)
	}
	m.ExecutionsToday = st.Total
	m.AvgDurationMs = st.AvgDurationMs
	if done := st.Completed + st.Failed; done > 0 {
		m.SuccessRate = float64(st.Completed) / float64(done)
		m.FailureRate = float64(st.Failed) / float64(done)
	}

	s.g.set(m)
	s.mu.Lock()
	s.metrics = m
	s.metricsAt = now
	s.mu.Unlock()
	return m, nil
}

func alert(j *job.ScheduledJob, failures int) JobAlert {
	return JobAlert{JobID: j.ID, OwnerID: j.OwnerID, Name: j.Name, Failures: failures, NextRun: j.NextRun}
}

func window(d time.Duration) string {
	if d%time.Hour == 0 {
		h := int(d / time.Hour)
		if h == 1 {
			return "hour"
		}
		return fmt.Sprintf("%d hours", h)
	}
	return d.String()
}
