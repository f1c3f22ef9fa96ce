// Package app is the daemon's composition root: it maps config onto the
// store, executor, scheduler, notifier and monitor, starts them in order and
// applies hot reloads.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"jobclock/internal/action"
	"jobclock/internal/config"
	"jobclock/internal/eventbus"
	"jobclock/internal/job"
	"jobclock/internal/jobs"
	"jobclock/internal/monitor"
	"jobclock/internal/notifier"
	"jobclock/internal/observability/exporter"
	rtsup "jobclock/internal/runtime/supervisor"
	"jobclock/internal/storage"
	"jobclock/internal/task/engine"
	"jobclock/internal/task/scheduler"
	"jobclock/internal/template"
	"jobclock/internal/transport/telegram"
	logx "jobclock/pkg/logx"
	"jobclock/pkg/systemd"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   *eventbus.MemBus
	store storage.Store

	handlers *action.Registry
	funcs    *action.Functions

	engine *engine.Service
	sched  *scheduler.Service
	notif  *notifier.Service
	mon    *monitor.Service
	exp    *exporter.Service
	jobs   *jobs.Service
}

// New loads cfgPath and builds every component. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	logSvc, root := logx.New(mapLoggingConfig(cfg))
	log := root.With(logx.String("comp", "app"))
	bus := eventbus.New()

	sc, _ := mapStorageConfig(cfg)
	store, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}
	log.Info("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	fail := func(err error) (*App, error) {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}

	sender, err := buildSender(cfg, root)
	if err != nil {
		return fail(err)
	}
	ncfg, _ := mapNotifierConfig(cfg)
	notif := notifier.New(ncfg, sender, root.With(logx.String("comp", "notifier")), bus)

	wcfg, _ := mapWebhookConfig(cfg)
	webhook := action.NewWebhookHandler(wcfg.Timeout)
	if wcfg.UserAgent != "" {
		webhook.UserAgent = wcfg.UserAgent
	}
	if wcfg.MaxBody > 0 {
		webhook.MaxBody = wcfg.MaxBody
	}
	funcs := action.NewFunctions()
	handlers := action.NewRegistry()
	handlers.MustRegister(job.ActionCallWebhook, webhook)
	handlers.MustRegister(job.ActionSendNotification, action.NotifyHandler{Notifier: notif})
	handlers.MustRegister(job.ActionCustomFunction, funcs)

	ecfg, _ := mapExecutorConfig(cfg)
	eng := engine.New(ecfg, store, handlers, root, bus)

	scfg, _ := mapSchedulerConfig(cfg)
	sched := scheduler.New(scfg, store, eng, root, bus)

	mcfg, _ := mapMonitorConfig(cfg)
	mon := monitor.New(mcfg, store, sched, notif, root, bus)

	a := &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		handlers: handlers,
		funcs:    funcs,
		engine:   eng,
		sched:    sched,
		notif:    notif,
		mon:      mon,
		jobs:     jobs.New(store, sched, eng, mon, template.Default(), root),
	}
	a.exp = exporter.New(mapMetricsConfig(cfg), mon.Gatherer(), a.healthy, root.With(logx.String("comp", "metrics")))
	return a, nil
}

// buildSender always logs notifications and adds Telegram when configured.
func buildSender(cfg *config.Config, log logx.Logger) (notifier.Sender, error) {
	senders := notifier.MultiSender{notifier.LogSender{Log: log.With(logx.String("comp", "notify.log"))}}
	tcfg, ok, err := mapTelegramConfig(cfg)
	if err != nil {
		return nil, err
	}
	if ok {
		tg, err := telegram.New(tcfg, log.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, fmt.Errorf("telegram sender: %w", err)
		}
		senders = append(senders, tg)
	}
	if len(senders) == 1 {
		return senders[0], nil
	}
	return senders, nil
}

// Jobs is the owner-facing operation surface.
func (a *App) Jobs() *jobs.Service { return a.jobs }

// Handlers lets embedders register handlers for the remaining action types
// before Start.
func (a *App) Handlers() *action.Registry { return a.handlers }

// Functions is the custom_function table.
func (a *App) Functions() *action.Functions { return a.funcs }

func (a *App) Bus() eventbus.Bus { return a.bus }

// Done is closed when the app supervisor stops (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) healthy() bool {
	if a.sup == nil || a.sup.Context().Err() != nil {
		return false
	}
	return !a.engine.Snapshot().Stopped
}

// Start runs the app until Stop. Cancelling ctx does not stop it; components
// must drain in order, which only Stop does.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(context.WithoutCancel(ctx), rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validateConfig(cfg) })

	a.notif.Start(run)
	a.sched.Start(run)
	n, err := a.sched.LoadActiveJobs(ctx)
	if err != nil {
		a.sup.Cancel()
		return fmt.Errorf("load active jobs: %w", err)
	}
	a.mon.Start(run)
	if a.exp.Enabled() {
		a.exp.Start(run)
	}

	a.startEventLog()
	a.startConfigReload()
	a.sup.Go("config.watch", a.cfgm.Watch)

	if _, err := systemd.Ready(); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	}
	_, _ = systemd.Status(fmt.Sprintf("%d jobs armed", n))
	if iv := systemd.WatchdogInterval(); iv > 0 {
		a.sup.Go0("systemd.watchdog", func(c context.Context) {
			systemd.Watchdog(c, iv, a.healthy, a.log.With(logx.String("comp", "systemd")))
		})
	}

	a.log.Info("app started", logx.Int("armed", n), logx.Any("actions", a.handlers.Types()))
	if missing := a.handlers.Unhandled(); len(missing) > 0 {
		a.log.Info("action types without a handler", logx.Any("types", missing))
	}
	return nil
}

// startEventLog mirrors bus events at debug level.
func (a *App) startEventLog() {
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})
}

func (a *App) startConfigReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts; only the newest config matters.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})
}

// applyConfig pushes the live-reloadable sections into running components.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLoggingConfig(next))
	if ecfg, err := mapExecutorConfig(next); err == nil {
		a.engine.Apply(ecfg)
	}
	if mcfg, err := mapMonitorConfig(next); err == nil {
		a.mon.Apply(mcfg)
	}
	if ncfg, err := mapNotifierConfig(next); err == nil {
		a.notif.Apply(ncfg)
	}
	a.exp.Reconfigure(ctx, mapMetricsConfig(next))

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts components down in reverse start order. Each step is bounded so
// one component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = systemd.Stopping()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("metrics", time.Second, func(c context.Context) error { a.exp.Stop(c); return nil })
	step("monitor", 2*time.Second, a.mon.Stop)
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("executor", 5*time.Second, a.engine.Stop)
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })

	a.sup.Cancel()
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	err := a.sup.Err()
	a.log.Info("stopped")
	_ = a.logs.Close()
	return err
}
