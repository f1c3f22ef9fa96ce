package app

import (
	"fmt"
	"strings"
	"time"

	"jobclock/internal/config"
	"jobclock/internal/monitor"
	"jobclock/internal/notifier"
	"jobclock/internal/observability/exporter"
	"jobclock/internal/storage"
	"jobclock/internal/task/engine"
	"jobclock/internal/task/scheduler"
	"jobclock/internal/transport/telegram"
	logx "jobclock/pkg/logx"
)

var (
	parseDurationField     = config.ParseDurationField
	parseDurationOrDefault = config.ParseDurationOrDefault
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	tz := strings.TrimSpace(cfg.Scheduler.Timezone)
	if tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return scheduler.Config{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	spread, err := parseDurationOrDefault("scheduler.startup_spread", cfg.Scheduler.StartupSpread, 30*time.Second)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{Timezone: tz, StartupSpread: spread}, nil
}

func mapExecutorConfig(cfg *config.Config) (engine.Config, error) {
	if cfg.Executor == nil {
		return engine.Config{}, nil
	}
	e := cfg.Executor
	if e.BackoffMultiplier < 0 {
		return engine.Config{}, fmt.Errorf("executor.backoff_multiplier must be >= 0")
	}
	out := engine.Config{RetryMax: e.RetryMax, BackoffMultiplier: e.BackoffMultiplier}
	var err error
	if out.RetryDelay, err = parseDurationField("executor.retry_delay", e.RetryDelay); err != nil {
		return engine.Config{}, err
	}
	if out.RetryMaxDelay, err = parseDurationField("executor.retry_max_delay", e.RetryMaxDelay); err != nil {
		return engine.Config{}, err
	}
	if out.DefaultTimeout, err = parseDurationField("executor.default_timeout", e.DefaultTimeout); err != nil {
		return engine.Config{}, err
	}
	return out, nil
}

func mapMonitorConfig(cfg *config.Config) (monitor.Config, error) {
	out := monitor.DefaultConfig()
	if cfg.Monitor == nil {
		return out, nil
	}
	m := cfg.Monitor
	if m.ReactivateMissed != nil {
		out.ReactivateMissed = *m.ReactivateMissed
	}
	if m.UnhealthyThreshold < 0 || m.DisableThreshold < 0 || m.Upcoming < 0 {
		return monitor.Config{}, fmt.Errorf("monitor thresholds must be >= 0")
	}
	if m.UnhealthyThreshold > 0 {
		out.UnhealthyThreshold = m.UnhealthyThreshold
	}
	if m.DisableThreshold > 0 {
		out.DisableThreshold = m.DisableThreshold
	}
	if m.Upcoming > 0 {
		out.Upcoming = m.Upcoming
	}
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"monitor.interval", m.Interval, &out.Interval},
		{"monitor.grace", m.Grace, &out.Grace},
		{"monitor.stuck_timeout", m.StuckTimeout, &out.StuckTimeout},
		{"monitor.failure_window", m.FailureWindow, &out.FailureWindow},
		{"monitor.metrics_ttl", m.MetricsTTL, &out.MetricsTTL},
	}
	for _, d := range durations {
		v, err := parseDurationOrDefault(d.key, d.raw, *d.dst)
		if err != nil {
			return monitor.Config{}, err
		}
		*d.dst = v
	}
	return out, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	out := notifier.Config{
		Enabled:         true,
		Workers:         2,
		QueueSize:       512,
		RatePerSec:      3,
		RetryMax:        3,
		RetryBase:       500 * time.Millisecond,
		RetryMaxDelay:   10 * time.Second,
		SendTimeout:     10 * time.Second,
		DedupWindow:     time.Minute,
		DedupMaxEntries: 2000,
	}
	if cfg.Notifier == nil {
		return out, nil
	}
	n := cfg.Notifier
	if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 || n.DedupMaxEntries < 0 {
		return notifier.Config{}, fmt.Errorf("notifier counts must be >= 0")
	}
	out.Enabled = n.Enabled
	if n.Workers != 0 {
		out.Workers = n.Workers
	}
	if n.QueueSize != 0 {
		out.QueueSize = n.QueueSize
	}
	if n.RatePerSec != 0 {
		out.RatePerSec = n.RatePerSec
	}
	if n.RetryMax != 0 {
		out.RetryMax = n.RetryMax
	}
	if n.DedupMaxEntries != 0 {
		out.DedupMaxEntries = n.DedupMaxEntries
	}
	var err error
	if out.RetryBase, err = parseDurationOrDefault("notifier.retry_base", n.RetryBase, out.RetryBase); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = parseDurationOrDefault("notifier.retry_max_delay", n.RetryMaxDelay, out.RetryMaxDelay); err != nil {
		return notifier.Config{}, err
	}
	if out.SendTimeout, err = parseDurationOrDefault("notifier.send_timeout", n.SendTimeout, out.SendTimeout); err != nil {
		return notifier.Config{}, err
	}
	// An explicit "0s" turns dedup off, so the raw zero is kept.
	if strings.TrimSpace(n.DedupWindow) != "" {
		if out.DedupWindow, err = parseDurationField("notifier.dedup_window", n.DedupWindow); err != nil {
			return notifier.Config{}, err
		}
	}
	return out, nil
}

// mapTelegramConfig reports false when no Telegram section or token is set.
func mapTelegramConfig(cfg *config.Config) (telegram.Config, bool, error) {
	if cfg.Telegram == nil || strings.TrimSpace(cfg.Telegram.Token) == "" {
		return telegram.Config{}, false, nil
	}
	t := cfg.Telegram
	timeout, err := parseDurationOrDefault("telegram.timeout", t.Timeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, false, err
	}
	return telegram.Config{
		Token:         strings.TrimSpace(t.Token),
		Chats:         t.Chats,
		DefaultChatID: t.DefaultChatID,
		ThreadID:      t.ThreadID,
		Timeout:       timeout,
	}, true, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg.Storage == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "memory", "mem":
		return storage.Config{Driver: "memory"}, nil
	case "file":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		if sc.CompactEvery < 0 {
			return storage.Config{}, fmt.Errorf("storage.compact_every must be >= 0")
		}
		return storage.Config{Driver: driver, Path: path, CompactEvery: sc.CompactEvery}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := parseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapMetricsConfig(cfg *config.Config) exporter.Config {
	if cfg.Metrics == nil {
		return exporter.Config{}
	}
	return exporter.Config{
		Enabled:      cfg.Metrics.Enabled,
		Addr:         strings.TrimSpace(cfg.Metrics.Addr),
		Path:         strings.TrimSpace(cfg.Metrics.Path),
		AllowPublic:  cfg.Metrics.AllowPublic,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  time.Minute,
	}
}

type webhookConfig struct {
	Timeout   time.Duration
	UserAgent string
	MaxBody   int64
}

func mapWebhookConfig(cfg *config.Config) (webhookConfig, error) {
	out := webhookConfig{Timeout: 30 * time.Second}
	if cfg.Webhook == nil {
		return out, nil
	}
	w := cfg.Webhook
	if w.MaxBody < 0 {
		return webhookConfig{}, fmt.Errorf("webhook.max_body must be >= 0")
	}
	var err error
	if out.Timeout, err = parseDurationOrDefault("webhook.timeout", w.Timeout, out.Timeout); err != nil {
		return webhookConfig{}, err
	}
	out.UserAgent = strings.TrimSpace(w.UserAgent)
	out.MaxBody = w.MaxBody
	return out, nil
}

// validateConfig runs every mapper so a bad hot reload is rejected whole.
func validateConfig(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		return fmt.Errorf("logging.level: invalid %q", lvl)
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapExecutorConfig(cfg); err != nil {
		return err
	}
	if _, err := mapMonitorConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapTelegramConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapWebhookConfig(cfg); err != nil {
		return err
	}
	return nil
}
