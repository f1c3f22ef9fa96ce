package config

import (
	"reflect"
	"strings"

	logx "jobclock/pkg/logx"
)

// SummarizeConfigChange returns the changed sections and safe structured
// attrs for logging. Secrets such as the Telegram token are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 9)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.json", newCfg.Logging.JSON),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.startup_spread", strings.TrimSpace(newCfg.Scheduler.StartupSpread)),
		)
	}

	oE, nE := deref(oldCfg.Executor), deref(newCfg.Executor)
	if !reflect.DeepEqual(oE, nE) {
		changed = append(changed, "executor")
		attrs = append(attrs,
			logx.Int("executor.retry_max", nE.RetryMax),
			logx.String("executor.retry_delay", strings.TrimSpace(nE.RetryDelay)),
			logx.Float64("executor.backoff_multiplier", nE.BackoffMultiplier),
			logx.String("executor.default_timeout", strings.TrimSpace(nE.DefaultTimeout)),
		)
	}

	oM, nM := deref(oldCfg.Monitor), deref(newCfg.Monitor)
	if !reflect.DeepEqual(oM, nM) {
		changed = append(changed, "monitor")
		attrs = append(attrs,
			logx.String("monitor.interval", strings.TrimSpace(nM.Interval)),
			logx.String("monitor.stuck_timeout", strings.TrimSpace(nM.StuckTimeout)),
			logx.Int("monitor.unhealthy_threshold", nM.UnhealthyThreshold),
			logx.Int("monitor.disable_threshold", nM.DisableThreshold),
		)
	}

	// An omitted notifier section means "enabled with defaults".
	defN := &NotifierConfig{Enabled: true}
	oN, nN := oldCfg.Notifier, newCfg.Notifier
	if oN == nil {
		oN = defN
	}
	if nN == nil {
		nN = defN
	}
	if !reflect.DeepEqual(*oN, *nN) {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", nN.Enabled),
			logx.Int("notifier.workers", nN.Workers),
			logx.Int("notifier.queue_size", nN.QueueSize),
			logx.Int("notifier.rate_per_sec", nN.RatePerSec),
			logx.Int("notifier.retry_max", nN.RetryMax),
			logx.String("notifier.dedup_window", strings.TrimSpace(nN.DedupWindow)),
		)
	}

	oT, nT := deref(oldCfg.Telegram), deref(newCfg.Telegram)
	if !reflect.DeepEqual(oT, nT) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", strings.TrimSpace(nT.Token) != ""),
			logx.Int("telegram.chat_count", len(nT.Chats)),
			logx.Bool("telegram.default_chat_set", nT.DefaultChatID != 0),
		)
	}

	oS, nS := deref(oldCfg.Storage), deref(newCfg.Storage)
	if !reflect.DeepEqual(oS, nS) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.String("storage.path", strings.TrimSpace(nS.Path)),
		)
	}

	oX, nX := deref(oldCfg.Metrics), deref(newCfg.Metrics)
	if !reflect.DeepEqual(oX, nX) {
		changed = append(changed, "metrics")
		attrs = append(attrs,
			logx.Bool("metrics.enabled", nX.Enabled),
			logx.String("metrics.addr", strings.TrimSpace(nX.Addr)),
		)
	}

	oW, nW := deref(oldCfg.Webhook), deref(newCfg.Webhook)
	if !reflect.DeepEqual(oW, nW) {
		changed = append(changed, "webhook")
		attrs = append(attrs, logx.String("webhook.timeout", strings.TrimSpace(nW.Timeout)))
	}

	return changed, attrs
}

// RestartRequired reports the sections in changed that are only read at
// startup.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "storage", "telegram", "webhook", "scheduler":
			out = append(out, s)
		}
	}
	return out
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
