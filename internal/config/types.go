package config

// Config is the on-disk daemon configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Optional sections are pointers so an omitted section can be told apart from
// an explicitly zeroed one.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Executor  *ExecutorConfig `json:"executor,omitempty"`
	Monitor   *MonitorConfig  `json:"monitor,omitempty"`
	Notifier  *NotifierConfig `json:"notifier,omitempty"`
	Telegram  *TelegramConfig `json:"telegram,omitempty"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Metrics   *MetricsConfig  `json:"metrics,omitempty"`
	Webhook   *WebhookConfig  `json:"webhook,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls trigger behavior.
type SchedulerConfig struct {
	// Timezone applies to schedules that carry none. Default UTC.
	Timezone string `json:"timezone,omitempty"`
	// StartupSpread bounds the random delay given to overdue interval jobs
	// when active jobs are reloaded. Default "30s".
	StartupSpread string `json:"startup_spread,omitempty"`
}

// ExecutorConfig holds the default retry policy for jobs without their own.
//
// Defaults (when fields are omitted/zero):
//   - retry_max: 3 (negative disables retries)
//   - retry_delay: "1s"
//   - backoff_multiplier: 2
//   - retry_max_delay: "1h"
//   - default_timeout: "0s" (no per-attempt timeout)
type ExecutorConfig struct {
	RetryMax          int     `json:"retry_max,omitempty"`
	RetryDelay        string  `json:"retry_delay,omitempty"`
	BackoffMultiplier float64 `json:"backoff_multiplier,omitempty"`
	RetryMaxDelay     string  `json:"retry_max_delay,omitempty"`
	DefaultTimeout    string  `json:"default_timeout,omitempty"`
}

// MonitorConfig controls the periodic health sweep.
type MonitorConfig struct {
	Interval string `json:"interval,omitempty"` // default "5m"
	Grace    string `json:"grace,omitempty"`    // default "1m"
	// ReactivateMissed re-arms jobs whose run was missed. Omitted means true.
	ReactivateMissed   *bool  `json:"reactivate_missed,omitempty"`
	StuckTimeout       string `json:"stuck_timeout,omitempty"`  // default "1h"
	FailureWindow      string `json:"failure_window,omitempty"` // default "24h"
	UnhealthyThreshold int    `json:"unhealthy_threshold,omitempty"`
	DisableThreshold   int    `json:"disable_threshold,omitempty"`
	MetricsTTL         string `json:"metrics_ttl,omitempty"` // default "30s"
	Upcoming           int    `json:"upcoming,omitempty"`
}

// NotifierConfig controls the async notification pipeline.
// If the whole section is omitted, the notifier defaults to enabled=true.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	SendTimeout     string `json:"send_timeout,omitempty"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
}

// TelegramConfig enables the Telegram sender for owner notifications.
type TelegramConfig struct {
	Token string `json:"token"`
	// Chats maps owner IDs to chat IDs. Numeric owner IDs need no entry.
	Chats         map[string]int64 `json:"chats,omitempty"`
	DefaultChatID int64            `json:"default_chat_id,omitempty"`
	ThreadID      int              `json:"thread_id,omitempty"`
	Timeout       string           `json:"timeout,omitempty"`
}

// StorageConfig selects the job store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./jobclock.db" }
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path"`
	BusyTimeout  string `json:"busy_timeout,omitempty"`  // sqlite
	CompactEvery int    `json:"compact_every,omitempty"` // file
}

// MetricsConfig controls the Prometheus HTTP endpoint.
//
// Prefer binding to localhost (e.g. "127.0.0.1:9464"). Any other address
// needs allow_public.
type MetricsConfig struct {
	Enabled     bool   `json:"enabled"`
	Addr        string `json:"addr,omitempty"` // default "127.0.0.1:9464"
	Path        string `json:"path,omitempty"` // default "/metrics"
	AllowPublic bool   `json:"allow_public,omitempty"`
}

// WebhookConfig tunes the call_webhook action.
type WebhookConfig struct {
	Timeout   string `json:"timeout,omitempty"` // default "30s"
	UserAgent string `json:"user_agent,omitempty"`
	MaxBody   int64  `json:"max_body,omitempty"`
}
