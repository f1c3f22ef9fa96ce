package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleYAML = `
logging:
  level: debug
  console: true
scheduler:
  timezone: Europe/Berlin
executor:
  retry_max: 5
  retry_delay: 2s
monitor:
  interval: 1m
  reactivate_missed: false
telegram:
  token: secret
  chats:
    owner-1: 42
storage:
  driver: sqlite
  path: ./jobclock.db
`

func TestDecode(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		file    string
		data    string
		wantErr string
	}{
		{name: "yaml", file: "config.yaml", data: sampleYAML},
		{name: "json", file: "config.json", data: `{"logging":{"level":"info"},"scheduler":{}}`},
		{name: "unknown key", file: "config.json", data: `{"plugins":{}}`, wantErr: "unknown field"},
		{name: "unknown yaml key", file: "config.yml", data: "monitor:\n  sweep: 1m\n", wantErr: "unknown field"},
		{name: "trailing data", file: "config.json", data: `{} {}`, wantErr: "trailing data"},
		{name: "bad yaml", file: "config.yaml", data: "logging: [", wantErr: "yaml unmarshal"},
		{name: "empty yaml", file: "config.yaml", data: "# nothing configured\n"},
		{name: "two yaml documents", file: "config.yaml", data: "logging: {}\n---\nlogging: {}\n", wantErr: "multiple yaml documents"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode(tt.file, []byte(tt.data))
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("decode: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("got %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestDecodeYAMLValues(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("config.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.Scheduler.Timezone != "Europe/Berlin" || cfg.Executor == nil || cfg.Executor.RetryMax != 5 {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Monitor == nil || cfg.Monitor.ReactivateMissed == nil || *cfg.Monitor.ReactivateMissed {
		t.Fatalf("reactivate_missed not decoded: %+v", cfg.Monitor)
	}
	if cfg.Telegram == nil || cfg.Telegram.Chats["owner-1"] != 42 {
		t.Fatalf("telegram chats not decoded: %+v", cfg.Telegram)
	}
}

func writeConfig(t *testing.T, path, data string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestReloadPublishesValidatedChanges(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.json")
	writeConfig(t, path, `{"logging":{"level":"info"}}`)

	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)
	ctx := context.Background()

	// Same content: nothing is published.
	m.reload(ctx)
	if len(sub) != 0 {
		t.Fatalf("unchanged config was published")
	}

	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Logging.Level == "bogus" {
			return errors.New("bad level")
		}
		return nil
	})
	writeConfig(t, path, `{"logging":{"level":"bogus"}}`)
	m.reload(ctx)
	if len(sub) != 0 || m.Get().Logging.Level != "info" {
		t.Fatalf("rejected config was committed")
	}

	writeConfig(t, path, `{"logging":{"level":"debug"}}`)
	m.reload(ctx)
	select {
	case got := <-sub:
		if got.Logging.Level != "debug" {
			t.Fatalf("published level = %q", got.Logging.Level)
		}
	default:
		t.Fatalf("valid change not published")
	}
	if m.Get().Logging.Level != "debug" {
		t.Fatalf("valid change not committed")
	}
}

func TestPublishKeepsLatest(t *testing.T) {
	t.Parallel()
	m := NewManager("unused.json")
	sub := m.Subscribe(1)
	m.publish(&Config{Logging: LoggingConfig{Level: "info"}})
	m.publish(&Config{Logging: LoggingConfig{Level: "warn"}})
	if got := <-sub; got.Logging.Level != "warn" {
		t.Fatalf("got %q, want newest config", got.Logging.Level)
	}
	m.Unsubscribe(sub)
	if _, ok := <-sub; ok {
		t.Fatalf("channel not closed on unsubscribe")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Telegram: &TelegramConfig{Token: "a"}}
	newCfg := &Config{
		Logging:  LoggingConfig{Level: "debug"},
		Telegram: &TelegramConfig{Token: "b"},
		Notifier: &NotifierConfig{Enabled: true},
	}
	changed, _ := SummarizeConfigChange(oldCfg, newCfg)
	if strings.Join(changed, ",") != "logging,telegram" {
		t.Fatalf("changed = %v", changed)
	}
	if got := RestartRequired(changed); len(got) != 1 || got[0] != "telegram" {
		t.Fatalf("restart required = %v", got)
	}
}
