package app

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"jobclock/internal/action"
	"jobclock/internal/job"
	"jobclock/internal/schedule"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestAppLifecycle(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeConfig(t, `
logging:
  level: error
storage:
  driver: sqlite
  path: `+filepath.Join(dir, "jobclock.db")+`
monitor:
  interval: 1h
`)
	a, err := New(path)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	var calls atomic.Int32
	a.Functions().Register("ping", func(context.Context, action.Request) (any, error) {
		calls.Add(1)
		return "pong", nil
	})

	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	j, err := a.Jobs().CreateJob(ctx, &job.ScheduledJob{
		OwnerID:  "owner-1",
		Name:     "ping",
		Schedule: schedule.Delayed{Minutes: 60},
		Action:   job.ActionSpec{Type: job.ActionCustomFunction, Target: "ping"},
		Enabled:  true,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	exec, err := a.Jobs().ExecuteJob(ctx, "owner-1", j.ID)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if exec.Status != job.StatusCompleted || calls.Load() != 1 {
		t.Fatalf("unexpected execution %+v (calls=%d)", exec, calls.Load())
	}
	if !a.healthy() {
		t.Fatalf("running app reports unhealthy")
	}

	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := a.Stop(stopCtx, StopAppStop); err != nil {
		t.Fatalf("stop: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatalf("supervisor still running after stop")
	}

	// The job survives a restart on the same database.
	b, err := New(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer b.store.Close()
	got, err := b.Jobs().GetJob(ctx, "owner-1", j.ID)
	if err != nil || !got.Enabled || got.NextRun == nil {
		t.Fatalf("job not restored: %+v (%v)", got, err)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "scheduler:\n  timezone: Mars/Olympus\n")
	if _, err := New(path); err == nil {
		t.Fatalf("expected timezone error")
	}
}
