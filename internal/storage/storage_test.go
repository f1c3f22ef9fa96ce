package storage

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"jobclock/internal/job"
	"jobclock/internal/schedule"
	logx "jobclock/pkg/logx"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type backend struct {
	name string
	open func(t *testing.T, dir string) Store
}

func backends() []backend {
	return []backend{
		{"memory", func(t *testing.T, dir string) Store { return NewMemory() }},
		{"file", func(t *testing.T, dir string) Store {
			st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "jobs.json"), CompactEvery: 3}, logx.Nop())
			if err != nil {
				t.Fatalf("open file store: %v", err)
			}
			return st
		}},
		{"sqlite", func(t *testing.T, dir string) Store {
			st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(dir, "jobs.db")}, logx.Nop())
			if err != nil {
				t.Fatalf("open sqlite store: %v", err)
			}
			return st
		}},
	}
}

func newJob(id, owner string, s schedule.Schedule, created time.Time) *job.ScheduledJob {
	next := created.Add(time.Hour)
	return &job.ScheduledJob{
		ID:       id,
		OwnerID:  owner,
		Name:     "job " + id,
		Schedule: s,
		Action: job.ActionSpec{
			Type:       job.ActionCallWebhook,
			Target:     "https://example.invalid/hook",
			Method:     "POST",
			Parameters: map[string]any{"k": "v"},
		},
		Enabled:   true,
		NextRun:   &next,
		Metadata:  map[string]any{"source": "test"},
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func TestStoreJobs(t *testing.T) {
	t.Parallel()
	for _, b := range backends() {
		b := b
		t.Run(b.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := b.open(t, t.TempDir())
			defer st.Close()

			a := newJob("a", "u1", schedule.Cron{Expression: "0 9 * * *"}, base)
			bj := newJob("b", "u1", schedule.Interval{Minutes: 5}, base.Add(time.Minute))
			c := newJob("c", "u2", schedule.Delayed{Minutes: 5}, base.Add(2*time.Minute))
			c.Enabled = false
			for _, j := range []*job.ScheduledJob{a, bj, c} {
				if err := st.CreateJob(ctx, j); err != nil {
					t.Fatalf("CreateJob(%s): %v", j.ID, err)
				}
			}
			if err := st.CreateJob(ctx, a); !errors.Is(err, ErrDuplicateID) {
				t.Fatalf("duplicate create err=%v", err)
			}

			got, err := st.GetJob(ctx, "a")
			if err != nil {
				t.Fatalf("GetJob: %v", err)
			}
			if got.Name != "job a" || got.Type() != schedule.TypeCron || got.Action.Parameters["k"] != "v" || got.Metadata["source"] != "test" {
				t.Fatalf("unexpected job: %+v", got)
			}
			if !got.NextRun.Equal(*a.NextRun) || !got.CreatedAt.Equal(base) {
				t.Fatalf("times not preserved: next=%v created=%v", got.NextRun, got.CreatedAt)
			}

			if _, err := st.GetOwnedJob(ctx, "u2", "a"); !errors.Is(err, job.ErrJobNotFound) {
				t.Fatalf("foreign owner err=%v", err)
			}
			if _, err := st.GetJob(ctx, "missing"); !errors.Is(err, job.ErrJobNotFound) {
				t.Fatalf("missing err=%v", err)
			}

			list, err := st.ListJobs(ctx, JobFilter{OwnerID: "u1"})
			if err != nil || len(list) != 2 || list[0].ID != "a" || list[1].ID != "b" {
				t.Fatalf("ListJobs owner: %v %v", err, ids(list))
			}
			list, _ = st.ListJobs(ctx, JobFilter{Type: schedule.TypeInterval})
			if len(list) != 1 || list[0].ID != "b" {
				t.Fatalf("ListJobs type: %v", ids(list))
			}
			list, _ = st.ListJobs(ctx, JobFilter{Enabled: BoolPtr(false)})
			if len(list) != 1 || list[0].ID != "c" {
				t.Fatalf("ListJobs enabled=false: %v", ids(list))
			}
			list, _ = st.ListJobs(ctx, JobFilter{CreatedAfter: base.Add(30 * time.Second), CreatedBefore: base.Add(2 * time.Minute)})
			if len(list) != 1 || list[0].ID != "b" {
				t.Fatalf("ListJobs range: %v", ids(list))
			}
			list, _ = st.ListJobs(ctx, JobFilter{Limit: 1, Offset: 1})
			if len(list) != 1 || list[0].ID != "b" {
				t.Fatalf("ListJobs page: %v", ids(list))
			}
			enabled, _ := st.ListEnabledJobs(ctx)
			if len(enabled) != 2 {
				t.Fatalf("ListEnabledJobs: %v", ids(enabled))
			}

			// Partial updates touch only their own fields.
			next := base.Add(48 * time.Hour)
			if err := st.UpdateSchedule(ctx, "a", schedule.Interval{Minutes: 30}, &next); err != nil {
				t.Fatalf("UpdateSchedule: %v", err)
			}
			if err := st.UpdateAction(ctx, "a", job.ActionSpec{Type: job.ActionSendEmail, Target: "x@example.invalid"}); err != nil {
				t.Fatalf("UpdateAction: %v", err)
			}
			got, _ = st.GetJob(ctx, "a")
			if got.Type() != schedule.TypeInterval || !got.NextRun.Equal(next) || got.Action.Type != job.ActionSendEmail || got.Name != "job a" {
				t.Fatalf("after partial updates: %+v", got)
			}

			if err := st.SetEnabled(ctx, "a", false); err != nil {
				t.Fatalf("SetEnabled: %v", err)
			}
			if err := st.SetNextRun(ctx, "a", nil); err != nil {
				t.Fatalf("SetNextRun: %v", err)
			}
			last := base.Add(time.Hour)
			if err := st.SetLastRun(ctx, "a", last); err != nil {
				t.Fatalf("SetLastRun: %v", err)
			}
			got, _ = st.GetJob(ctx, "a")
			if got.Enabled || got.NextRun != nil || got.LastRun == nil || !got.LastRun.Equal(last) {
				t.Fatalf("after setters: enabled=%v next=%v last=%v", got.Enabled, got.NextRun, got.LastRun)
			}

			got.Name = "renamed"
			got.Enabled = true
			if err := st.UpdateJob(ctx, got); err != nil {
				t.Fatalf("UpdateJob: %v", err)
			}
			foreign := got.Clone()
			foreign.OwnerID = "u2"
			if err := st.UpdateJob(ctx, foreign); !errors.Is(err, job.ErrJobNotFound) {
				t.Fatalf("UpdateJob foreign err=%v", err)
			}
			got, _ = st.GetJob(ctx, "a")
			if got.Name != "renamed" || !got.Enabled || got.OwnerID != "u1" {
				t.Fatalf("after UpdateJob: %+v", got)
			}

			if err := st.SetEnabled(ctx, "missing", true); !errors.Is(err, job.ErrJobNotFound) {
				t.Fatalf("SetEnabled missing err=%v", err)
			}
			if err := st.DeleteJob(ctx, "u2", "a"); !errors.Is(err, job.ErrJobNotFound) {
				t.Fatalf("DeleteJob foreign err=%v", err)
			}
			if err := st.DeleteJob(ctx, "u1", "a"); err != nil {
				t.Fatalf("DeleteJob: %v", err)
			}
			if _, err := st.GetJob(ctx, "a"); !errors.Is(err, job.ErrJobNotFound) {
				t.Fatalf("deleted job err=%v", err)
			}
		})
	}
}

func TestStoreExecutions(t *testing.T) {
	t.Parallel()
	for _, b := range backends() {
		b := b
		t.Run(b.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := b.open(t, t.TempDir())
			defer st.Close()

			mk := func(id, jobID string, status job.Status, started time.Time, dur int64) *job.Execution {
				e := &job.Execution{
					ID:        id,
					JobID:     jobID,
					OwnerID:   "u1",
					Trigger:   job.TriggerScheduled,
					Status:    status,
					StartedAt: started,
					UpdatedAt: started,
				}
				if status.Terminal() {
					done := started.Add(time.Duration(dur) * time.Millisecond)
					e.CompletedAt = &done
					e.DurationMs = &dur
				}
				return e
			}
			execs := []*job.Execution{
				mk("e1", "a", job.StatusCompleted, base, 100),
				mk("e2", "a", job.StatusFailed, base.Add(time.Minute), 300),
				mk("e3", "a", job.StatusRunning, base.Add(2*time.Minute), 0),
				mk("e4", "b", job.StatusCompleted, base.Add(3*time.Minute), 50),
			}
			execs[1].Error = &job.ExecutionError{Code: job.CodeNetwork, Message: "connection refused", Retryable: true}
			execs[1].RetryCount = 2
			execs[0].Result = json.RawMessage(`{"ok":true}`)
			for _, e := range execs {
				if err := st.CreateExecution(ctx, e); err != nil {
					t.Fatalf("CreateExecution(%s): %v", e.ID, err)
				}
			}

			got, err := st.GetExecution(ctx, "e2")
			if err != nil {
				t.Fatalf("GetExecution: %v", err)
			}
			if got.Error == nil || got.Error.Code != job.CodeNetwork || !got.Error.Retryable || got.RetryCount != 2 {
				t.Fatalf("error not preserved: %+v", got)
			}
			got, _ = st.GetExecution(ctx, "e1")
			if string(got.Result) != `{"ok":true}` || *got.DurationMs != 100 {
				t.Fatalf("result not preserved: %s", got.Result)
			}

			list, err := st.ListExecutions(ctx, ExecutionFilter{JobID: "a"})
			if err != nil || len(list) != 3 || list[0].ID != "e3" || list[2].ID != "e1" {
				t.Fatalf("ListExecutions newest first: %v %v", err, execIDs(list))
			}
			list, _ = st.ListExecutions(ctx, ExecutionFilter{JobID: "a", Limit: 1})
			if len(list) != 1 || list[0].ID != "e3" {
				t.Fatalf("ListExecutions limit: %v", execIDs(list))
			}
			list, _ = st.ListExecutions(ctx, ExecutionFilter{Statuses: []job.Status{job.StatusRunning, job.StatusFailed}})
			if len(list) != 2 {
				t.Fatalf("ListExecutions statuses: %v", execIDs(list))
			}
			list, _ = st.ListExecutions(ctx, ExecutionFilter{StartedAfter: base.Add(time.Minute), StartedBefore: base.Add(3 * time.Minute)})
			if len(list) != 2 || list[0].ID != "e3" || list[1].ID != "e2" {
				t.Fatalf("ListExecutions range: %v", execIDs(list))
			}

			stats, err := st.ExecutionStats(ctx, ExecutionFilter{JobID: "a"})
			if err != nil {
				t.Fatalf("ExecutionStats: %v", err)
			}
			if stats.Total != 3 || stats.Completed != 1 || stats.Failed != 1 || stats.Running != 1 {
				t.Fatalf("stats counts: %+v", stats)
			}
			if stats.SuccessRate != 0.5 || stats.AvgDurationMs != 200 {
				t.Fatalf("stats rates: %+v", stats)
			}
			if stats.LastStatus != job.StatusRunning || stats.LastRunAt == nil || !stats.LastRunAt.Equal(base.Add(2*time.Minute)) {
				t.Fatalf("stats last: %+v", stats)
			}

			run := execs[2]
			run.Status = job.StatusCompleted
			done := base.Add(3 * time.Minute)
			run.CompletedAt = &done
			run.UpdatedAt = done
			if err := st.UpdateExecution(ctx, run); err != nil {
				t.Fatalf("UpdateExecution: %v", err)
			}
			got, _ = st.GetExecution(ctx, "e3")
			if got.Status != job.StatusCompleted || !got.CompletedAt.Equal(done) {
				t.Fatalf("after update: %+v", got)
			}
			late := got.Clone()
			late.Status = job.StatusFailed
			late.Error = &job.ExecutionError{Code: job.CodeTimeout, Message: "late write"}
			if err := st.UpdateExecution(ctx, late); !errors.Is(err, job.ErrExecutionFinished) {
				t.Fatalf("UpdateExecution over finished row err=%v", err)
			}
			if got, _ = st.GetExecution(ctx, "e3"); got.Status != job.StatusCompleted || got.Error != nil {
				t.Fatalf("finished row was overwritten: %+v", got)
			}
			if err := st.UpdateExecution(ctx, &job.Execution{ID: "nope", UpdatedAt: base}); !errors.Is(err, job.ErrExecutionNotFound) {
				t.Fatalf("UpdateExecution missing err=%v", err)
			}
		})
	}
}

func TestDurableBackendsReopen(t *testing.T) {
	t.Parallel()
	for _, b := range backends()[1:] {
		b := b
		t.Run(b.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			dir := t.TempDir()

			st := b.open(t, dir)
			for _, id := range []string{"a", "b", "c", "d"} {
				if err := st.CreateJob(ctx, newJob(id, "u1", schedule.Interval{Minutes: 1}, base)); err != nil {
					t.Fatalf("CreateJob: %v", err)
				}
			}
			if err := st.DeleteJob(ctx, "u1", "c"); err != nil {
				t.Fatalf("DeleteJob: %v", err)
			}
			if err := st.SetEnabled(ctx, "d", false); err != nil {
				t.Fatalf("SetEnabled: %v", err)
			}
			if err := st.CreateExecution(ctx, &job.Execution{ID: "e1", JobID: "a", OwnerID: "u1", Status: job.StatusPending, StartedAt: base, UpdatedAt: base}); err != nil {
				t.Fatalf("CreateExecution: %v", err)
			}
			if err := st.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}

			st = b.open(t, dir)
			defer st.Close()
			all, err := st.ListJobs(ctx, JobFilter{})
			if err != nil || len(all) != 3 {
				t.Fatalf("after reopen: %v %v", err, ids(all))
			}
			enabled, _ := st.ListEnabledJobs(ctx)
			if len(enabled) != 2 {
				t.Fatalf("enabled after reopen: %v", ids(enabled))
			}
			if _, err := st.GetExecution(ctx, "e1"); err != nil {
				t.Fatalf("execution after reopen: %v", err)
			}
		})
	}
}

func TestFileStoreReplaysJournalWithoutClose(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	st, err := Open(Config{Driver: "file", Path: path, CompactEvery: 1000}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := st.CreateJob(ctx, newJob("a", "u1", schedule.Interval{Minutes: 1}, base)); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	// Simulate a crash: the journal is on disk, no snapshot was written.
	st2, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()
	if _, err := st2.GetJob(ctx, "a"); err != nil {
		t.Fatalf("journal not replayed: %v", err)
	}
	_ = st.Close()
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := NewMemory()
	j := newJob("a", "u1", schedule.Interval{Minutes: 1}, base)
	if err := st.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	j.Name = "mutated by caller"
	got, _ := st.GetJob(ctx, "a")
	got.Action.Parameters["k"] = "changed"
	again, _ := st.GetJob(ctx, "a")
	if again.Name != "job a" || again.Action.Parameters["k"] != "v" {
		t.Fatalf("store aliased caller memory: %+v", again)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "etcd"}, logx.Nop()); err == nil {
		t.Fatalf("expected error")
	}
}

func ids(js []*job.ScheduledJob) []string {
	out := make([]string, len(js))
	for i, j := range js {
		out[i] = j.ID
	}
	return out
}

func execIDs(es []*job.Execution) []string {
	out := make([]string, len(es))
	for i, e := range es {
		out[i] = e.ID
	}
	return out
}
