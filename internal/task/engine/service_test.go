package engine

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"jobclock/internal/action"
	"jobclock/internal/job"
	"jobclock/internal/schedule"
	"jobclock/internal/storage"
	logx "jobclock/pkg/logx"
)

// recordingStore remembers every execution status it was asked to persist.
type recordingStore struct {
	storage.Store

	mu       sync.Mutex
	statuses []job.Status
}

func (r *recordingStore) UpdateExecution(ctx context.Context, e *job.Execution) error {
	r.mu.Lock()
	r.statuses = append(r.statuses, e.Status)
	r.mu.Unlock()
	return r.Store.UpdateExecution(ctx, e)
}

func (r *recordingStore) seen() []job.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]job.Status(nil), r.statuses...)
}

type fakeTimer struct{ stopped *bool }

func (t fakeTimer) Stop() bool {
	*t.stopped = true
	return true
}

// manualTimers captures retry callbacks so tests can fire them in order.
type manualTimers struct {
	mu      sync.Mutex
	delays  []time.Duration
	fns     []func()
	stopped []*bool
}

func (m *manualTimers) after(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delays = append(m.delays, d)
	m.fns = append(m.fns, f)
	stopped := new(bool)
	m.stopped = append(m.stopped, stopped)
	return fakeTimer{stopped: stopped}
}

func (m *manualTimers) fire(i int) {
	m.mu.Lock()
	f := m.fns[i]
	m.mu.Unlock()
	f()
}

func (m *manualTimers) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.fns)
}

type harness struct {
	store    *recordingStore
	handlers *action.Registry
	timers   *manualTimers
	exec     *Service
	now      time.Time
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		store:    &recordingStore{Store: storage.NewMemory()},
		handlers: action.NewRegistry(),
		timers:   &manualTimers{},
		now:      time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
	h.exec = New(cfg, h.store, h.handlers, logx.Nop(), nil,
		WithClock(func() time.Time { return h.now }),
		WithAfterFunc(h.timers.after),
	)
	t.Cleanup(func() { _ = h.exec.Stop(context.Background()) })
	return h
}

func (h *harness) job(t *testing.T, typ job.ActionType, rp *job.RetryPolicy) *job.ScheduledJob {
	t.Helper()
	j := &job.ScheduledJob{
		ID:       job.NewID(),
		OwnerID:  "owner-1",
		Name:     "test job",
		Schedule: schedule.Interval{Minutes: 5},
		Action:   job.ActionSpec{Type: typ, RetryPolicy: rp},
		Enabled:  true,
	}
	if err := h.store.CreateJob(context.Background(), j); err != nil {
		t.Fatalf("create job: %v", err)
	}
	return j
}

func refused() error {
	return &net.OpError{Op: "dial", Net: "tcp", Err: &os.SyscallError{Syscall: "connect", Err: syscall.ECONNREFUSED}}
}

func TestExecuteSuccess(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.handlers.MustRegister(job.ActionCreateTask, action.HandlerFunc(func(ctx context.Context, req action.Request) (any, error) {
		if req.OwnerID != "owner-1" || req.Attempt != 0 {
			t.Errorf("unexpected request %+v", req)
		}
		return map[string]any{"taskId": "t-1"}, nil
	}))
	j := h.job(t, job.ActionCreateTask, nil)

	exec, err := h.exec.Execute(context.Background(), j, job.TriggerScheduled)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if exec.Status != job.StatusCompleted || exec.RetryCount != 0 || exec.CompletedAt == nil || exec.DurationMs == nil {
		t.Fatalf("unexpected execution %+v", exec)
	}
	if string(exec.Result) != `{"taskId":"t-1"}` {
		t.Fatalf("result=%s", exec.Result)
	}
	got, err := h.store.GetJob(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.LastRun == nil || !got.LastRun.Equal(h.now) {
		t.Fatalf("lastRun=%v", got.LastRun)
	}
	want := []job.Status{job.StatusRunning, job.StatusCompleted}
	if !equalStatuses(h.store.seen(), want) {
		t.Fatalf("statuses=%v want %v", h.store.seen(), want)
	}
}

func TestRetryTraceUntilFailed(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	calls := 0
	h.handlers.MustRegister(job.ActionCallWebhook, action.HandlerFunc(func(ctx context.Context, req action.Request) (any, error) {
		if req.Attempt != calls {
			t.Errorf("attempt=%d want %d", req.Attempt, calls)
		}
		calls++
		return nil, refused()
	}))
	j := h.job(t, job.ActionCallWebhook, &job.RetryPolicy{MaxRetries: 2, RetryDelayMs: 500})

	exec, err := h.exec.Execute(context.Background(), j, job.TriggerScheduled)
	if err != nil {
		t.Fatalf("scheduled execute returned %v", err)
	}
	if exec.Status != job.StatusRetrying || exec.RetryCount != 1 || exec.NextRetryAt == nil {
		t.Fatalf("after first attempt: %+v", exec)
	}
	h.timers.fire(0)
	h.timers.fire(1)

	if calls != 3 {
		t.Fatalf("handler calls=%d want 3", calls)
	}
	if h.timers.count() != 2 {
		t.Fatalf("timers=%d want 2", h.timers.count())
	}
	if h.timers.delays[0] != 500*time.Millisecond || h.timers.delays[1] != time.Second {
		t.Fatalf("delays=%v", h.timers.delays)
	}
	want := []job.Status{
		job.StatusRunning, job.StatusRetrying,
		job.StatusRunning, job.StatusRetrying,
		job.StatusRunning, job.StatusFailed,
	}
	if !equalStatuses(h.store.seen(), want) {
		t.Fatalf("statuses=%v want %v", h.store.seen(), want)
	}

	execs, err := h.store.ListExecutions(context.Background(), storage.ExecutionFilter{JobID: j.ID})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(execs) != 1 {
		t.Fatalf("executions=%d want exactly 1 row per fire", len(execs))
	}
	final := execs[0]
	if final.Status != job.StatusFailed || final.RetryCount != 2 || final.Error == nil || final.Error.Code != job.CodeNetwork {
		t.Fatalf("final execution %+v err=%+v", final, final.Error)
	}
	if final.NextRetryAt != nil {
		t.Fatalf("terminal execution keeps nextRetryAt")
	}
}

func TestRetryThenSucceed(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	calls := 0
	h.handlers.MustRegister(job.ActionSyncIntegration, action.HandlerFunc(func(context.Context, action.Request) (any, error) {
		calls++
		if calls == 1 {
			return nil, &action.HTTPStatusError{StatusCode: 503}
		}
		return "ok", nil
	}))
	j := h.job(t, job.ActionSyncIntegration, nil)

	if _, err := h.exec.Execute(context.Background(), j, job.TriggerScheduled); err != nil {
		t.Fatalf("execute: %v", err)
	}
	h.now = h.now.Add(time.Second)
	h.timers.fire(0)

	execs, _ := h.store.ListExecutions(context.Background(), storage.ExecutionFilter{JobID: j.ID})
	if len(execs) != 1 || execs[0].Status != job.StatusCompleted || execs[0].RetryCount != 1 || execs[0].Error != nil {
		t.Fatalf("executions=%+v", execs)
	}
	if *execs[0].DurationMs != 1000 {
		t.Fatalf("durationMs=%d", *execs[0].DurationMs)
	}
}

func TestFatalErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		register bool
		fn       action.HandlerFunc
		wantCode string
	}{
		{
			name:     "plain error",
			register: true,
			fn:       func(context.Context, action.Request) (any, error) { return nil, errors.New("bad input") },
			wantCode: job.CodeHandlerError,
		},
		{
			name:     "no retry wrapper",
			register: true,
			fn:       func(context.Context, action.Request) (any, error) { return nil, NoRetry(refused()) },
			wantCode: job.CodeNetwork,
		},
		{
			name:     "client status",
			register: true,
			fn: func(context.Context, action.Request) (any, error) {
				return nil, &action.HTTPStatusError{StatusCode: 404}
			},
			wantCode: job.CodeHTTPStatus,
		},
		{
			name:     "panic",
			register: true,
			fn:       func(context.Context, action.Request) (any, error) { panic("kaboom") },
			wantCode: job.CodePanic,
		},
		{name: "missing handler", wantCode: job.CodeHandlerNotFound},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, Config{RetryMax: 3})
			if tt.register {
				h.handlers.MustRegister(job.ActionGenerateReport, tt.fn)
			}
			j := h.job(t, job.ActionGenerateReport, nil)

			exec, err := h.exec.Execute(context.Background(), j, job.TriggerManual)
			if err == nil {
				t.Fatalf("manual execute returned no error")
			}
			var ee *job.ExecutionError
			if errors.As(err, &ee) {
				t.Fatalf("manual error should be the handler error, got ExecutionError %v", ee)
			}
			if exec.Status != job.StatusFailed || exec.Error == nil || exec.Error.Code != tt.wantCode || exec.Error.Retryable {
				t.Fatalf("execution %+v err=%+v", exec, exec.Error)
			}
			if h.timers.count() != 0 {
				t.Fatalf("fatal error scheduled a retry")
			}
		})
	}
}

func TestScheduledSwallowsAttemptError(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.handlers.MustRegister(job.ActionCleanupData, action.HandlerFunc(func(context.Context, action.Request) (any, error) {
		return nil, errors.New("nope")
	}))
	j := h.job(t, job.ActionCleanupData, nil)
	exec, err := h.exec.Execute(context.Background(), j, job.TriggerScheduled)
	if err != nil {
		t.Fatalf("scheduled execute returned %v", err)
	}
	if exec.Status != job.StatusFailed || exec.Trigger != job.TriggerScheduled {
		t.Fatalf("execution %+v", exec)
	}
}

func TestHandlerTimeoutIsRetryable(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.handlers.MustRegister(job.ActionCallWebhook, action.HandlerFunc(func(ctx context.Context, _ action.Request) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	j := h.job(t, job.ActionCallWebhook, &job.RetryPolicy{MaxRetries: 1, RetryDelayMs: 10})
	j.Action.TimeoutMs = 5

	exec, err := h.exec.Execute(context.Background(), j, job.TriggerScheduled)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if exec.Status != job.StatusRetrying || exec.Error == nil || exec.Error.Code != job.CodeTimeout {
		t.Fatalf("execution %+v err=%+v", exec, exec.Error)
	}
}

func TestRetryAfterHintExtendsDelay(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{RetryMaxDelay: time.Minute})
	h.handlers.MustRegister(job.ActionCallWebhook, action.HandlerFunc(func(context.Context, action.Request) (any, error) {
		return nil, &action.HTTPStatusError{StatusCode: 429, Wait: 30 * time.Second}
	}))
	j := h.job(t, job.ActionCallWebhook, &job.RetryPolicy{MaxRetries: 1, RetryDelayMs: 1000})
	if _, err := h.exec.Execute(context.Background(), j, job.TriggerScheduled); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if h.timers.delays[0] != 30*time.Second {
		t.Fatalf("delay=%s want 30s", h.timers.delays[0])
	}
}

func TestRetryOfDeletedJobFails(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.handlers.MustRegister(job.ActionCallWebhook, action.HandlerFunc(func(context.Context, action.Request) (any, error) {
		return nil, refused()
	}))
	j := h.job(t, job.ActionCallWebhook, nil)
	exec, _ := h.exec.Execute(context.Background(), j, job.TriggerScheduled)
	if err := h.store.DeleteJob(context.Background(), j.OwnerID, j.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	h.timers.fire(0)

	got, err := h.store.GetExecution(context.Background(), exec.ID)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if got.Status != job.StatusFailed || got.Error.Code != job.CodeJobDeleted {
		t.Fatalf("execution %+v err=%+v", got, got.Error)
	}
}

func TestStopFailsPendingRetries(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.handlers.MustRegister(job.ActionCallWebhook, action.HandlerFunc(func(context.Context, action.Request) (any, error) {
		return nil, refused()
	}))
	j := h.job(t, job.ActionCallWebhook, nil)
	exec, _ := h.exec.Execute(context.Background(), j, job.TriggerScheduled)

	if err := h.exec.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !*h.timers.stopped[0] {
		t.Fatalf("retry timer not stopped")
	}
	got, _ := h.store.GetExecution(context.Background(), exec.ID)
	if got.Status != job.StatusFailed || got.Error.Code != job.CodeShutdown {
		t.Fatalf("execution %+v", got)
	}
	if _, err := h.exec.Execute(context.Background(), j, job.TriggerManual); !errors.Is(err, ErrStopped) {
		t.Fatalf("execute after stop: %v", err)
	}
	// A late timer callback must be a no-op.
	h.timers.fire(0)
}

func TestOverlapPolicies(t *testing.T) {
	t.Parallel()
	tests := []struct {
		policy   job.OverlapPolicy
		wantErr  error
		wantRuns int
	}{
		{policy: job.OverlapAllow, wantRuns: 3},
		{policy: job.OverlapSkip, wantErr: ErrOverlapSkip, wantRuns: 1},
		{policy: job.OverlapQueue, wantErr: ErrOverlapQueued, wantRuns: 2},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(string(tt.policy), func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, Config{})
			release := make(chan struct{})
			started := make(chan struct{}, 8)
			var mu sync.Mutex
			runs := 0
			h.handlers.MustRegister(job.ActionCreateTask, action.HandlerFunc(func(context.Context, action.Request) (any, error) {
				mu.Lock()
				runs++
				first := runs == 1
				mu.Unlock()
				started <- struct{}{}
				if first {
					<-release
				}
				return nil, nil
			}))
			j := h.job(t, job.ActionCreateTask, nil)
			j.Overlap = tt.policy

			done := make(chan struct{})
			go func() {
				defer close(done)
				_, _ = h.exec.Execute(context.Background(), j, job.TriggerScheduled)
			}()
			<-started

			for i := 0; i < 2; i++ {
				_, err := h.exec.Execute(context.Background(), j, job.TriggerScheduled)
				if tt.wantErr == nil && err != nil {
					t.Fatalf("overlapping fire %d: %v", i, err)
				}
				if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
					t.Fatalf("overlapping fire %d: err=%v want %v", i, err, tt.wantErr)
				}
			}
			close(release)
			<-done

			deadline := time.Now().Add(2 * time.Second)
			for {
				execs, _ := h.store.ListExecutions(context.Background(), storage.ExecutionFilter{JobID: j.ID})
				completed := 0
				for _, e := range execs {
					if e.Status == job.StatusCompleted {
						completed++
					}
				}
				if completed == tt.wantRuns {
					break
				}
				if time.Now().After(deadline) {
					t.Fatalf("completed=%d want %d", completed, tt.wantRuns)
				}
				time.Sleep(5 * time.Millisecond)
			}
		})
	}
}

func TestManualRunIgnoresOverlap(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	h.handlers.MustRegister(job.ActionCreateTask, action.HandlerFunc(func(context.Context, action.Request) (any, error) {
		started <- struct{}{}
		select {
		case <-release:
		case <-time.After(2 * time.Second):
		}
		return nil, nil
	}))
	j := h.job(t, job.ActionCreateTask, nil)
	j.Overlap = job.OverlapSkip

	go func() { _, _ = h.exec.Execute(context.Background(), j, job.TriggerScheduled) }()
	<-started
	go func() { _, _ = h.exec.Execute(context.Background(), j, job.TriggerManual) }()
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatalf("manual run was blocked by overlap policy")
	}
	close(release)
}

func TestBackoffDelays(t *testing.T) {
	t.Parallel()
	cfg := Config{}.withDefaults()
	p := cfg.plan(&job.RetryPolicy{MaxRetries: 5, RetryDelayMs: 1000})
	for i, want := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second} {
		if got := p.delay(i); got != want {
			t.Fatalf("delay(%d)=%s want %s", i, got, want)
		}
	}

	p = Config{RetryMaxDelay: 3 * time.Second}.withDefaults().plan(&job.RetryPolicy{RetryDelayMs: 1000, BackoffMultiplier: 10})
	if got := p.delay(2); got != 3*time.Second {
		t.Fatalf("capped delay=%s", got)
	}

	def := DefaultConfig().plan(nil)
	if def.max != 3 || def.base != time.Second || def.mult != 2 {
		t.Fatalf("defaults=%+v", def)
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		err       error
		code      string
		retryable bool
	}{
		{"connection refused", refused(), job.CodeNetwork, true},
		{"dns", &net.DNSError{Err: "no such host", Name: "x.invalid"}, job.CodeNetwork, true},
		{"deadline", context.DeadlineExceeded, job.CodeTimeout, true},
		{"storage timeout", storage.ErrStorageTimeout, job.CodeStorage, true},
		{"http 408", &action.HTTPStatusError{StatusCode: 408}, job.CodeHTTPStatus, true},
		{"http 429", &action.HTTPStatusError{StatusCode: 429}, job.CodeHTTPStatus, true},
		{"http 500", &action.HTTPStatusError{StatusCode: 500}, job.CodeHTTPStatus, true},
		{"http 502", &action.HTTPStatusError{StatusCode: 502}, job.CodeHTTPStatus, true},
		{"http 504", &action.HTTPStatusError{StatusCode: 504}, job.CodeHTTPStatus, true},
		{"http 400", &action.HTTPStatusError{StatusCode: 400}, job.CodeHTTPStatus, false},
		{"http 501", &action.HTTPStatusError{StatusCode: 501}, job.CodeHTTPStatus, false},
		{"no retry", NoRetry(storage.ErrStorageTimeout), job.CodeStorage, false},
		{"missing handler", action.ErrHandlerNotFound, job.CodeHandlerNotFound, false},
		{"panic", panicError{value: "x"}, job.CodePanic, false},
		{"other", errors.New("validation failed"), job.CodeHandlerError, false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Classify(tt.err)
			if got.Code != tt.code || got.Retryable != tt.retryable {
				t.Fatalf("Classify(%v)=%s/%v want %s/%v", tt.err, got.Code, got.Retryable, tt.code, tt.retryable)
			}
			if !errors.Is(got, tt.err) {
				t.Fatalf("classified error does not wrap the cause")
			}
		})
	}
	if Classify(nil) != nil {
		t.Fatalf("Classify(nil) != nil")
	}
}

func equalStatuses(a, b []job.Status) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// reap finishes execution id behind the executor's back, the way the monitor
// fails a stuck row.
func reap(t *testing.T, st storage.Store, id string, at time.Time) {
	t.Helper()
	ctx := context.Background()
	e, err := st.GetExecution(ctx, id)
	if err != nil {
		t.Errorf("get execution: %v", err)
		return
	}
	e.Status = job.StatusFailed
	e.CompletedAt = &at
	e.NextRetryAt = nil
	e.Error = &job.ExecutionError{Code: job.CodeTimeout, Message: "execution stuck"}
	e.UpdatedAt = at
	if err := st.UpdateExecution(ctx, e); err != nil {
		t.Errorf("reap: %v", err)
	}
}

func TestReapedExecutionStaysFailed(t *testing.T) {
	t.Parallel()
	tests := []struct {
		trigger job.Trigger
		wantErr bool
	}{
		{trigger: job.TriggerScheduled},
		{trigger: job.TriggerManual, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(string(tt.trigger), func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, Config{})
			h.handlers.MustRegister(job.ActionCreateTask, action.HandlerFunc(func(ctx context.Context, req action.Request) (any, error) {
				reap(t, h.store.Store, req.ExecutionID, h.now.Add(2*time.Hour))
				return "late", nil
			}))
			j := h.job(t, job.ActionCreateTask, nil)

			exec, err := h.exec.Execute(context.Background(), j, tt.trigger)
			if tt.wantErr != errors.Is(err, job.ErrExecutionFinished) {
				t.Fatalf("execute err=%v", err)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("execute err=%v", err)
			}
			if exec.Status != job.StatusFailed || exec.Error == nil || exec.Error.Code != job.CodeTimeout {
				t.Fatalf("returned execution %+v", exec)
			}

			stored, err := h.store.GetExecution(context.Background(), exec.ID)
			if err != nil {
				t.Fatalf("get execution: %v", err)
			}
			if stored.Status != job.StatusFailed || stored.Result != nil {
				t.Fatalf("stored execution overwritten: %+v", stored)
			}
			got, _ := h.store.GetJob(context.Background(), j.ID)
			if got.LastRun != nil {
				t.Fatalf("last run recorded for reaped execution: %v", got.LastRun)
			}
			if snap := h.exec.Snapshot(); snap.InFlight != 0 {
				t.Fatalf("flight not released: %+v", snap)
			}
		})
	}
}

func TestReapedRetryIsNotResumed(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	calls := 0
	h.handlers.MustRegister(job.ActionCallWebhook, action.HandlerFunc(func(ctx context.Context, req action.Request) (any, error) {
		calls++
		return nil, refused()
	}))
	j := h.job(t, job.ActionCallWebhook, &job.RetryPolicy{MaxRetries: 2, RetryDelayMs: 500})

	exec, err := h.exec.Execute(context.Background(), j, job.TriggerScheduled)
	if err != nil || exec.Status != job.StatusRetrying {
		t.Fatalf("first attempt: %v %+v", err, exec)
	}
	reap(t, h.store.Store, exec.ID, h.now.Add(2*time.Hour))
	h.timers.fire(0)

	if calls != 1 {
		t.Fatalf("handler calls=%d want 1", calls)
	}
	stored, _ := h.store.GetExecution(context.Background(), exec.ID)
	if stored.Status != job.StatusFailed || stored.Error == nil || stored.Error.Code != job.CodeTimeout {
		t.Fatalf("stored execution %+v", stored)
	}
	if snap := h.exec.Snapshot(); snap.PendingRetries != 0 || snap.InFlight != 0 {
		t.Fatalf("snapshot %+v", snap)
	}
}
