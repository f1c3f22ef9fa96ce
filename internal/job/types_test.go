package job

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"jobclock/internal/schedule"
)

func sampleJob() *ScheduledJob {
	next := time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC)
	return &ScheduledJob{
		ID:       "j1",
		OwnerID:  "u1",
		Name:     "standup reminder",
		Schedule: schedule.Cron{Expression: "0 9 * * 1-5"},
		Action: ActionSpec{
			Type:        ActionSendNotification,
			Parameters:  map[string]any{"message": "standup"},
			RetryPolicy: &RetryPolicy{MaxRetries: 2, RetryDelayMs: 1000},
		},
		Enabled:   true,
		NextRun:   &next,
		Metadata:  map[string]any{"team": "core"},
		CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		UpdatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestTypeDerivedFromSchedule(t *testing.T) {
	t.Parallel()
	j := sampleJob()
	if j.Type() != schedule.TypeCron {
		t.Fatalf("type=%s", j.Type())
	}
	j.Schedule = schedule.Interval{Minutes: 5}
	if j.Type() != schedule.TypeInterval {
		t.Fatalf("type=%s", j.Type())
	}
}

func TestCloneIsDeep(t *testing.T) {
	t.Parallel()
	j := sampleJob()
	c := j.Clone()
	c.Action.Parameters["message"] = "changed"
	c.Action.RetryPolicy.MaxRetries = 9
	c.Metadata["team"] = "other"
	*c.NextRun = c.NextRun.Add(time.Hour)

	if j.Action.Parameters["message"] != "standup" || j.Action.RetryPolicy.MaxRetries != 2 {
		t.Fatalf("action aliased: %+v", j.Action)
	}
	if j.Metadata["team"] != "core" {
		t.Fatalf("metadata aliased")
	}
	if j.NextRun.Hour() != 9 {
		t.Fatalf("nextRun aliased")
	}
}

func TestJSONRoundTrip(t *testing.T) {
	t.Parallel()
	j := sampleJob()
	b, err := json.Marshal(j)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]any
	_ = json.Unmarshal(b, &raw)
	if raw["type"] != "CRON" {
		t.Fatalf("type not derived in wire form: %s", b)
	}

	var out ScheduledJob
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Schedule != j.Schedule || out.Name != j.Name || !out.NextRun.Equal(*j.NextRun) {
		t.Fatalf("round trip mismatch: %+v", out)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(j *ScheduledJob)
		ok     bool
	}{
		{"valid", func(j *ScheduledJob) {}, true},
		{"missing owner", func(j *ScheduledJob) { j.OwnerID = " " }, false},
		{"missing name", func(j *ScheduledJob) { j.Name = "" }, false},
		{"missing schedule", func(j *ScheduledJob) { j.Schedule = nil }, false},
		{"unknown action", func(j *ScheduledJob) { j.Action.Type = "launch_rocket" }, false},
		{"bad overlap", func(j *ScheduledJob) { j.Overlap = "parallel" }, false},
		{"negative retries", func(j *ScheduledJob) { j.Action.RetryPolicy.MaxRetries = -1 }, false},
		{"skip overlap", func(j *ScheduledJob) { j.Overlap = OverlapSkip }, true},
		{"queue overlap", func(j *ScheduledJob) { j.Overlap = OverlapQueue }, true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			j := sampleJob()
			tt.mutate(j)
			err := j.Validate()
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidJob) {
				t.Fatalf("err=%v want ErrInvalidJob", err)
			}
		})
	}
}

func TestStatusTransitions(t *testing.T) {
	t.Parallel()
	legal := map[Status][]Status{
		StatusPending:  {StatusRunning, StatusFailed},
		StatusRunning:  {StatusCompleted, StatusFailed, StatusRetrying},
		StatusRetrying: {StatusRunning, StatusFailed},
	}
	all := []Status{StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusRetrying}
	for _, from := range all {
		for _, to := range all {
			want := false
			for _, ok := range legal[from] {
				if ok == to {
					want = true
				}
			}
			if got := from.CanTransition(to); got != want {
				t.Fatalf("%s -> %s: got %v want %v", from, to, got, want)
			}
		}
	}
}

func TestActivationErrorUnwraps(t *testing.T) {
	t.Parallel()
	err := error(&ActivationError{JobID: "j1", Err: schedule.ErrScheduleExhausted})
	if !errors.Is(err, schedule.ErrScheduleExhausted) {
		t.Fatalf("ActivationError should unwrap")
	}
}
