package schedule

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestCodecRoundTrip(t *testing.T) {
	t.Parallel()

	canonical := []string{
		`{"type":"CRON","cronExpression":"0 9 * * 1-5","timezone":"Europe/Berlin"}`,
		`{"type":"CRON","cronExpression":"*/5 * * * *"}`,
		`{"type":"ONE_TIME","runAt":"2024-05-01T10:00:00Z"}`,
		`{"type":"RECURRING","frequency":"weekly","time":"09:30","daysOfWeek":[1,3],"timezone":"UTC","startDate":"2024-01-01T00:00:00Z"}`,
		`{"type":"RECURRING","frequency":"monthly","time":"06:00","daysOfMonth":[1,15],"endDate":"2025-01-01T00:00:00Z"}`,
		`{"type":"INTERVAL","intervalMinutes":15}`,
		`{"type":"DELAYED","delayMinutes":5}`,
	}
	for _, in := range canonical {
		in := in
		t.Run(in, func(t *testing.T) {
			t.Parallel()
			s, err := Parse([]byte(in))
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			out, err := Marshal(s)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			if string(out) != in {
				t.Fatalf("round trip:\n got %s\nwant %s", out, in)
			}
		})
	}
}

func TestParseRejects(t *testing.T) {
	t.Parallel()

	bad := []string{
		`{"type":"INTERVAL","intervalMinutes":5,"cronExpression":"* * * * *"}`,
		`{"type":"CRON","cronExpression":"* * * * *","runAt":"2024-01-01T00:00:00Z"}`,
		`{"type":"HOURLY"}`,
		`{"intervalMinutes":5}`,
		`[1,2]`,
		`not json`,
	}
	for _, in := range bad {
		if _, err := Parse([]byte(in)); !errors.Is(err, ErrInvalidSchedule) {
			t.Fatalf("Parse(%s) err=%v want ErrInvalidSchedule", in, err)
		}
	}
}

func TestParseDoesNotValidate(t *testing.T) {
	t.Parallel()
	// Decoding is structural; semantic checks belong to the calculator.
	s, err := Parse([]byte(`{"type":"INTERVAL","intervalMinutes":0}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := Validate(s); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestJSONEmbedding(t *testing.T) {
	t.Parallel()
	type doc struct {
		Name     string `json:"name"`
		Schedule JSON   `json:"schedule"`
	}
	in := doc{Name: "x", Schedule: JSON{Schedule: Interval{Minutes: 10}}}
	b, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `{"name":"x","schedule":{"type":"INTERVAL","intervalMinutes":10}}` {
		t.Fatalf("got %s", b)
	}
	var out doc
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if iv, ok := out.Schedule.Schedule.(Interval); !ok || iv.Minutes != 10 {
		t.Fatalf("decoded %#v", out.Schedule.Schedule)
	}
}

func TestCloneDetachesSlices(t *testing.T) {
	t.Parallel()
	r := Recurring{Frequency: Weekly, Time: "09:00", DaysOfWeek: []int{1}}
	c := Clone(r).(Recurring)
	c.DaysOfWeek[0] = 5
	if r.DaysOfWeek[0] != 1 {
		t.Fatalf("clone aliased source slice")
	}
}
