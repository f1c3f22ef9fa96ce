package schedule

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Wire shapes. Field order is the canonical order; "type" always comes first.
type oneTimeWire struct {
	Type  Type      `json:"type"`
	RunAt time.Time `json:"runAt"`
}

type cronWire struct {
	Type           Type   `json:"type"`
	CronExpression string `json:"cronExpression"`
	Timezone       string `json:"timezone,omitempty"`
}

type recurringWire struct {
	Type        Type       `json:"type"`
	Frequency   Frequency  `json:"frequency"`
	Time        string     `json:"time"`
	DaysOfWeek  []int      `json:"daysOfWeek,omitempty"`
	DaysOfMonth []int      `json:"daysOfMonth,omitempty"`
	Timezone    string     `json:"timezone,omitempty"`
	StartDate   *time.Time `json:"startDate,omitempty"`
	EndDate     *time.Time `json:"endDate,omitempty"`
}

type intervalWire struct {
	Type            Type `json:"type"`
	IntervalMinutes int  `json:"intervalMinutes"`
}

type delayedWire struct {
	Type         Type `json:"type"`
	DelayMinutes int  `json:"delayMinutes"`
}

// Marshal encodes s in canonical form. Parse(Marshal(s)) reproduces s and
// Marshal(Parse(b)) == b for any canonical b.
func Marshal(s Schedule) ([]byte, error) {
	switch v := s.(type) {
	case OneTime:
		return json.Marshal(oneTimeWire{Type: TypeOneTime, RunAt: v.RunAt})
	case Cron:
		return json.Marshal(cronWire{Type: TypeCron, CronExpression: v.Expression, Timezone: v.Timezone})
	case Recurring:
		return json.Marshal(recurringWire{
			Type:        TypeRecurring,
			Frequency:   v.Frequency,
			Time:        v.Time,
			DaysOfWeek:  v.DaysOfWeek,
			DaysOfMonth: v.DaysOfMonth,
			Timezone:    v.Timezone,
			StartDate:   v.StartDate,
			EndDate:     v.EndDate,
		})
	case Interval:
		return json.Marshal(intervalWire{Type: TypeInterval, IntervalMinutes: v.Minutes})
	case Delayed:
		return json.Marshal(delayedWire{Type: TypeDelayed, DelayMinutes: v.Minutes})
	case nil:
		return nil, invalid("", "schedule is nil")
	default:
		return nil, invalid("", "unsupported schedule %T", s)
	}
}

// Parse decodes a schedule. Fields that do not belong to the variant are rejected.
func Parse(b []byte) (Schedule, error) {
	var probe struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(b, &probe); err != nil {
		return nil, invalid("", "decode: %v", err)
	}
	switch probe.Type {
	case TypeOneTime:
		var w oneTimeWire
		if err := strictDecode(b, &w); err != nil {
			return nil, invalid(probe.Type, "%v", err)
		}
		return OneTime{RunAt: w.RunAt}, nil
	case TypeCron:
		var w cronWire
		if err := strictDecode(b, &w); err != nil {
			return nil, invalid(probe.Type, "%v", err)
		}
		return Cron{Expression: w.CronExpression, Timezone: w.Timezone}, nil
	case TypeRecurring:
		var w recurringWire
		if err := strictDecode(b, &w); err != nil {
			return nil, invalid(probe.Type, "%v", err)
		}
		return Recurring{
			Frequency:   w.Frequency,
			Time:        w.Time,
			DaysOfWeek:  w.DaysOfWeek,
			DaysOfMonth: w.DaysOfMonth,
			Timezone:    w.Timezone,
			StartDate:   w.StartDate,
			EndDate:     w.EndDate,
		}, nil
	case TypeInterval:
		var w intervalWire
		if err := strictDecode(b, &w); err != nil {
			return nil, invalid(probe.Type, "%v", err)
		}
		return Interval{Minutes: w.IntervalMinutes}, nil
	case TypeDelayed:
		var w delayedWire
		if err := strictDecode(b, &w); err != nil {
			return nil, invalid(probe.Type, "%v", err)
		}
		return Delayed{Minutes: w.DelayMinutes}, nil
	case "":
		return nil, invalid("", "missing type")
	default:
		return nil, invalid("", "unknown type %q", probe.Type)
	}
}

func strictDecode(b []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("trailing data")
	}
	return nil
}

// JSON is a helper for embedding a Schedule in other JSON documents.
type JSON struct {
	Schedule Schedule
}

func (j JSON) MarshalJSON() ([]byte, error) { return Marshal(j.Schedule) }

func (j *JSON) UnmarshalJSON(b []byte) error {
	s, err := Parse(b)
	if err != nil {
		return err
	}
	j.Schedule = s
	return nil
}
