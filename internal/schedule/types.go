// Package schedule defines the schedule sum type, its canonical JSON form and
// the next-run calculator.
package schedule

import "time"

// Type is the persisted discriminator of a schedule.
type Type string

const (
	TypeOneTime   Type = "ONE_TIME"
	TypeCron      Type = "CRON"
	TypeRecurring Type = "RECURRING"
	TypeInterval  Type = "INTERVAL"
	TypeDelayed   Type = "DELAYED"
)

func (t Type) Valid() bool {
	switch t {
	case TypeOneTime, TypeCron, TypeRecurring, TypeInterval, TypeDelayed:
		return true
	}
	return false
}

// Repeating reports whether a schedule of this type fires more than once.
func (t Type) Repeating() bool {
	return t == TypeCron || t == TypeRecurring || t == TypeInterval
}

// Schedule is implemented only by the variants in this package.
type Schedule interface {
	Type() Type
	isSchedule()
}

// OneTime fires once at RunAt.
type OneTime struct {
	RunAt time.Time
}

// Cron fires on a standard cron expression, evaluated in Timezone.
type Cron struct {
	Expression string
	Timezone   string
}

type Frequency string

const (
	Daily   Frequency = "daily"
	Weekly  Frequency = "weekly"
	Monthly Frequency = "monthly"
	Yearly  Frequency = "yearly"
)

// Recurring is a calendar rule that is compiled to a cron expression.
//
// DaysOfWeek uses 0 for Sunday. StartDate and EndDate are inclusive bounds.
type Recurring struct {
	Frequency   Frequency
	Time        string // HH:MM, 24h
	DaysOfWeek  []int
	DaysOfMonth []int
	Timezone    string
	StartDate   *time.Time
	EndDate     *time.Time
}

// Interval fires every Minutes, measured from the previous fire.
type Interval struct {
	Minutes int
}

// Delayed fires once, Minutes after it is scheduled.
type Delayed struct {
	Minutes int
}

func (OneTime) Type() Type   { return TypeOneTime }
func (Cron) Type() Type      { return TypeCron }
func (Recurring) Type() Type { return TypeRecurring }
func (Interval) Type() Type  { return TypeInterval }
func (Delayed) Type() Type   { return TypeDelayed }

func (OneTime) isSchedule()   {}
func (Cron) isSchedule()      {}
func (Recurring) isSchedule() {}
func (Interval) isSchedule()  {}
func (Delayed) isSchedule()   {}

// Clone returns a deep copy so stored schedules never alias caller memory.
func Clone(s Schedule) Schedule {
	r, ok := s.(Recurring)
	if !ok {
		return s
	}
	r.DaysOfWeek = append([]int(nil), r.DaysOfWeek...)
	r.DaysOfMonth = append([]int(nil), r.DaysOfMonth...)
	if r.StartDate != nil {
		t := *r.StartDate
		r.StartDate = &t
	}
	if r.EndDate != nil {
		t := *r.EndDate
		r.EndDate = &t
	}
	return r
}
