package schedule

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Calculator turns schedules into next-run instants and cron triggers.
// It is stateless apart from the parser and the fallback timezone.
type Calculator struct {
	parser cron.Parser
	loc    *time.Location
}

// NewCalculator uses loc for schedules without an explicit timezone (nil means UTC).
func NewCalculator(loc *time.Location) *Calculator {
	if loc == nil {
		loc = time.UTC
	}
	return &Calculator{
		// SecondOptional allows both 5-field and 6-field (with seconds) specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		loc:    loc,
	}
}

var defaultCalc = NewCalculator(time.UTC)

// Next is Calculator.Next on a UTC calculator.
func Next(s Schedule, now time.Time) (time.Time, error) { return defaultCalc.Next(s, now) }

// Validate is Calculator.Validate on a UTC calculator.
func Validate(s Schedule) error { return defaultCalc.Validate(s) }

func (c *Calculator) Location() *time.Location { return c.loc }

// Validate checks a schedule without computing a run time.
func (c *Calculator) Validate(s Schedule) error {
	switch v := s.(type) {
	case OneTime:
		if v.RunAt.IsZero() {
			return invalid(TypeOneTime, "runAt is required")
		}
		return nil
	case Interval:
		if v.Minutes <= 0 {
			return invalid(TypeInterval, "intervalMinutes must be > 0")
		}
		return nil
	case Delayed:
		if v.Minutes <= 0 {
			return invalid(TypeDelayed, "delayMinutes must be > 0")
		}
		return nil
	case Cron, Recurring:
		_, err := c.CronSchedule(s)
		return err
	case nil:
		return invalid("", "schedule is nil")
	default:
		return invalid("", "unsupported schedule %T", s)
	}
}

// Next returns the first fire instant for s as seen at now.
//
// ONE_TIME returns RunAt even when it lies in the past; callers decide how to
// treat overdue runs. ErrScheduleExhausted is returned when a bounded or
// impossible cron rule has nothing left.
func (c *Calculator) Next(s Schedule, now time.Time) (time.Time, error) {
	switch v := s.(type) {
	case OneTime:
		if err := c.Validate(v); err != nil {
			return time.Time{}, err
		}
		return v.RunAt, nil
	case Interval:
		if err := c.Validate(v); err != nil {
			return time.Time{}, err
		}
		return now.Add(time.Duration(v.Minutes) * time.Minute), nil
	case Delayed:
		if err := c.Validate(v); err != nil {
			return time.Time{}, err
		}
		return now.Add(time.Duration(v.Minutes) * time.Minute), nil
	case Cron, Recurring:
		sched, err := c.CronSchedule(s)
		if err != nil {
			return time.Time{}, err
		}
		next := sched.Next(now)
		if next.IsZero() {
			return time.Time{}, ErrScheduleExhausted
		}
		return next, nil
	default:
		return time.Time{}, c.Validate(s)
	}
}

// CronSchedule compiles CRON and RECURRING schedules into a robfig schedule
// that can be registered directly on a cron.Cron.
func (c *Calculator) CronSchedule(s Schedule) (cron.Schedule, error) {
	switch v := s.(type) {
	case Cron:
		loc, err := c.location(TypeCron, v.Timezone)
		if err != nil {
			return nil, err
		}
		expr := strings.TrimSpace(v.Expression)
		if expr == "" {
			return nil, &InvalidCronExpressionError{Expression: v.Expression, Err: fmt.Errorf("empty expression")}
		}
		if strings.HasPrefix(expr, "TZ=") || strings.HasPrefix(expr, "CRON_TZ=") {
			return nil, &InvalidCronExpressionError{Expression: v.Expression, Err: fmt.Errorf("use the timezone field instead of a TZ prefix")}
		}
		sched, err := c.parser.Parse("CRON_TZ=" + loc.String() + " " + expr)
		if err != nil {
			return nil, &InvalidCronExpressionError{Expression: v.Expression, Err: err}
		}
		return sched, nil
	case Recurring:
		spec, loc, err := c.recurringSpec(v)
		if err != nil {
			return nil, err
		}
		sched, err := c.parser.Parse("CRON_TZ=" + loc.String() + " " + spec)
		if err != nil {
			return nil, &InvalidCronExpressionError{Expression: spec, Err: err}
		}
		if v.StartDate == nil && v.EndDate == nil {
			return sched, nil
		}
		return &boundedSchedule{inner: sched, start: v.StartDate, end: v.EndDate}, nil
	default:
		return nil, invalid(s.Type(), "not a cron-backed schedule")
	}
}

// Spec renders the cron expression a CRON or RECURRING schedule compiles to.
func (c *Calculator) Spec(s Schedule) (string, error) {
	switch v := s.(type) {
	case Cron:
		if _, err := c.CronSchedule(v); err != nil {
			return "", err
		}
		return strings.TrimSpace(v.Expression), nil
	case Recurring:
		spec, _, err := c.recurringSpec(v)
		return spec, err
	default:
		return "", invalid(s.Type(), "not a cron-backed schedule")
	}
}

func (c *Calculator) location(t Type, tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return c.loc, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, invalid(t, "unknown timezone %q", tz)
	}
	return loc, nil
}

var reHHMM = regexp.MustCompile(`^(\d{1,2}):(\d{2})$`)

func parseHHMM(s string) (hour, minute int, err error) {
	m := reHHMM.FindStringSubmatch(strings.TrimSpace(s))
	if len(m) != 3 {
		return 0, 0, fmt.Errorf("time %q must be HH:MM", s)
	}
	hour, _ = strconv.Atoi(m[1])
	minute, _ = strconv.Atoi(m[2])
	if hour > 23 || minute > 59 {
		return 0, 0, fmt.Errorf("time %q out of range", s)
	}
	return hour, minute, nil
}

func (c *Calculator) recurringSpec(r Recurring) (string, *time.Location, error) {
	loc, err := c.location(TypeRecurring, r.Timezone)
	if err != nil {
		return "", nil, err
	}
	hour, minute, err := parseHHMM(r.Time)
	if err != nil {
		return "", nil, invalid(TypeRecurring, "%v", err)
	}
	if r.StartDate != nil && r.EndDate != nil && !r.StartDate.Before(*r.EndDate) {
		return "", nil, &InvalidDateRangeError{Start: *r.StartDate, End: *r.EndDate}
	}

	var spec string
	switch r.Frequency {
	case Daily:
		spec = fmt.Sprintf("%d %d * * *", minute, hour)
	case Weekly:
		days := r.DaysOfWeek
		if len(days) == 0 {
			days = []int{1}
		}
		list, err := intList(days, 0, 6)
		if err != nil {
			return "", nil, invalid(TypeRecurring, "daysOfWeek: %v", err)
		}
		spec = fmt.Sprintf("%d %d * * %s", minute, hour, list)
	case Monthly:
		days := r.DaysOfMonth
		if len(days) == 0 {
			days = []int{1}
		}
		list, err := intList(days, 1, 31)
		if err != nil {
			return "", nil, invalid(TypeRecurring, "daysOfMonth: %v", err)
		}
		spec = fmt.Sprintf("%d %d %s * *", minute, hour, list)
	case Yearly:
		month, day := time.January, 1
		if r.StartDate != nil {
			sd := r.StartDate.In(loc)
			month, day = sd.Month(), sd.Day()
		}
		spec = fmt.Sprintf("%d %d %d %d *", minute, hour, day, int(month))
	case "":
		return "", nil, invalid(TypeRecurring, "frequency is required")
	default:
		return "", nil, invalid(TypeRecurring, "unknown frequency %q", r.Frequency)
	}
	return spec, loc, nil
}

// intList renders a sorted, deduplicated comma list after range checking.
func intList(vals []int, lo, hi int) (string, error) {
	seen := make(map[int]struct{}, len(vals))
	out := make([]int, 0, len(vals))
	for _, v := range vals {
		if v < lo || v > hi {
			return "", fmt.Errorf("%d not in %d..%d", v, lo, hi)
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Ints(out)
	parts := make([]string, len(out))
	for i, v := range out {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ","), nil
}

// boundedSchedule clips a cron schedule to [start, end]. A zero result means
// the schedule is over, which cron.Cron treats as "never run again".
type boundedSchedule struct {
	inner cron.Schedule
	start *time.Time
	end   *time.Time
}

func (b *boundedSchedule) Next(t time.Time) time.Time {
	if b.start != nil && t.Before(*b.start) {
		// cron Next is strictly after its argument; step back so a fire at
		// exactly start is included.
		t = b.start.Add(-time.Second)
	}
	n := b.inner.Next(t)
	if n.IsZero() || (b.end != nil && n.After(*b.end)) {
		return time.Time{}
	}
	return n
}

// Describe renders a short human description, used in notifications and logs.
func Describe(s Schedule) string {
	switch v := s.(type) {
	case OneTime:
		return "once at " + v.RunAt.Format(time.RFC3339)
	case Cron:
		if v.Timezone != "" {
			return fmt.Sprintf("cron %q (%s)", v.Expression, v.Timezone)
		}
		return fmt.Sprintf("cron %q", v.Expression)
	case Recurring:
		return fmt.Sprintf("%s at %s", v.Frequency, v.Time)
	case Interval:
		return fmt.Sprintf("every %d minutes", v.Minutes)
	case Delayed:
		return fmt.Sprintf("once, %d minutes after scheduling", v.Minutes)
	default:
		return "unknown"
	}
}
