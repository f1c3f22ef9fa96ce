package schedule

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidSchedule is matched by every validation error in this package.
	ErrInvalidSchedule = errors.New("invalid schedule")
	// ErrScheduleExhausted means the schedule has no occurrence after the given instant.
	ErrScheduleExhausted = errors.New("schedule has no future occurrence")
)

type InvalidScheduleError struct {
	Type   Type
	Reason string
}

func (e *InvalidScheduleError) Error() string {
	if e.Type == "" {
		return "invalid schedule: " + e.Reason
	}
	return fmt.Sprintf("invalid %s schedule: %s", e.Type, e.Reason)
}

func (e *InvalidScheduleError) Unwrap() error { return ErrInvalidSchedule }

type InvalidCronExpressionError struct {
	Expression string
	Err        error
}

func (e *InvalidCronExpressionError) Error() string {
	return fmt.Sprintf("invalid cron expression %q: %v", e.Expression, e.Err)
}

func (e *InvalidCronExpressionError) Unwrap() []error {
	return []error{ErrInvalidSchedule, e.Err}
}

type InvalidDateRangeError struct {
	Start time.Time
	End   time.Time
}

func (e *InvalidDateRangeError) Error() string {
	return fmt.Sprintf("invalid date range: start %s is not before end %s",
		e.Start.Format(time.RFC3339), e.End.Format(time.RFC3339))
}

func (e *InvalidDateRangeError) Unwrap() error { return ErrInvalidSchedule }

func invalid(t Type, format string, args ...any) error {
	return &InvalidScheduleError{Type: t, Reason: fmt.Sprintf(format, args...)}
}
