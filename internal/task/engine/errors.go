package engine

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrStopped        = errors.New("executor stopped")
	ErrOverlapSkip    = errors.New("fire skipped: previous execution still running")
	ErrOverlapQueued  = errors.New("fire queued behind running execution")
	ErrBadTransition  = errors.New("illegal execution status transition")
	errHandlerTimeout = errors.New("handler timed out")
)

// NoRetry marks an error as non-retryable.
//
// Handlers can wrap validation errors or other permanent failures with NoRetry
// so the executor won't waste time retrying.
//
// Example:
//
//	return nil, engine.NoRetry(fmt.Errorf("bad input: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfter provides a suggested delay before retrying.
//
// The executor waits at least this long (bounded by RetryMaxDelay) before the
// next attempt. It does not make a fatal error retryable.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }

// panicError is a recovered handler panic.
type panicError struct {
	value any
}

func (e panicError) Error() string { return fmt.Sprintf("panic: %v", e.value) }
