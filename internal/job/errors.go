package job

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound covers both missing jobs and jobs owned by someone else.
	ErrJobNotFound       = errors.New("job not found")
	ErrExecutionNotFound = errors.New("execution not found")
	// ErrExecutionFinished rejects writes over a COMPLETED or FAILED row.
	ErrExecutionFinished = errors.New("execution already finished")
	ErrInvalidJob        = errors.New("invalid job")
)

// Error codes stored on failed executions.
const (
	CodeHandlerError    = "HANDLER_ERROR"
	CodeHandlerNotFound = "HANDLER_NOT_FOUND"
	CodePanic           = "PANIC"
	CodeTimeout         = "EXECUTION_TIMEOUT"
	CodeNetwork         = "NETWORK_ERROR"
	CodeHTTPStatus      = "HTTP_STATUS"
	CodeStorage         = "STORAGE_ERROR"
	CodeJobDeleted      = "JOB_DELETED"
	CodeShutdown        = "SHUTDOWN"
)

// ExecutionError is the classified failure of an attempt. Cause is not
// persisted.
type ExecutionError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	Cause     error  `json:"-"`
}

func (e *ExecutionError) Error() string {
	return e.Code + ": " + e.Message
}

func (e *ExecutionError) Unwrap() error { return e.Cause }

// ActivationError means the job was persisted but could not be armed; it is
// left disabled.
type ActivationError struct {
	JobID string
	Err   error
}

func (e *ActivationError) Error() string {
	return fmt.Sprintf("activate job %s: %v", e.JobID, e.Err)
}

func (e *ActivationError) Unwrap() error { return e.Err }

func invalidJob(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidJob, fmt.Sprintf(format, args...))
}
