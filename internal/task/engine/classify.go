package engine

import (
	"context"
	"errors"
	"net"
	"syscall"

	"jobclock/internal/action"
	"jobclock/internal/job"
	"jobclock/internal/storage"
)

var retryableHTTP = map[int]bool{408: true, 429: true, 500: true, 502: true, 503: true, 504: true}

// Classify maps an attempt error to a stored ExecutionError. Only transient
// failures are retryable: network errors, timeouts, some HTTP statuses and
// storage contention. Everything else fails the execution immediately.
func Classify(err error) *job.ExecutionError {
	if err == nil {
		return nil
	}
	if IsNoRetry(err) {
		e := Classify(errors.Unwrap(err))
		if e == nil {
			e = &job.ExecutionError{Code: job.CodeHandlerError}
		}
		e.Message = err.Error()
		e.Retryable = false
		e.Cause = err
		return e
	}

	code, retryable := classify(err)
	return &job.ExecutionError{Code: code, Message: err.Error(), Retryable: retryable, Cause: err}
}

func classify(err error) (string, bool) {
	var pe panicError
	if errors.As(err, &pe) {
		return job.CodePanic, false
	}
	if errors.Is(err, action.ErrHandlerNotFound) {
		return job.CodeHandlerNotFound, false
	}
	if errors.Is(err, errHandlerTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return job.CodeTimeout, true
	}
	if errors.Is(err, storage.ErrStorageTimeout) {
		return job.CodeStorage, true
	}
	var hs interface{ HTTPStatus() int }
	if errors.As(err, &hs) {
		return job.CodeHTTPStatus, retryableHTTP[hs.HTTPStatus()]
	}
	if isNetworkError(err) {
		return job.CodeNetwork, true
	}
	return job.CodeHandlerError, false
}

func isNetworkError(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
