// -----------------------------------------------------------------------
// Error kinds shared across storage, services and the control API
// -----------------------------------------------------------------------

package models

import (
	"errors"
	"fmt"
)

// Sentinel errors for the queue protocol. Callers match with errors.Is.
var (
	// ErrNotFound indicates a missing job, definition, trigger or run.
	ErrNotFound = errors.New("not found")

	// ErrNoWork indicates an empty claim scan. Not a failure; workers sleep and retry.
	ErrNoWork = errors.New("no eligible job")

	// ErrLeaseLost indicates the caller no longer holds the job's lease
	// (claimed_by_worker changed or the job left the running state).
	// Workers abort local work quietly on this error.
	ErrLeaseLost = errors.New("lease lost")

	// ErrDedupConflict indicates an active job already exists for the
	// tenant/dedupe-key pair. Storage returns the existing row alongside it.
	ErrDedupConflict = errors.New("active job exists for dedupe key")
)

// ValidationError reports a bad payload shape or value. Never retried.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return e.Msg
}

// NewValidationError creates a ValidationError with a formatted message.
func NewValidationError(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// IsValidationError reports whether err is (or wraps) a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// TransientError marks a retryable store failure (connection drop, busy lock).
// Callers wrap operations in bounded exponential backoff.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient store error: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a TransientError. Returns nil for nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// ErrorKind maps an error to the stable kind string carried in API responses.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case IsValidationError(err):
		return "validation_error"
	case errors.Is(err, ErrDedupConflict):
		return "dedup_conflict"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrLeaseLost):
		return "lease_lost"
	case errors.Is(err, ErrNoWork):
		return "no_work"
	case IsTransient(err):
		return "transient_store_error"
	default:
		return "internal_error"
	}
}
