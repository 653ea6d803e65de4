package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an operation references an unknown job id
	ErrNotFound = errors.New("job not found")

	// ErrInvalidTransition is returned when a requested status change is not
	// reachable from the job's current status
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrRetryExhausted is returned when a retry is requested beyond the
	// queue's configured max attempts
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrStatusConflict is returned by stores when a guarded update finds the
	// record in a different status than expected
	ErrStatusConflict = errors.New("job status changed concurrently")
)

// ValidationError describes malformed job creation input. It is surfaced to
// the caller immediately and never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// NewValidationError creates a ValidationError for the given field
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err is (or wraps) a ValidationError
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
