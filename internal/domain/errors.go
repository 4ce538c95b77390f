package domain

import "errors"

var (
	ErrNotFound     = errors.New("resource not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrInvalidInput = errors.New("invalid input")
	ErrConflict     = errors.New("resource conflict")

	// ErrInvalidTransition is returned when a job is not in a state that
	// permits the requested transition.
	ErrInvalidTransition = errors.New("invalid job state transition")

	// ErrCapacity is returned when a shard is running its maximum number of jobs.
	ErrCapacity = errors.New("shard at capacity")

	// ErrNoShardAvailable is retryable: every candidate shard is busy,
	// unhealthy, or lacks a required capability.
	ErrNoShardAvailable = errors.New("no shard available")

	ErrNotCancellable = errors.New("run is not cancellable")
)

// ValidationError represents a field-level validation failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}
