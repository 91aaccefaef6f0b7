package jobs

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed enqueue/trigger input.
	ErrValidation = errors.New("invalid job input")
	// ErrDuplicateJob is returned when a dedup key is already queued or running.
	ErrDuplicateJob = errors.New("duplicate job")
	// ErrInvalidState is returned for illegal state transition requests.
	ErrInvalidState = errors.New("invalid job state transition")
	// ErrUnknownType is returned when no handler is registered for a type.
	ErrUnknownType = errors.New("unknown automation type")
	// ErrNotFound is returned for lookups of unknown job ids.
	ErrNotFound = errors.New("job not found")
	// ErrShutdownTimeout is recorded on jobs force-failed at shutdown.
	ErrShutdownTimeout = errors.New("shutdown grace timeout")
)

// NoRetry marks a handler error as non-recoverable.
//
// Handlers wrap validation errors or other permanent failures with NoRetry
// so the engine fails the job immediately instead of burning retries.
//
// Example:
//
//	return nil, jobs.NoRetry(fmt.Errorf("bad payload: %w", err))
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
