package engine

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrDisabled  = errors.New("task engine disabled")
	ErrStopped   = errors.New("task engine stopped")
	ErrStopping  = errors.New("task engine stopping")
	ErrQueueFull = errors.New("task engine queue full")
)

// NoRetry marks an error as permanent so the engine stops retrying.
//
//	return engine.NoRetry(fmt.Errorf("subject %s missing: %w", id, ErrIntegrity))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return e.err.Error() }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfter carries a suggested delay before the next attempt. The engine
// caps it at RetryMaxDelay and still applies jitter.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return retryAfterError{err: err, after: max(after, 0)}
}

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
