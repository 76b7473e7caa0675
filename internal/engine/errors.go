package engine

import (
	"errors"
	"fmt"
)

var (
	ErrStopped     = errors.New("engine stopped")
	ErrStopping    = errors.New("engine stopping")
	ErrQueueFull   = errors.New("engine queue full")
	ErrOverlapSkip = errors.New("firing skipped due to overlap policy")
)

// NoRetry marks an error as non-retryable.
//
// Units can wrap validation errors or other permanent failures with NoRetry
// so the engine won't waste attempts retrying.
//
// Example:
//
//	return registry.Result{}, engine.NoRetry(fmt.Errorf("bad input: %w", err))
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
