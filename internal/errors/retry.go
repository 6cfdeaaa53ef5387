package errors

import (
	"context"
	"time"
)

// TransientRetryPause is the pause before the single transient retry.
const TransientRetryPause = 1 * time.Second

// RetryTransient executes fn and, when it fails with a transient error,
// retries exactly once after TransientRetryPause. Any other failure is
// surfaced immediately. Context cancellation aborts the pause.
func RetryTransient(ctx context.Context, fn func() error) error {
	err := fn()
	if err == nil || !IsTransient(err) {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(TransientRetryPause):
	}

	return fn()
}

// RetryTransientResult is RetryTransient for functions returning a value.
func RetryTransientResult[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	result, err := fn()
	if err == nil || !IsTransient(err) {
		return result, err
	}

	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case <-time.After(TransientRetryPause):
	}

	return fn()
}
