package shared

import (
	"context"
	"errors"
)

// ConflictRetryAttempts bounds how often a single batch mutation is retried
// after an optimistic-concurrency conflict before the conflict is surfaced.
const ConflictRetryAttempts = 3

// RetryOnConflict runs fn up to attempts times, retrying only when fn returns
// ErrConcurrentUpdate. Any other error, or context cancellation, stops the
// loop immediately.
func RetryOnConflict(ctx context.Context, attempts int, fn func(context.Context) error) error {
	if attempts <= 0 {
		attempts = ConflictRetryAttempts
	}
	var err error
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err = fn(ctx)
		if err == nil || !errors.Is(err, ErrConcurrentUpdate) {
			return err
		}
	}
	return err
}
