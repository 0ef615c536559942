package gateway

import (
	"context"
	"fmt"
	"time"
)

type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
	OnRetry  func(attempt int, err error)
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 5, Backoff: 200 * time.Millisecond}
}

// Retry runs fn until it succeeds, returns a non-retriable error, or the
// attempts are exhausted. The backoff doubles after every failure.
func Retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	attempts := policy.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	backoff := policy.Backoff
	for attempt := 0; attempt < attempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !IsRetriable(err) {
			return err
		}
		if attempt == attempts-1 {
			return fmt.Errorf("retry failed: %w", err)
		}
		if policy.OnRetry != nil {
			policy.OnRetry(attempt+1, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return nil
}
