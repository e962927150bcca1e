package storage

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds retries of transient remote-store failures. It is an
// explicit parameter of the remote backends rather than process-global
// state.
type RetryPolicy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int

	// InitialInterval is the delay before the first retry; subsequent
	// delays grow exponentially up to MaxInterval.
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy suits remote stores on the compile hot path: fail
// fast and let the caller fall back to compiling.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
}

// withRetry runs op under the policy. Misses and auth failures are
// permanent; only IO/network errors are retried.
func withRetry(ctx context.Context, policy RetryPolicy, op func() error) error {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = policy.InitialInterval
	eb.MaxInterval = policy.MaxInterval

	bo := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrNotFound) {
			return backoff.Permanent(err)
		}
		var se *StoreError
		if errors.As(err, &se) && se.Kind == KindAuth {
			return backoff.Permanent(err)
		}
		return err
	}, bo)
}
