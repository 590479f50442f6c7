package api

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/webcuts/orthopaedie-booking/internal/appointment"
)

// retryTransient runs fn again while it fails with a transient store error,
// at most attempts extra times. Other errors are returned immediately.
func retryTransient[T any](ctx context.Context, attempts int, initial time.Duration, fn func() (T, error)) (T, error) {
	if attempts <= 0 {
		return fn()
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = initial
	policy.MaxInterval = 2 * time.Second
	policy.MaxElapsedTime = 0

	op := func() (T, error) {
		v, err := fn()
		if err != nil && !appointment.IsTransient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}
	return backoff.RetryWithData[T](op, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(attempts)), ctx))
}
