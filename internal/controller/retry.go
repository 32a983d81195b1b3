package controller

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds connection attempts. It is the only retry in the
// controller; business operations are single-attempt.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
}

// DefaultRetryPolicy is three attempts five seconds apart.
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, Delay: 5 * time.Second}

// retry runs op until it succeeds, attempts are exhausted or ctx is done.
// notify is called after each failed attempt that will be retried.
func retry[T any](ctx context.Context, p RetryPolicy, op func() (T, error), notify func(err error, next time.Duration)) (T, error) {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(p.Delay)),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(notify),
	)
}
