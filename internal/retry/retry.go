// Package retry runs an operation under an explicit retry policy.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy describes when and how often an operation is retried.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// NewBackOff builds a fresh schedule for each call to Do.
	NewBackOff func() backoff.BackOff
	// Retryable decides whether an error is worth another attempt.
	Retryable func(error) bool
}

// Exponential returns a policy with an exponential schedule starting at initial
// and capped at maxInterval.
func Exponential(attempts int, initial, maxInterval time.Duration, retryable func(error) bool) Policy {
	return Policy{
		MaxAttempts: attempts,
		NewBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = initial
			b.MaxInterval = maxInterval
			return b
		},
		Retryable: retryable,
	}
}

// Do calls op until it succeeds, returns a non-retryable error, or the
// attempt budget is spent. The last error is returned unchanged.
func Do[T any](ctx context.Context, p Policy, op func(context.Context) (T, error)) (T, error) {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var b backoff.BackOff = &backoff.ZeroBackOff{}
	if p.NewBackOff != nil {
		b = p.NewBackOff()
	}
	b.Reset()

	var (
		result T
		err    error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		result, err = op(ctx)
		if err == nil {
			return result, nil
		}
		if attempt == attempts || p.Retryable == nil || !p.Retryable(err) {
			return result, err
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return result, err
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return result, err
		case <-timer.C:
		}
	}
	return result, err
}
