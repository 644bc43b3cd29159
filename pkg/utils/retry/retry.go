package retry

import (
	"context"
	"errors"
	"time"
)

// ErrRetry tells Blocking to call the function again.
var ErrRetry = errors.New("retry")

// Backoff is a (blocking) function returns when to retry.
//
// If context is canceled, Backoff should return ctx.Err().
type Backoff func(context.Context) error

// StaticBackoff waits for a fixed interval before each try.
func StaticBackoff(interval time.Duration) Backoff {
	return ExponentialBackoff(interval, 1)
}

// ExponentialBackoff waits `initialInterval * r^N` before N-th try.
//
// The first try is not delayed.
func ExponentialBackoff(initialInterval time.Duration, r float64) Backoff {
	interval := initialInterval
	first := true
	return func(ctx context.Context) error {
		if first {
			first = false
			return ctx.Err()
		}
		timer := time.NewTimer(interval)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			interval = time.Duration(float64(interval) * r)
			return nil
		}
	}
}

// Blocking calls f until it returns nil or non-retry error.
//
// If f returns an error wrapping ErrRetry, Blocking calls f again after backoff.
//
// # Returns
//
// - T: last return value of f
//
// - error: error returned by f, or by the backoff (context error).
func Blocking[T any](ctx context.Context, b Backoff, f func() (T, error)) (T, error) {
	last := *new(T)
	for {
		if err := b(ctx); err != nil {
			return last, err
		}

		var err error
		last, err = f()
		if err == nil || !errors.Is(err, ErrRetry) {
			return last, err
		}
	}
}
