// Package retry provides a bounded exponential backoff helper (Backoff, Do).
// The cache, store, and event-log adapters do not call it: each of their
// operations is tried once and its error is returned to the caller. Shape
// grounded in the teacher's LeaderElector.loop backoff-with-cap pattern
// (coordination/leader.go).
package retry

import (
	"context"
	"time"
)

// Backoff produces a capped exponential delay sequence: base, base*2,
// base*4, ... up to max.
type Backoff struct {
	base time.Duration
	max  time.Duration
}

func NewBackoff(base, max time.Duration) Backoff {
	return Backoff{base: base, max: max}
}

// Delay returns the delay before attempt number n (0-indexed).
func (b Backoff) Delay(n int) time.Duration {
	d := b.base
	for i := 0; i < n; i++ {
		d *= 2
		if d >= b.max {
			return b.max
		}
	}
	return d
}

// Do retries fn up to attempts times with capped exponential backoff
// between tries, stopping early on ctx cancellation or a nil error.
func Do(ctx context.Context, attempts int, backoff Backoff, fn func(ctx context.Context) error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff.Delay(i)):
		}
	}
	return err
}
