// Package clock abstracts wall-clock time so monitor/dispatcher loops can be
// driven deterministically in tests instead of sleeping.
package clock

import "time"

// Clock is the time source every periodic loop is built against.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	NewTicker(d time.Duration) Ticker
}

// Ticker mirrors time.Ticker so FakeClock can hand out a fake one.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Real is the production Clock backed by the runtime's monotonic clock.
type Real struct{}

func (Real) Now() time.Time                         { return time.Now() }
func (Real) After(d time.Duration) <-chan time.Time  { return time.After(d) }
func (Real) NewTicker(d time.Duration) Ticker        { return &realTicker{t: time.NewTicker(d)} }

type realTicker struct{ t *time.Ticker }

func (r *realTicker) C() <-chan time.Time { return r.t.C }
func (r *realTicker) Stop()               { r.t.Stop() }
