package clock

import "time"

// Fake is a controllable Clock for tests: Now() is frozen until Advance is
// called, and After/NewTicker fire only once the fake has been advanced past
// their target time.
type Fake struct {
	now     time.Time
	waits   []fakeWait
	tickers []*fakeTicker
}

type fakeWait struct {
	at time.Time
	ch chan time.Time
}

// NewFake returns a Fake clock starting at t.
func NewFake(t time.Time) *Fake {
	return &Fake{now: t}
}

func (f *Fake) Now() time.Time { return f.now }

func (f *Fake) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	f.waits = append(f.waits, fakeWait{at: f.now.Add(d), ch: ch})
	return ch
}

func (f *Fake) NewTicker(d time.Duration) Ticker {
	ch := make(chan time.Time, 1)
	t := &fakeTicker{clock: f, period: d, ch: ch}
	t.next = f.now.Add(d)
	f.tickers = append(f.tickers, t)
	return t
}

type fakeTicker struct {
	clock   *Fake
	period  time.Duration
	next    time.Time
	ch      chan time.Time
	stopped bool
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }
func (t *fakeTicker) Stop()               { t.stopped = true }

// Advance moves the fake clock forward by d, firing any timers/tickers whose
// deadline has passed.
func (f *Fake) Advance(d time.Duration) {
	f.now = f.now.Add(d)

	remaining := f.waits[:0]
	for _, w := range f.waits {
		if !f.now.Before(w.at) {
			select {
			case w.ch <- f.now:
			default:
			}
			continue
		}
		remaining = append(remaining, w)
	}
	f.waits = remaining

	for _, t := range f.tickers {
		if t.stopped {
			continue
		}
		for !f.now.Before(t.next) {
			select {
			case t.ch <- f.now:
			default:
			}
			t.next = t.next.Add(t.period)
		}
	}
}
