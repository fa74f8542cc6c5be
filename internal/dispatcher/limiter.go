package dispatcher

import (
	"sync"

	"golang.org/x/time/rate"
)

// perSkaldLimiter caps how often any single skald is offered as a dispatch
// candidate: Dispatcher.Tick takes a token each time it considers a
// supporting skald for a task, whether or not the policy then picks it.
// Adapted from the teacher's scheduler.TokenBucketLimiter (per-key token
// buckets, lazily created).
type perSkaldLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	b        int
}

func newPerSkaldLimiter(perSecond float64, burst int) *perSkaldLimiter {
	return &perSkaldLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        rate.Limit(perSecond),
		b:        burst,
	}
}

func (l *perSkaldLimiter) allow(skaldID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.limiters[skaldID]
	if !ok {
		lim = rate.NewLimiter(l.r, l.b)
		l.limiters[skaldID] = lim
	}
	return lim.Allow()
}
