package dispatcher

import (
	"sync"
	"time"

	"github.com/jihunglin/skalds/internal/clock"
	"github.com/jihunglin/skalds/internal/observability"
)

// circuitState mirrors the teacher's scheduler.CircuitState, repurposed from
// queue-depth/worker-saturation admission to event-publish-failure admission:
// a dispatcher that keeps CAS-ing tasks into ASSIGNING while the Event
// Adapter is down just produces orphaned ASSIGNING tasks for the assignment-
// timeout sweep to clean up later, so it trips and stops dispatching first.
type circuitState int

const (
	circuitClosed circuitState = iota
	circuitHalfOpen
	circuitOpen
)

// circuitBreaker guards dispatch admission on recent publish failures.
type circuitBreaker struct {
	mu    sync.Mutex
	clock clock.Clock

	state circuitState

	failureThreshold int
	cooldown         time.Duration
	testLimit        int

	consecutiveFailures int
	openedAt            time.Time
	testCount           int
}

func newCircuitBreaker(clk clock.Clock, failureThreshold int, cooldown time.Duration) *circuitBreaker {
	return &circuitBreaker{
		clock:            clk,
		state:            circuitClosed,
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
		testLimit:        3,
	}
}

// allow reports whether a dispatch attempt may proceed, advancing
// open->half_open on cooldown expiry.
func (cb *circuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.clock.Now()
	if cb.state == circuitOpen && now.Sub(cb.openedAt) > cb.cooldown {
		cb.state = circuitHalfOpen
		cb.testCount = 0
	}

	switch cb.state {
	case circuitOpen:
		return false
	case circuitHalfOpen:
		return cb.testCount < cb.testLimit
	default:
		return true
	}
}

func (cb *circuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	if cb.state == circuitHalfOpen {
		cb.testCount++
		if cb.testCount >= cb.testLimit {
			cb.state = circuitClosed
		}
	}
	observability.DispatchCircuitState.Set(float64(cb.state))
}

func (cb *circuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == circuitHalfOpen {
		cb.state = circuitOpen
		cb.openedAt = cb.clock.Now()
		observability.DispatchCircuitState.Set(float64(cb.state))
		return
	}

	cb.consecutiveFailures++
	if cb.consecutiveFailures >= cb.failureThreshold {
		cb.state = circuitOpen
		cb.openedAt = cb.clock.Now()
	}
	observability.DispatchCircuitState.Set(float64(cb.state))
}
