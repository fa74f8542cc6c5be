// Package leaderelect gates the Dispatcher behind a single active leader
// when more than one controller process runs with dispatch enabled,
// adapted from the teacher's coordination.LeaderElector: the full durable
// fencing-epoch mechanism (a second, Postgres-backed monotonic token, kept
// because Redis alone can be flushed) is dropped since the Dispatcher's own
// optimistic CAS on task status already fences a stale leader's writes —
// what's kept is the acquire/renew/release lease shape and the
// backoff-with-cap retry loop.
package leaderelect

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/jihunglin/skalds/internal/clock"
	"github.com/jihunglin/skalds/internal/observability"
)

const lockKey = "skalds:lock:dispatcher-leader"

// Elector holds a renewable Redis lease and runs onElected/onLost callbacks
// as leadership is gained and lost. Safe for a single Run call per instance.
type Elector struct {
	client *redis.Client
	clock  clock.Clock
	nodeID string
	ttl    time.Duration

	onElected func(ctx context.Context)
	onLost    func()

	mu           sync.RWMutex
	isLeader     bool
	token        string
	leaderCancel context.CancelFunc
}

// New constructs an Elector. nodeID identifies this process in logs and
// metrics; ttl is the lease lifetime (renewed at ttl/3).
func New(client *redis.Client, clk clock.Clock, nodeID string, ttl time.Duration) *Elector {
	return &Elector{client: client, clock: clk, nodeID: nodeID, ttl: ttl}
}

// SetCallbacks registers what to run while leader (onElected, cancelled via
// its context when leadership is lost) and on step-down (onLost).
func (e *Elector) SetCallbacks(onElected func(ctx context.Context), onLost func()) {
	e.onElected = onElected
	e.onLost = onLost
}

// IsLeader reports current leadership without touching Redis.
func (e *Elector) IsLeader() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isLeader
}

// Run blocks, attempting to acquire or renew the lease every ttl/3 until ctx
// is cancelled, at which point a held lease is released.
func (e *Elector) Run(ctx context.Context) {
	interval := e.ttl / 3
	minInterval, maxInterval := e.ttl/3, 10*e.ttl

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if e.IsLeader() {
				e.release()
			}
			return
		case <-timer.C:
			var err error
			if e.IsLeader() {
				var renewed bool
				renewed, err = e.renew(ctx)
				if err == nil && !renewed {
					e.stepDown()
				}
			} else {
				var acquired bool
				acquired, err = e.acquire(ctx)
				if err == nil && acquired {
					e.becomeLeader(ctx)
				}
			}

			if err != nil {
				interval *= 2
				if interval > maxInterval {
					interval = maxInterval
				}
				log.Printf("leaderelect: %v, backing off %v", err, interval)
			} else {
				interval = minInterval
			}
			// jitter avoids every replica's renew racing the same instant
			timer.Reset(interval + time.Duration(rand.Intn(250))*time.Millisecond)
		}
	}
}

func (e *Elector) acquire(ctx context.Context) (bool, error) {
	token := uuid.NewString()
	ok, err := e.client.SetNX(ctx, lockKey, token, e.ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		e.mu.Lock()
		e.token = token
		e.mu.Unlock()
	}
	return ok, nil
}

// renew extends the lease only if this node still holds it (value match),
// using a small Lua script so the check-and-extend is atomic.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

func (e *Elector) renew(ctx context.Context) (bool, error) {
	e.mu.RLock()
	token := e.token
	e.mu.RUnlock()

	res, err := renewScript.Run(ctx, e.client, []string{lockKey}, token, e.ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (e *Elector) release() {
	e.mu.RLock()
	token := e.token
	e.mu.RUnlock()
	if token == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := releaseScript.Run(ctx, e.client, []string{lockKey}, token).Err(); err != nil {
		log.Printf("leaderelect: release failed: %v", err)
	}
	e.stepDown()
}

func (e *Elector) becomeLeader(parent context.Context) {
	e.mu.Lock()
	e.isLeader = true
	leaderCtx, cancel := context.WithCancel(parent)
	e.leaderCancel = cancel
	e.mu.Unlock()

	observability.LeaderStatus.Set(1)
	observability.LeadershipTransitions.WithLabelValues(e.nodeID, "acquired").Inc()
	log.Printf("leaderelect: %s acquired dispatcher leadership", e.nodeID)

	if e.onElected != nil {
		go e.onElected(leaderCtx)
	}
}

func (e *Elector) stepDown() {
	e.mu.Lock()
	if !e.isLeader {
		e.mu.Unlock()
		return
	}
	e.isLeader = false
	e.token = ""
	if e.leaderCancel != nil {
		e.leaderCancel()
	}
	e.mu.Unlock()

	observability.LeaderStatus.Set(0)
	observability.LeadershipTransitions.WithLabelValues(e.nodeID, "lost").Inc()
	log.Printf("leaderelect: %s lost dispatcher leadership", e.nodeID)

	if e.onLost != nil {
		e.onLost()
	}
}
