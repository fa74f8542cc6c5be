// Package skaldmon implements the Skald Monitor (spec §4.5): it rebuilds
// SkaldStore from the cache on a fixed interval, grounded in the teacher's
// ticker-driven liveness loop (coordination/agent_monitor.go).
package skaldmon

import (
	"context"
	"errors"
	"log"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jihunglin/skalds/internal/cache"
	"github.com/jihunglin/skalds/internal/clock"
	"github.com/jihunglin/skalds/internal/skald"
	"github.com/jihunglin/skalds/internal/state"
)

// Config holds the thresholds spec §3/§4.5/§9 name.
type Config struct {
	SyncInterval   time.Duration
	StaleThreshold time.Duration
	EvictThreshold time.Duration
	StuckWindow    int
}

// Monitor periodically synthesizes SkaldStore from the cache.
type Monitor struct {
	cache cache.Cache
	store *state.SkaldStore
	clock clock.Clock
	cfg   Config

	mu             sync.Mutex
	lastSeenInRegistry map[string]time.Time // last cycle each id appeared in skalds:hash

	sg singleflight.Group
}

// New constructs a Monitor. cfg.SyncInterval/StaleThreshold/etc. must already
// be positive (config.Load validates the process-wide defaults).
func New(c cache.Cache, store *state.SkaldStore, clk clock.Clock, cfg Config) *Monitor {
	return &Monitor{
		cache:              c,
		store:              store,
		clock:              clk,
		cfg:                cfg,
		lastSeenInRegistry: make(map[string]time.Time),
	}
}

// Run blocks, executing a cycle every SyncInterval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := m.clock.NewTicker(m.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if err := m.RunCycle(ctx); err != nil {
				log.Printf("skaldmon: cycle failed, skipping: %v", err)
			}
		}
	}
}

// RunCycle executes one full algorithm pass (spec §4.5 steps 1-5). It is
// exported so tests can drive cycles deterministically without waiting on
// a ticker. Concurrent callers (the ticker loop racing a manually triggered
// refresh) collapse into a single in-flight pass via singleflight, so a slow
// cache scan is never run twice at once.
func (m *Monitor) RunCycle(ctx context.Context) error {
	_, err, _ := m.sg.Do("cycle", func() (interface{}, error) {
		return nil, m.runCycle(ctx)
	})
	return err
}

func (m *Monitor) runCycle(ctx context.Context) error {
	now := m.clock.Now()

	registry, err := m.cache.GetAllHashFields(ctx, cache.KeySkaldsHash)
	if err != nil && !errors.Is(err, cache.ErrMissing) {
		return err
	}
	modes, err := m.cache.GetAllHashFields(ctx, cache.KeySkaldsModeHash)
	if err != nil && !errors.Is(err, cache.ErrMissing) {
		return err
	}

	seen := make(map[string]struct{}, len(registry))
	for id, lastActiveStr := range registry {
		seen[id] = struct{}{}

		lastActive, perr := parseUnixMillis(lastActiveStr)
		if perr != nil {
			log.Printf("skaldmon: bad last-active for %s: %v", id, perr)
			continue
		}

		m.mu.Lock()
		m.lastSeenInRegistry[id] = now
		m.mu.Unlock()

		rec := m.store.Get(id)
		if rec == nil {
			rec = &skald.Skald{
				ID:                 id,
				SupportedTaskTypes: map[string]struct{}{},
				CurrentTasks:       map[string]struct{}{},
			}
		}
		rec.LastActive = lastActive
		if kind, ok := modes[id]; ok {
			rec.Kind = skald.Kind(kind)
		}

		// Eagerly mark OFFLINE on stale last-active without further I/O.
		if now.Sub(lastActive) > m.cfg.StaleThreshold {
			rec.Status = skald.StatusOffline
			m.store.Put(rec)
			continue
		}

		if err := m.refreshLiveSkald(ctx, rec); err != nil {
			log.Printf("skaldmon: refresh %s failed: %v", id, err)
			continue
		}

		rec.Status = rec.DeriveStatus(now, m.cfg.StaleThreshold, m.cfg.StuckWindow)
		m.store.Put(rec)
	}

	m.evictStale(now, seen)
	return nil
}

func (m *Monitor) refreshLiveSkald(ctx context.Context, rec *skald.Skald) error {
	hbStr, err := m.cache.GetString(ctx, cache.KeySkaldHeartbeat(rec.ID))
	switch {
	case errors.Is(err, cache.ErrMissing):
		// no heartbeat sample yet this cycle; leave ring untouched
	case err != nil:
		return err
	default:
		hb, perr := strconv.Atoi(hbStr)
		if perr != nil {
			return perr
		}
		rec.PushHeartbeat(hb, m.cfg.StuckWindow)
	}

	classes, err := m.cache.ReadList(ctx, cache.KeySkaldAllowedClasses(rec.ID), 0, -1)
	if err != nil && !errors.Is(err, cache.ErrMissing) {
		return err
	}
	rec.SupportedTaskTypes = toSet(classes)

	tasks, err := m.cache.ReadList(ctx, cache.KeySkaldAllTasks(rec.ID), 0, -1)
	if err != nil && !errors.Is(err, cache.ErrMissing) {
		return err
	}
	rec.CurrentTasks = toSet(tasks)

	return nil
}

// evictStale drops records absent from the registry for longer than
// EvictThreshold (spec §4.5 step 5).
func (m *Monitor) evictStale(now time.Time, seen map[string]struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, lastSeen := range m.lastSeenInRegistry {
		if _, stillPresent := seen[id]; stillPresent {
			continue
		}
		if now.Sub(lastSeen) > m.cfg.EvictThreshold {
			m.store.Evict(id)
			delete(m.lastSeenInRegistry, id)
		}
	}
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, it := range items {
		set[it] = struct{}{}
	}
	return set
}

func parseUnixMillis(s string) (time.Time, error) {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}
