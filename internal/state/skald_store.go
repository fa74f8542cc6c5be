// Package state holds the two in-memory concurrent maps the whole
// controller reads from: SkaldStore (fleet view) and TaskStore (monitored-
// task view). Every mutation takes the store's write lock (one sync.RWMutex
// per store, not one lock per id), bulk reads use a copy-on-read snapshot,
// and change callbacks feed Event Fanout.
package state

import (
	"sync"

	"github.com/jihunglin/skalds/internal/skald"
)

// SkaldChange describes a SkaldStore mutation delivered to subscribers.
type SkaldChange struct {
	ID      string
	Skald   *skald.Skald // nil on eviction
	Evicted bool
}

// SkaldStore is the authoritative in-memory fleet view, written only by the
// Skald Monitor and read by the Dispatcher, Reconciler, Event Fanout, and
// Query API.
type SkaldStore struct {
	mu   sync.RWMutex
	byID map[string]*skald.Skald

	subMu sync.Mutex
	subs  map[int]func(SkaldChange)
	nextSub int
}

// NewSkaldStore returns an empty store.
func NewSkaldStore() *SkaldStore {
	return &SkaldStore{
		byID: make(map[string]*skald.Skald),
		subs: make(map[int]func(SkaldChange)),
	}
}

// Put replaces the record for rec.ID, the whole-record-replacement path a
// monitor cycle uses.
func (s *SkaldStore) Put(rec *skald.Skald) {
	s.mu.Lock()
	s.byID[rec.ID] = rec
	s.mu.Unlock()
	s.notify(SkaldChange{ID: rec.ID, Skald: rec.Clone()})
}

// Evict removes id, used when a skald drops out of the registry for longer
// than skald_evict_threshold.
func (s *SkaldStore) Evict(id string) {
	s.mu.Lock()
	_, existed := s.byID[id]
	delete(s.byID, id)
	s.mu.Unlock()
	if existed {
		s.notify(SkaldChange{ID: id, Evicted: true})
	}
}

// Get returns a snapshot copy, or nil if absent.
func (s *SkaldStore) Get(id string) *skald.Skald {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byID[id]
	if !ok {
		return nil
	}
	return rec.Clone()
}

// Snapshot returns a copy-on-read snapshot of every record, optionally
// filtered by kind/status via the predicate (nil predicate = all).
func (s *SkaldStore) Snapshot(filter func(*skald.Skald) bool) []*skald.Skald {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*skald.Skald, 0, len(s.byID))
	for _, rec := range s.byID {
		if filter == nil || filter(rec) {
			out = append(out, rec.Clone())
		}
	}
	return out
}

// IDs returns every known id without cloning the records.
func (s *SkaldStore) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.byID))
	for id := range s.byID {
		out = append(out, id)
	}
	return out
}

// Subscribe registers cb to fire on every Put/Evict; it returns an unsubscribe
// func. This is the hook Event Fanout attaches to (teacher's register/
// unregister hub pattern, generalized from websocket clients to callbacks).
func (s *SkaldStore) Subscribe(cb func(SkaldChange)) (unsubscribe func()) {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = cb
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *SkaldStore) notify(c SkaldChange) {
	s.subMu.Lock()
	cbs := make([]func(SkaldChange), 0, len(s.subs))
	for _, cb := range s.subs {
		cbs = append(cbs, cb)
	}
	s.subMu.Unlock()
	for _, cb := range cbs {
		cb(c)
	}
}
