// Package idempotency implements the Idempotency-Key support for the two
// mutating task endpoints (spec §8 property 7: "retrying a status/attachment
// update with the same key never double-applies"). Adapted from the
// teacher's idempotency/store.go, generalized from a standalone Redis
// backend to the shared cache.Cache adapter, with the same in-memory
// fallback for cache-outage resilience.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/jihunglin/skalds/internal/cache"
)

// Response is the replayed HTTP response for a repeated request.
type Response struct {
	StatusCode int                 `json:"status_code"`
	Body       json.RawMessage     `json:"body"`
	Headers    map[string][]string `json:"headers,omitempty"`
}

type entry struct {
	Resp      Response  `json:"resp"`
	Timestamp time.Time `json:"timestamp"`
}

// memEntry is the in-memory fallback's record, kept separate from entry so
// the fallback doesn't depend on JSON round-tripping.
type memEntry struct {
	resp      Response
	timestamp time.Time
}

const ttl = 24 * time.Hour
const memoryTTL = 1 * time.Hour

// Store records idempotency keys -> first-attempt responses. It prefers the
// shared Cache adapter and falls back to an in-process map on cache errors,
// so an idempotency-key replay never hard-fails a request the cache can't
// currently serve.
type Store struct {
	backend cache.Cache
	mem     sync.Map // key -> memEntry
}

func New(backend cache.Cache) *Store {
	return &Store{backend: backend}
}

// Get returns the recorded response for key, if any.
func (s *Store) Get(ctx context.Context, key string) (Response, bool) {
	val, err := s.backend.GetString(ctx, cacheKey(key))
	switch {
	case err == nil:
		var e entry
		if uerr := json.Unmarshal([]byte(val), &e); uerr != nil {
			log.Printf("idempotency: corrupt entry for %s: %v", key, uerr)
			break
		}
		return e.Resp, true
	case errors.Is(err, cache.ErrMissing):
		// fall through to memory fallback
	default:
		log.Printf("idempotency: cache read failed for %s, falling back to memory: %v", key, err)
	}

	if v, ok := s.mem.Load(key); ok {
		me := v.(memEntry)
		if time.Since(me.timestamp) <= memoryTTL {
			return me.resp, true
		}
		s.mem.Delete(key)
	}
	return Response{}, false
}

// Put records resp as the canonical response for key.
func (s *Store) Put(ctx context.Context, key string, resp Response) {
	e := entry{Resp: resp, Timestamp: time.Now()}
	raw, err := json.Marshal(e)
	if err == nil {
		if err := s.backend.SetString(ctx, cacheKey(key), string(raw), ttl); err != nil {
			log.Printf("idempotency: cache write failed for %s, keeping memory fallback: %v", key, err)
		}
	}
	s.mem.Store(key, memEntry{resp: resp, timestamp: e.Timestamp})
}

func cacheKey(key string) string {
	return "idempotency:" + key
}
