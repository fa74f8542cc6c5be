// Package fanout implements Event Fanout (spec §4.9): Server-Sent Events
// streams over SkaldStore/TaskStore changes, plus a secondary debug
// WebSocket broadcast adapted from the teacher's MetricsHub. Grounded in
// ws_hub.go's register/unregister/broadcast channel shape, generalized from
// a single periodic metrics snapshot to arbitrary change-driven events.
package fanout

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/jihunglin/skalds/internal/clock"
	"github.com/jihunglin/skalds/internal/observability"
	"github.com/jihunglin/skalds/internal/state"
)

// Config holds the SSE stream's keep-alive cadence and backpressure limit
// (spec §4.9/§9).
type Config struct {
	KeepAlive       time.Duration
	BackpressureHigh int
}

// Hub serves one SSE stream kind (skalds or tasks). It subscribes to a
// store's change callback and fans each change out to every connected
// client's buffered channel; a client whose buffer fills (spec's
// "slow_consumer") is disconnected rather than blocking the publisher.
type Hub struct {
	name  string
	clock clock.Clock
	cfg   Config

	mu      sync.Mutex
	clients map[chan []byte]struct{}
}

func newHub(name string, clk clock.Clock, cfg Config) *Hub {
	return &Hub{name: name, clock: clk, cfg: cfg, clients: make(map[chan []byte]struct{})}
}

// NewSkaldHub wires an SSE hub to SkaldStore change notifications.
func NewSkaldHub(store *state.SkaldStore, clk clock.Clock, cfg Config) *Hub {
	h := newHub("skalds", clk, cfg)
	store.Subscribe(func(c state.SkaldChange) {
		h.broadcast(map[string]interface{}{
			"id":      c.ID,
			"evicted": c.Evicted,
			"skald":   c.Skald,
		})
	})
	return h
}

// NewTaskHub wires an SSE hub to TaskStore change notifications.
func NewTaskHub(store *state.TaskStore, clk clock.Clock, cfg Config) *Hub {
	h := newHub("tasks", clk, cfg)
	store.Subscribe(func(c state.TaskChange) {
		h.broadcast(map[string]interface{}{
			"id":      c.ID,
			"removed": c.Removed,
			"task":    c.Task,
		})
	})
	return h
}

func (h *Hub) broadcast(event interface{}) {
	body, err := json.Marshal(event)
	if err != nil {
		log.Printf("fanout: marshal %s event: %v", h.name, err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- body:
		default:
			// buffer full: this client is the slow consumer, drop it here
			// rather than block every other subscriber on it.
			delete(h.clients, ch)
			close(ch)
			observability.SSESlowConsumerDrops.WithLabelValues(h.name).Inc()
		}
	}
}

// ServeHTTP streams events as text/event-stream until the client disconnects
// or ctx is cancelled, with a periodic keep-alive comment line to detect
// dead connections through intermediate proxies.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	buf := h.cfg.BackpressureHigh
	if buf <= 0 {
		buf = 256
	}
	ch := make(chan []byte, buf)

	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	observability.ConnectedSSEClients.WithLabelValues(h.name).Inc()

	defer func() {
		h.mu.Lock()
		if _, ok := h.clients[ch]; ok {
			delete(h.clients, ch)
			close(ch)
		}
		h.mu.Unlock()
		observability.ConnectedSSEClients.WithLabelValues(h.name).Dec()
	}()

	keepAlive := h.cfg.KeepAlive
	if keepAlive <= 0 {
		keepAlive = 15 * time.Second
	}
	ticker := h.clock.NewTicker(keepAlive)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case body, ok := <-ch:
			if !ok {
				return // evicted as a slow consumer
			}
			fmt.Fprintf(w, "data: %s\n\n", body)
			flusher.Flush()
		case <-ticker.C():
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		}
	}
}
