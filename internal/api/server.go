// Package api implements the Query API (spec §4.10/§6): point/list reads
// against SkaldStore/TaskStore and the Store Adapter, plus the two mutating
// task endpoints. Grounded in the teacher's api.go: raw net/http handlers,
// manual path-segment parsing (no router dependency anywhere in the
// corpus), a response-recording wrapper for the idempotency middleware, and
// token-bucket storm protection on the two mutating task endpoints.
package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/jihunglin/skalds/internal/cache"
	"github.com/jihunglin/skalds/internal/clock"
	"github.com/jihunglin/skalds/internal/config"
	"github.com/jihunglin/skalds/internal/eventlog"
	"github.com/jihunglin/skalds/internal/fanout"
	"github.com/jihunglin/skalds/internal/idempotency"
	"github.com/jihunglin/skalds/internal/observability"
	"github.com/jihunglin/skalds/internal/reconciler"
	"github.com/jihunglin/skalds/internal/state"
	"github.com/jihunglin/skalds/internal/store"
	"github.com/jihunglin/skalds/internal/task"
)

// pinger is satisfied by any adapter that can report liveness; cache/store/
// event implementations all added a Ping method for exactly this (spec §6's
// GET /api/system/health).
type pinger interface {
	Ping(ctx context.Context) error
}

// ComponentStatus is one row of GET /api/system/status (spec §6).
type ComponentStatus struct {
	Name    string `json:"name"`
	Running bool   `json:"running"`
	Details string `json:"details,omitempty"`
}

// StatusFunc lets the composition root report which components are running
// under the configured run mode without the API package depending on the
// app package (which would be a cycle: app wires api).
type StatusFunc func() []ComponentStatus

// Server implements the Query API's HTTP surface.
type Server struct {
	store      store.Store
	skaldStore *state.SkaldStore
	taskStore  *state.TaskStore
	reconciler *reconciler.Reconciler
	publisher  eventlog.Publisher
	cache      cache.Cache
	idem       *idempotency.Store
	skaldHub   *fanout.Hub
	taskHub    *fanout.Hub

	cfg       *config.Config
	clock     clock.Clock
	startedAt time.Time
	status    StatusFunc

	statusLimiter *rate.Limiter
	mutateLimiter *rate.Limiter
}

func New(
	st store.Store,
	skaldStore *state.SkaldStore,
	taskStore *state.TaskStore,
	rec *reconciler.Reconciler,
	publisher eventlog.Publisher,
	c cache.Cache,
	idem *idempotency.Store,
	skaldHub, taskHub *fanout.Hub,
	cfg *config.Config,
	clk clock.Clock,
	status StatusFunc,
) *Server {
	return &Server{
		store:      st,
		skaldStore: skaldStore,
		taskStore:  taskStore,
		reconciler: rec,
		publisher:  publisher,
		cache:      c,
		idem:       idem,
		skaldHub:   skaldHub,
		taskHub:    taskHub,
		cfg:        cfg,
		clock:      clk,
		startedAt:  clk.Now(),
		status:     status,

		// Storm protection, same shape as the teacher's heartbeat/reconcile
		// limiters. Only mutateLimiter is consulted (by the two PUT task
		// endpoints); no handler checks statusLimiter, so reads are not
		// rate-limited.
		statusLimiter: rate.NewLimiter(rate.Limit(200), 400),
		mutateLimiter: rate.NewLimiter(rate.Limit(20), 40),
	}
}

// Handler builds the full mux, wrapped in CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.handleRoot)

	mux.HandleFunc("/api/system/health", s.handleHealth)
	mux.HandleFunc("/api/system/status", s.handleStatus)
	mux.HandleFunc("/api/system/dashboard/summary", s.handleDashboardSummary)
	mux.HandleFunc("/api/system/metrics", s.handleMetrics)

	mux.HandleFunc("/api/skalds", s.handleSkaldsList)
	mux.HandleFunc("/api/skalds/summary/statistics", s.handleSkaldStatistics)
	mux.HandleFunc("/api/skalds/", s.handleSkaldByID)

	mux.HandleFunc("/api/tasks", s.handleTasksList)
	mux.HandleFunc("/api/tasks/", s.withIdempotency(s.handleTaskByID))

	mux.HandleFunc("/api/events/skalds", s.skaldHub.ServeHTTP)
	mux.HandleFunc("/api/events/tasks", s.taskHub.ServeHTTP)
	mux.HandleFunc("/api/events/status", s.handleEventsStatus)

	return corsMiddleware(mux)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeError(w, http.StatusNotFound, CodeNotFound, "not found", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"service": "skalds-controller",
		"mode":    string(s.cfg.RunMode),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	services := map[string]string{
		"cache": s.pingStatus(ctx, s.cache),
		"store": s.pingStatus(ctx, s.store),
		"event": s.pingStatus(ctx, s.publisher),
	}

	status := "healthy"
	for _, v := range services {
		if v != "reachable" {
			status = "degraded"
			break
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   status,
		"services": services,
	})
}

func (s *Server) pingStatus(ctx context.Context, v interface{}) string {
	p, ok := v.(pinger)
	if !ok {
		return "unknown"
	}
	if err := p.Ping(ctx); err != nil {
		return "unreachable"
	}
	return "reachable"
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var components []ComponentStatus
	if s.status != nil {
		components = s.status()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"run_mode":   s.cfg.RunMode,
		"uptime":     s.clock.Now().Sub(s.startedAt).String(),
		"components": components,
	})
}

func (s *Server) handleDashboardSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	fleet := s.skaldStore.Snapshot(nil)

	online, offline, nodes, edges := 0, 0, 0, 0
	for _, sk := range fleet {
		if sk.Status == "ONLINE" {
			online++
		} else {
			offline++
		}
		if sk.Kind == "NODE" {
			nodes++
		} else {
			edges++
		}
	}

	taskCounts := map[string]int{}
	for _, st := range []task.Status{
		task.StatusCreated, task.StatusAssigning, task.StatusRunning,
		task.StatusPaused, task.StatusFinished, task.StatusFailed, task.StatusCancelled,
	} {
		_, total, err := s.store.ListTasks(ctx, store.TaskFilter{LifecycleStatus: []task.Status{st}}, 1, 1)
		if err == nil {
			taskCounts[string(st)] = total
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"skalds": map[string]int{
			"online": online, "offline": offline, "nodes": nodes, "edges": edges, "total": len(fleet),
		},
		"tasks": taskCounts,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	fleet := s.skaldStore.Snapshot(nil)
	monitored := s.taskStore.Snapshot()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"fleet_size":       len(fleet),
		"monitored_tasks":  len(monitored),
		"run_mode":         s.cfg.RunMode,
		"dispatch_policy":  s.cfg.DispatchPolicy,
	})
}

func (s *Server) handleEventsStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
	})
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

func splitPath(path, trimPrefix string) []string {
	rest := strings.TrimPrefix(path, trimPrefix)
	rest = strings.Trim(rest, "/")
	if rest == "" {
		return nil
	}
	return strings.Split(rest, "/")
}
