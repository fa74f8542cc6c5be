// Package observability defines the controller's Prometheus metrics,
// grouped by component in the same promauto style as the teacher's
// observability/metrics.go.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// --- Skald Monitor ---

	SkaldsOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "skalds_fleet_online",
		Help: "Current number of ONLINE skalds",
	})

	SkaldsOffline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "skalds_fleet_offline",
		Help: "Current number of OFFLINE skalds",
	})

	SkaldEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "skalds_fleet_evictions_total",
		Help: "Total number of skalds evicted from SkaldStore for exceeding the eviction threshold",
	})

	// --- Task Monitor ---

	MonitoredTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "skalds_monitored_tasks",
		Help: "Current number of tasks in ASSIGNING or RUNNING tracked by TaskStore",
	})

	OrphanCancellations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "skalds_orphan_cancellations_total",
		Help: "Total number of task.cancel events emitted for orphaned skald task claims",
	})

	// --- Reconciler ---

	ReconcilerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skalds_reconciler_transitions_total",
		Help: "Total number of lifecycle transitions applied by the reconciler",
	}, []string{"to", "reason"})

	TaskTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skalds_task_assignment_timeouts_total",
		Help: "Tasks demoted from ASSIGNING back to CREATED after assignment_timeout elapsed with no heartbeat",
	}, []string{"task_id", "phase", "timeout_reason"})

	EventPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skalds_event_publish_failures_total",
		Help: "Failed event publish attempts (non-blocking, best-effort)",
	}, []string{"topic", "path"})

	// --- Dispatcher ---

	DispatchDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skalds_dispatch_decisions_total",
		Help: "Total number of dispatch decisions made, by outcome",
	}, []string{"outcome"}) // assigned, no_candidate, cas_lost, circuit_open, publish_failed, error

	DispatchCircuitState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "skalds_dispatch_circuit_state",
		Help: "Dispatcher admission circuit breaker state (0=closed, 1=half_open, 2=open)",
	})

	DispatchLoopDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "skalds_dispatch_loop_duration_seconds",
		Help:    "Duration of one dispatcher tick",
		Buckets: prometheus.DefBuckets,
	})

	// --- Query API / Event Fanout ---

	APIRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skalds_api_rate_limited_total",
		Help: "API requests rejected by rate limiter (storm protection)",
	}, []string{"endpoint"})

	ConnectedSSEClients = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "skalds_sse_connected_clients",
		Help: "Current number of connected SSE clients",
	}, []string{"stream"})

	SSESlowConsumerDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skalds_sse_slow_consumer_drops_total",
		Help: "SSE client connections closed for exceeding the backpressure buffer limit",
	}, []string{"stream"})

	CacheLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "skalds_cache_roundtrip_latency_seconds",
		Help:    "Cache adapter operation latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
	})

	StoreLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "skalds_store_roundtrip_latency_seconds",
		Help:    "Store adapter operation latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
	})

	LeaderStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "skalds_dispatcher_leader_status",
		Help: "1 if this process currently holds the dispatcher leader lease, 0 otherwise",
	})

	LeadershipTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skalds_dispatcher_leadership_transitions_total",
		Help: "Leader lease acquisitions and losses, by node id and outcome",
	}, []string{"node_id", "outcome"})
)
