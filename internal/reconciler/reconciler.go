// Package reconciler implements the Reconciler (spec §4.7): a decision
// function over Task Monitor observations, plus a thin side-effecting shell
// that writes the store and emits cancellation events. Shape grounded in
// the teacher's reconciler.go: per-entity exclusivity lock, CAS-aware
// writes where a lost race is treated as success, async non-blocking event
// emission.
package reconciler

import (
	"context"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/jihunglin/skalds/internal/clock"
	"github.com/jihunglin/skalds/internal/eventlog"
	"github.com/jihunglin/skalds/internal/observability"
	"github.com/jihunglin/skalds/internal/state"
	"github.com/jihunglin/skalds/internal/store"
	"github.com/jihunglin/skalds/internal/task"
	"github.com/jihunglin/skalds/internal/taskmon"
)

// Decide is the pure core: spec §4.7's rules applied to one observation. It
// returns the zero value ("", "") when no transition is warranted.
func Decide(obs taskmon.Observation) (to task.Status, reason task.FailureReason) {
	switch {
	case obs.Heartbeat == task.HeartbeatFinished:
		return task.StatusFinished, ""
	case obs.Heartbeat == task.HeartbeatException:
		return task.StatusFailed, task.ReasonException
	case obs.Heartbeat == task.HeartbeatVoluntaryCancel:
		return task.StatusCancelled, ""
	case obs.HistorySaturated && obs.Heartbeat >= 0 && obs.Heartbeat <= task.HeartbeatProgressMax:
		return task.StatusFailed, task.ReasonStuck
	case (obs.PrevStatus == task.StatusAssigning || obs.PrevStatus == task.StatusRunning) && !obs.ExecutorOnline:
		return task.StatusFailed, task.ReasonExecutorOffline
	default:
		return "", ""
	}
}

// Config holds the assignment-timeout sweep interval/threshold (spec §7).
type Config struct {
	AssignmentTimeout time.Duration
	SweepInterval     time.Duration
}

// Reconciler applies Decide's output to the store and event log.
type Reconciler struct {
	store     store.Store
	taskStore *state.TaskStore
	publisher eventlog.Publisher
	clock     clock.Clock
	cfg       Config

	mu     sync.Mutex
	active map[string]bool // per-task exclusivity lock
}

func New(st store.Store, taskStore *state.TaskStore, publisher eventlog.Publisher, clk clock.Clock, cfg Config) *Reconciler {
	return &Reconciler{
		store:     st,
		taskStore: taskStore,
		publisher: publisher,
		clock:     clk,
		cfg:       cfg,
		active:    make(map[string]bool),
	}
}

// Observe implements taskmon.Observer. It runs synchronously under a
// per-task exclusivity lock; the Task Monitor calls this inline per task,
// so the lock only ever contends with a concurrent external cancel via the
// API or the assignment-timeout sweep, never with itself. An observation
// arriving while the lock is held is dropped.
func (r *Reconciler) Observe(ctx context.Context, obs taskmon.Observation) {
	if !r.acquire(obs.TaskID) {
		return
	}
	defer r.release(obs.TaskID)

	to, reason := Decide(obs)
	if to == "" {
		return
	}

	if err := r.store.UpdateLifecycleStatus(ctx, obs.TaskID, to); err != nil {
		if err == store.ErrCASLost {
			log.Printf("reconciler: CAS lost for %s -> %s (treated as success): %v", obs.TaskID, to, reason)
			return
		}
		log.Printf("reconciler: update lifecycle status %s -> %s failed: %v", obs.TaskID, to, err)
		return
	}

	log.Printf("reconciler: %s %s -> %s (%s)", obs.TaskID, obs.PrevStatus, to, reason)
}

// CancelExternally implements the API-driven path (spec §4.7: "On external
// CANCELLED update through the API, the Reconciler also produces a
// task.cancel event"). If the task was already terminal the CAS loss is
// swallowed and it returns nil without emitting an event (an idempotent
// no-op, spec §8 property 7); store.ErrNotFound is returned for an unknown id.
func (r *Reconciler) CancelExternally(ctx context.Context, taskID string) error {
	if !r.acquire(taskID) {
		return nil
	}
	defer r.release(taskID)

	err := r.store.UpdateLifecycleStatus(ctx, taskID, task.StatusCancelled)
	if err == store.ErrCASLost {
		return nil // already terminal: idempotent no-op
	}
	if err != nil {
		return err
	}

	now := r.clock.Now()
	payload := eventlog.CancelPayload{
		TaskIDs:        []string{taskID},
		CreateDateTime: formatMillis(now),
		UpdateDateTime: formatMillis(now),
	}
	// Best-effort, non-blocking: a failed publish never reverts the status
	// transition that already landed.
	go func() {
		pubCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.publisher.Publish(pubCtx, eventlog.TopicTaskCancel, taskID, payload); err != nil {
			observability.EventPublishFailures.WithLabelValues(eventlog.TopicTaskCancel, "reconciler_cancel").Inc()
			log.Printf("reconciler: cancel event publish failed for %s: %v", taskID, err)
		}
	}()
	return nil
}

// RunAssignmentTimeoutSweep blocks, demoting stuck ASSIGNING tasks back to
// CREATED every SweepInterval (spec §7's compensation for a CAS-succeeded-
// publish-failed dispatch or an executor crash mid-handoff).
func (r *Reconciler) RunAssignmentTimeoutSweep(ctx context.Context) {
	ticker := r.clock.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			r.sweepOnce(ctx)
		}
	}
}

func (r *Reconciler) sweepOnce(ctx context.Context) {
	now := r.clock.Now()
	for _, t := range r.taskStore.Snapshot() {
		if t.LifecycleStatus != task.StatusAssigning {
			continue
		}
		if now.Sub(t.UpdatedAt) <= r.cfg.AssignmentTimeout {
			continue
		}
		if !r.acquire(t.ID) {
			continue
		}
		r.demote(ctx, t.ID)
		r.release(t.ID)
	}
}

func (r *Reconciler) demote(ctx context.Context, taskID string) {
	if err := r.store.UpdateLifecycleStatus(ctx, taskID, task.StatusCreated); err != nil {
		if err != store.ErrCASLost {
			log.Printf("reconciler: assignment-timeout demote %s failed: %v", taskID, err)
		}
		return
	}
	if err := r.store.UpdateExecutor(ctx, taskID, nil); err != nil {
		log.Printf("reconciler: clear executor for %s after demote failed: %v", taskID, err)
	}
	observability.TaskTimeouts.WithLabelValues(taskID, "assigning", "assignment_timeout").Inc()
	log.Printf("reconciler: %s demoted ASSIGNING -> CREATED (assignment timeout)", taskID)
}

func (r *Reconciler) acquire(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active[taskID] {
		return false
	}
	r.active[taskID] = true
	return true
}

func (r *Reconciler) release(taskID string) {
	r.mu.Lock()
	delete(r.active, taskID)
	r.mu.Unlock()
}

func formatMillis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
