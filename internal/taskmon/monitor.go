// Package taskmon implements the Task Monitor (spec §4.6): it rebuilds
// TaskStore for every ASSIGNING/RUNNING task, derives stuck-window
// observations for the Reconciler, and scans for orphaned worker claims.
package taskmon

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
	"github.com/jihunglin/skalds/internal/eventlog"
	"github.com/jihunglin/skalds/internal/state"
	"github.com/jihunglin/skalds/internal/store"
	"github.com/jihunglin/skalds/internal/task"
)

// Observation is the tuple the Task Monitor hands the Reconciler each time
// a monitored task is refreshed (spec §4.6 step 4).
type Observation struct {
	TaskID           string
	PrevStatus       task.Status
	Heartbeat        int
	HistorySaturated bool
	Error            string
	Exception        string
	ExecutorOnline   bool
}

// Observer consumes Observations; Reconciler implements this.
type Observer interface {
	Observe(ctx context.Context, obs Observation)
}

// Config holds the thresholds spec §4.6/§9 name.
type Config struct {
	SyncInterval         time.Duration
	StuckWindow          int
	OrphanCancelInterval time.Duration
}

// Monitor periodically synthesizes TaskStore and feeds the Reconciler.
type Monitor struct {
	cache     cache.Cache
	store     store.Store
	taskStore *state.TaskStore
	skaldStore *state.SkaldStore
	publisher eventlog.Publisher
	observer  Observer
	clock     clock.Clock
	cfg       Config

	mu        sync.Mutex
	history   map[string][]int   // per-task heartbeat ring
	orphanHit map[string]time.Time // (skaldID|taskID) -> last cancel emitted

	sg singleflight.Group
}

func New(c cache.Cache, st store.Store, taskStore *state.TaskStore, skaldStore *state.SkaldStore,
	publisher eventlog.Publisher, observer Observer, clk clock.Clock, cfg Config) *Monitor {
	return &Monitor{
		cache:      c,
		store:      st,
		taskStore:  taskStore,
		skaldStore: skaldStore,
		publisher:  publisher,
		observer:   observer,
		clock:      clk,
		cfg:        cfg,
		history:    make(map[string][]int),
		orphanHit:  make(map[string]time.Time),
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
				log.Printf("taskmon: cycle failed, skipping: %v", err)
			}
		}
	}
}

// RunCycle executes one full algorithm pass (spec §4.6 steps 1-5). A
// manually triggered refresh racing the ticker collapses into whichever
// pass is already in flight via singleflight, rather than scanning the
// store twice concurrently.
func (m *Monitor) RunCycle(ctx context.Context) error {
	_, err, _ := m.sg.Do("cycle", func() (interface{}, error) {
		return nil, m.runCycle(ctx)
	})
	return err
}

func (m *Monitor) runCycle(ctx context.Context) error {
	monitored, err := m.store.ListMonitoredTasks(ctx)
	if err != nil {
		return err
	}

	monitoredIDs := make(map[string]struct{}, len(monitored))
	for _, t := range monitored {
		monitoredIDs[t.ID] = struct{}{}
		m.refreshTask(ctx, t)
	}

	// Drop tasks that left the monitored set (terminal or demoted) from the
	// live view.
	for _, prev := range m.taskStore.Snapshot() {
		if _, ok := monitoredIDs[prev.ID]; !ok {
			m.taskStore.Remove(prev.ID)
		}
	}

	m.scanOrphans(ctx, monitoredIDs)
	return nil
}

func (m *Monitor) refreshTask(ctx context.Context, t *task.Task) {
	hb := t.Heartbeat
	if hbStr, err := m.cache.GetString(ctx, cache.KeyTaskHeartbeat(t.ID)); err == nil {
		if parsed, perr := strconv.Atoi(hbStr); perr == nil {
			hb = parsed
		}
	} else if !errors.Is(err, cache.ErrMissing) {
		log.Printf("taskmon: read heartbeat %s: %v", t.ID, err)
	}

	errStr, err := m.cache.GetString(ctx, cache.KeyTaskHasError(t.ID))
	if err != nil && !errors.Is(err, cache.ErrMissing) {
		log.Printf("taskmon: read has-error %s: %v", t.ID, err)
	}
	exception, err := m.cache.GetString(ctx, cache.KeyTaskException(t.ID))
	if err != nil && !errors.Is(err, cache.ErrMissing) {
		log.Printf("taskmon: read exception %s: %v", t.ID, err)
	}

	t.Heartbeat = hb
	t.Error = errStr
	t.Exception = exception
	m.taskStore.Put(t)

	saturated := m.pushHistory(t.ID, hb)

	online := true
	if t.Executor != nil {
		if rec := m.skaldStore.Get(*t.Executor); rec == nil || rec.Status != "ONLINE" {
			online = false
		}
	}

	m.observer.Observe(ctx, Observation{
		TaskID:           t.ID,
		PrevStatus:       t.LifecycleStatus,
		Heartbeat:        hb,
		HistorySaturated: saturated,
		Error:            errStr,
		Exception:        exception,
		ExecutorOnline:   online,
	})
}

func (m *Monitor) pushHistory(taskID string, hb int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	ring := append(m.history[taskID], hb)
	if over := len(ring) - m.cfg.StuckWindow; over > 0 {
		ring = ring[over:]
	}
	m.history[taskID] = ring

	if len(ring) < m.cfg.StuckWindow {
		return false
	}
	first := ring[0]
	for _, v := range ring[1:] {
		if v != first {
			return false
		}
	}
	return true
}

// scanOrphans implements spec §4.6 step 5: a skald claims a task id in its
// current_tasks that is no longer in the monitored set, so the controller
// asks it to release the ghost worker.
func (m *Monitor) scanOrphans(ctx context.Context, monitoredIDs map[string]struct{}) {
	now := m.clock.Now()
	for _, rec := range m.skaldStore.Snapshot(nil) {
		for taskID := range rec.CurrentTasks {
			if _, ok := monitoredIDs[taskID]; ok {
				continue
			}

			pairKey := rec.ID + "|" + taskID
			m.mu.Lock()
			last, seen := m.orphanHit[pairKey]
			rateLimited := seen && now.Sub(last) < m.cfg.OrphanCancelInterval
			if !rateLimited {
				m.orphanHit[pairKey] = now
			}
			m.mu.Unlock()

			if rateLimited {
				continue
			}

			payload := eventlog.CancelPayload{
				TaskIDs:        []string{taskID},
				CreateDateTime: formatMillis(now),
				UpdateDateTime: formatMillis(now),
			}
			if err := m.publisher.Publish(ctx, eventlog.TopicTaskCancel, taskID, payload); err != nil {
				log.Printf("taskmon: orphan cancel publish failed for %s: %v", taskID, err)
			}
		}
	}
}

func formatMillis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
