// Package dispatcher implements the Dispatcher (spec §4.8): it pulls
// dispatchable tasks, picks an eligible skald per the configured policy, and
// performs the CAS status(ASSIGNING) -> update_executor -> publish(task.assign)
// sequence. Grounded in the teacher's scheduler package for the admission
// circuit breaker and per-key rate limiting, generalized from worker-pool
// admission to skald-assignment admission.
package dispatcher

import (
	"context"
	"log"
	"strconv"
	"time"

	"github.com/jihunglin/skalds/internal/clock"
	"github.com/jihunglin/skalds/internal/config"
	"github.com/jihunglin/skalds/internal/eventlog"
	"github.com/jihunglin/skalds/internal/observability"
	"github.com/jihunglin/skalds/internal/skald"
	"github.com/jihunglin/skalds/internal/state"
	"github.com/jihunglin/skalds/internal/store"
	"github.com/jihunglin/skalds/internal/task"
)

// initiatorID identifies this component as the event producer (spec §6's
// task.assign "initiator" field).
const initiatorID = "dispatcher"

// Config holds the Dispatcher's tick interval and admission tuning.
type Config struct {
	Interval           time.Duration
	Policy             config.DispatchPolicy
	CircuitFailureN    int           // consecutive publish failures before opening
	CircuitCooldown    time.Duration
	PerSkaldRatePerSec float64
	PerSkaldBurst      int
}

// Dispatcher assigns CREATED/PAUSED-eligible tasks to candidate skalds.
type Dispatcher struct {
	store      store.Store
	skaldStore *state.SkaldStore
	publisher  eventlog.Publisher
	clock      clock.Clock
	cfg        Config

	policy  Policy
	breaker *circuitBreaker
	limiter *perSkaldLimiter
}

func New(st store.Store, skaldStore *state.SkaldStore, publisher eventlog.Publisher, clk clock.Clock, cfg Config) *Dispatcher {
	return &Dispatcher{
		store:      st,
		skaldStore: skaldStore,
		publisher:  publisher,
		clock:      clk,
		cfg:        cfg,
		policy:     NewPolicy(cfg.Policy),
		breaker:    newCircuitBreaker(clk, cfg.CircuitFailureN, cfg.CircuitCooldown),
		limiter:    newPerSkaldLimiter(cfg.PerSkaldRatePerSec, cfg.PerSkaldBurst),
	}
}

// Run blocks, executing a tick every Interval until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := d.clock.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			d.Tick(ctx)
		}
	}
}

// Tick executes one full dispatch pass (spec §4.8 steps 1-4). It is exported
// so tests can drive ticks deterministically without waiting on a ticker.
func (d *Dispatcher) Tick(ctx context.Context) {
	start := d.clock.Now()
	defer func() {
		observability.DispatchLoopDuration.Observe(d.clock.Now().Sub(start).Seconds())
	}()

	if !d.breaker.allow() {
		observability.DispatchDecisions.WithLabelValues("circuit_open").Inc()
		return
	}

	tasks, err := d.store.ListDispatchableTasks(ctx)
	if err != nil {
		log.Printf("dispatcher: list dispatchable tasks: %v", err)
		return
	}
	if len(tasks) == 0 {
		return
	}

	fleet := d.skaldStore.Snapshot(func(s *skald.Skald) bool {
		return s.Kind == skald.KindNode && s.Status == skald.StatusOnline
	})

	assignedThisTick := make(map[string]int)

	for _, t := range tasks {
		candidates := make([]*skald.Skald, 0, len(fleet))
		for _, s := range fleet {
			if s.Supports(t.ClassName) && d.limiter.allow(s.ID) {
				candidates = append(candidates, s)
			}
		}
		if len(candidates) == 0 {
			observability.DispatchDecisions.WithLabelValues("no_candidate").Inc()
			continue
		}

		chosen := d.policy.Select(candidates, assignedThisTick)
		if chosen == nil {
			continue
		}

		d.assign(ctx, t.ID, chosen.ID)
		assignedThisTick[chosen.ID]++
	}
}

// assign performs the ordered triple from spec §4.8 step 4. The CAS status
// transition runs first, not update_executor, so that "if the CAS is lost,
// update_executor and publish must not occur" holds by construction rather
// than requiring a rollback of an executor write that already landed.
func (d *Dispatcher) assign(ctx context.Context, taskID, skaldID string) {
	if err := d.store.UpdateLifecycleStatus(ctx, taskID, task.StatusAssigning); err != nil {
		if err == store.ErrCASLost {
			observability.DispatchDecisions.WithLabelValues("cas_lost").Inc()
			return
		}
		log.Printf("dispatcher: CAS %s -> ASSIGNING failed: %v", taskID, err)
		observability.DispatchDecisions.WithLabelValues("error").Inc()
		return
	}

	if err := d.store.UpdateExecutor(ctx, taskID, &skaldID); err != nil {
		log.Printf("dispatcher: update_executor %s -> %s failed: %v", taskID, skaldID, err)
		observability.DispatchDecisions.WithLabelValues("error").Inc()
		return
	}

	now := d.clock.Now()
	payload := eventlog.AssignPayload{
		TaskIDs:        []string{taskID},
		Recipient:      skaldID,
		Initiator:      initiatorID,
		CreateDateTime: formatMillis(now),
		UpdateDateTime: formatMillis(now),
	}

	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err := d.publisher.Publish(pubCtx, eventlog.TopicTaskAssign, taskID, payload)
	cancel()

	if err != nil {
		d.breaker.recordFailure()
		observability.EventPublishFailures.WithLabelValues(eventlog.TopicTaskAssign, "dispatcher_assign").Inc()
		observability.DispatchDecisions.WithLabelValues("publish_failed").Inc()
		log.Printf("dispatcher: assign event publish failed for %s: %v", taskID, err)
		return
	}

	d.breaker.recordSuccess()
	observability.DispatchDecisions.WithLabelValues("assigned").Inc()
}

func formatMillis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
