package dispatcher

import (
	"math/rand"
	"sort"

	"github.com/jihunglin/skalds/internal/config"
	"github.com/jihunglin/skalds/internal/skald"
)

// Policy is a pure function of (candidates, assignments made so far this
// tick) — spec §4.8/§9: "model policies as a small sum type... selected at
// startup; swap via configuration only."
type Policy interface {
	Select(candidates []*skald.Skald, assignedThisTick map[string]int) *skald.Skald
}

// NewPolicy constructs the configured policy. RoundRobin carries a cursor
// that must persist across ticks, so it is constructed once and reused.
func NewPolicy(p config.DispatchPolicy) Policy {
	switch p {
	case config.PolicyRoundRobin:
		return &roundRobinPolicy{}
	case config.PolicyRandom:
		return &randomPolicy{}
	default:
		return leastTasksPolicy{}
	}
}

// leastTasksPolicy: argmin over candidates of |current_tasks| +
// assignments_this_tick[candidate]; tie-break on skald id lexicographic.
type leastTasksPolicy struct{}

func (leastTasksPolicy) Select(candidates []*skald.Skald, assignedThisTick map[string]int) *skald.Skald {
	if len(candidates) == 0 {
		return nil
	}
	sorted := append([]*skald.Skald(nil), candidates...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	best := sorted[0]
	bestLoad := len(best.CurrentTasks) + assignedThisTick[best.ID]
	for _, c := range sorted[1:] {
		load := len(c.CurrentTasks) + assignedThisTick[c.ID]
		if load < bestLoad {
			best, bestLoad = c, load
		}
	}
	return best
}

// roundRobinPolicy: cursor persisted across ticks, skips ineligible
// candidates (candidates are pre-filtered to eligible ones by the caller).
type roundRobinPolicy struct {
	cursor int
}

func (p *roundRobinPolicy) Select(candidates []*skald.Skald, _ map[string]int) *skald.Skald {
	if len(candidates) == 0 {
		return nil
	}
	sorted := append([]*skald.Skald(nil), candidates...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	chosen := sorted[p.cursor%len(sorted)]
	p.cursor++
	return chosen
}

// randomPolicy: uniform choice from the standard package-level source
// (acceptable here: this is load balancing, not a security primitive). The
// source is not reseeded per tick.
type randomPolicy struct{}

func (randomPolicy) Select(candidates []*skald.Skald, _ map[string]int) *skald.Skald {
	if len(candidates) == 0 {
		return nil
	}
	return candidates[rand.Intn(len(candidates))]
}
