package task

// transitions enumerates every edge of the state machine in spec §3. It is
// consulted by the Store Adapter's compare-and-set (via AllowedFrom).
var transitions = map[Status]map[Status]bool{
	StatusCreated: {
		StatusAssigning: true,
		StatusCancelled: true,
	},
	StatusAssigning: {
		StatusRunning:   true,
		StatusFailed:    true, // exception/stuck heartbeat, or executor offline mid-handoff
		StatusCreated:   true, // assignment-timeout demotion (spec §7)
		StatusCancelled: true,
	},
	StatusRunning: {
		StatusFinished:  true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusPaused: {
		StatusAssigning: true, // dispatch straight from PAUSED (spec §4.8)
		StatusCreated:   true,
		StatusCancelled: true,
	},
	StatusFinished:  {},
	StatusFailed:    {},
	StatusCancelled: {},
}

// CanTransition reports whether moving from `from` to `to` is a legal edge.
func CanTransition(from, to Status) bool {
	edges, ok := transitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

// AllowedFrom returns every status a transition to `to` may legally
// originate from — the CAS "allowed current value" set the Store Adapter
// uses for update_lifecycle_status.
func AllowedFrom(to Status) []Status {
	var froms []Status
	for from, edges := range transitions {
		if edges[to] {
			froms = append(froms, from)
		}
	}
	return froms
}

// FailureReason names why a RUNNING/ASSIGNING task transitioned to FAILED,
// for logging and the stuck-detection testable property (spec §4.7/§8).
type FailureReason string

const (
	ReasonException      FailureReason = "exception"
	ReasonStuck          FailureReason = "stuck"
	ReasonExecutorOffline FailureReason = "executor_offline"
)
