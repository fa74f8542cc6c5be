// Package task holds the persisted Task record, its lifecycle state machine,
// and the heartbeat semantics from spec §3.
package task

import (
	"encoding/json"
	"time"
)

// Mode controls whether a task is dispatcher-eligible.
type Mode string

const (
	ModeActive          Mode = "ACTIVE"
	ModePassive         Mode = "PASSIVE"
	ModePassiveProcess  Mode = "PASSIVE_PROCESS"
)

// Status is the authoritative lifecycle state, persisted in the document store.
type Status string

const (
	StatusCreated   Status = "CREATED"
	StatusAssigning Status = "ASSIGNING"
	StatusRunning   Status = "RUNNING"
	StatusPaused    Status = "PAUSED"
	StatusFinished  Status = "FINISHED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusFinished, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Heartbeat terminal sentinels (spec §3).
const (
	HeartbeatFinished            = 200
	HeartbeatException           = -1
	HeartbeatVoluntaryCancel     = -2
	HeartbeatProgressMax         = 199
)

// Task is the persisted unit of work. Heartbeat/Error/Exception are volatile,
// sourced from the cache by the Task Monitor and never written to the store.
type Task struct {
	ID        string
	ClassName string
	Source    string
	Executor  *string

	Mode            Mode
	LifecycleStatus Status
	Priority        int

	Attachments  json.RawMessage
	Dependencies []string

	CreatedAt  time.Time
	UpdatedAt  time.Time
	DeadlineAt time.Time

	IsPersistent bool // only interpreted in PASSIVE_PROCESS mode; opaque to the core

	// Volatile, cache-sourced; never persisted.
	Heartbeat int
	Error     string
	Exception string
}

// Dispatchable reports whether the task is eligible for the Dispatcher's
// list_dispatchable_tasks() selection (spec §4.2/§4.8).
func (t *Task) Dispatchable() bool {
	return t.Mode == ModePassive && (t.LifecycleStatus == StatusCreated || t.LifecycleStatus == StatusPaused)
}

// Monitored reports whether the task belongs in list_monitored_tasks().
func (t *Task) Monitored() bool {
	return t.LifecycleStatus == StatusAssigning || t.LifecycleStatus == StatusRunning
}

// Clone returns a value safe to hand outside the owning lock.
func (t *Task) Clone() *Task {
	cp := *t
	if t.Executor != nil {
		e := *t.Executor
		cp.Executor = &e
	}
	cp.Attachments = append(json.RawMessage(nil), t.Attachments...)
	cp.Dependencies = append([]string(nil), t.Dependencies...)
	return &cp
}
