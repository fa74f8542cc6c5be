// Package store implements the Store Adapter (spec §4.2): typed,
// tasks-only queries against the document store.
package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jihunglin/skalds/internal/task"
)

var (
	// ErrAlreadyExists is returned by CreateTask on an id collision.
	ErrAlreadyExists = errors.New("store: task already exists")
	// ErrNotFound is returned by point lookups/mutations on an unknown id.
	ErrNotFound = errors.New("store: task not found")
	// ErrCASLost is returned when update_lifecycle_status's compare-and-set
	// loses the race. Per spec §4.7/§7 callers treat this as success.
	ErrCASLost = errors.New("store: lifecycle CAS lost")
)

// TaskFilter narrows ListTasks (spec §4.2/§6).
type TaskFilter struct {
	LifecycleStatus []task.Status
	ClassName       string
	Executor        string
	ID              string
}

func (f TaskFilter) matches(t *task.Task) bool {
	if len(f.LifecycleStatus) > 0 {
		ok := false
		for _, s := range f.LifecycleStatus {
			if t.LifecycleStatus == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.ClassName != "" && t.ClassName != f.ClassName {
		return false
	}
	if f.Executor != "" && (t.Executor == nil || *t.Executor != f.Executor) {
		return false
	}
	if f.ID != "" && t.ID != f.ID {
		return false
	}
	return true
}

// Store is the Store Adapter's full surface.
type Store interface {
	CreateTask(ctx context.Context, t *task.Task) error
	GetTask(ctx context.Context, id string) (*task.Task, error)
	ListTasks(ctx context.Context, filter TaskFilter, page, pageSize int) ([]*task.Task, int, error)

	ListMonitoredTasks(ctx context.Context) ([]*task.Task, error)
	ListDispatchableTasks(ctx context.Context) ([]*task.Task, error)

	UpdateLifecycleStatus(ctx context.Context, id string, to task.Status) error
	UpdateExecutor(ctx context.Context, id string, skaldID *string) error
	UpdateAttachments(ctx context.Context, id string, payload json.RawMessage) error
}
