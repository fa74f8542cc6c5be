package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/jihunglin/skalds/internal/task"
)

// MemoryStore is an in-memory Store test double; the composition root
// (internal/app) always wires PostgresStore. Adapted from the teacher's
// MemoryStore (store/memory.go): a single mutex-guarded map, linear-scan
// filtering, no tenant dimension (Skalds has none).
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*task.Task
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*task.Task)}
}

func (s *MemoryStore) CreateTask(ctx context.Context, t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[t.ID]; exists {
		return ErrAlreadyExists
	}
	cp := t.Clone()
	s.tasks[t.ID] = cp
	return nil
}

func (s *MemoryStore) GetTask(ctx context.Context, id string) (*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

func (s *MemoryStore) ListTasks(ctx context.Context, filter TaskFilter, page, pageSize int) ([]*task.Task, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*task.Task
	for _, t := range s.tasks {
		if filter.matches(t) {
			matched = append(matched, t)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.Before(matched[j].CreatedAt) })

	total := len(matched)
	start := (page - 1) * pageSize
	if start < 0 || start >= total {
		return []*task.Task{}, total, nil
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	out := make([]*task.Task, 0, end-start)
	for _, t := range matched[start:end] {
		out = append(out, t.Clone())
	}
	return out, total, nil
}

func (s *MemoryStore) ListMonitoredTasks(ctx context.Context) ([]*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*task.Task
	for _, t := range s.tasks {
		if t.Monitored() {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) ListDispatchableTasks(ctx context.Context) ([]*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*task.Task
	for _, t := range s.tasks {
		if t.Dispatchable() {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority // priority DESC
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt) // created_at ASC
	})
	return out, nil
}

func (s *MemoryStore) UpdateLifecycleStatus(ctx context.Context, id string, to task.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	allowed := task.AllowedFrom(to)
	ok = false
	for _, from := range allowed {
		if t.LifecycleStatus == from {
			ok = true
			break
		}
	}
	if !ok {
		return ErrCASLost
	}
	t.LifecycleStatus = to
	t.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) UpdateExecutor(ctx context.Context, id string, skaldID *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	t.Executor = skaldID
	t.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) UpdateAttachments(ctx context.Context, id string, payload json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	t.Attachments = append(json.RawMessage(nil), payload...)
	t.UpdatedAt = time.Now()
	return nil
}
