package state

import (
	"sync"

	"github.com/jihunglin/skalds/internal/task"
)

// TaskChange describes a TaskStore mutation delivered to subscribers.
type TaskChange struct {
	ID      string
	Task    *task.Task // nil on removal
	Removed bool
}

// TaskStore is the in-memory monitored-task view, written by the Task
// Monitor (whole-record replacement per cycle). MergeHeartbeat offers an
// in-place merge of the volatile fields between cycles; no component in
// this module calls it.
type TaskStore struct {
	mu   sync.RWMutex
	byID map[string]*task.Task

	subMu   sync.Mutex
	subs    map[int]func(TaskChange)
	nextSub int
}

// NewTaskStore returns an empty store.
func NewTaskStore() *TaskStore {
	return &TaskStore{
		byID: make(map[string]*task.Task),
		subs: make(map[int]func(TaskChange)),
	}
}

// Put replaces (or inserts) the record for t.ID.
func (s *TaskStore) Put(t *task.Task) {
	s.mu.Lock()
	s.byID[t.ID] = t
	s.mu.Unlock()
	s.notify(TaskChange{ID: t.ID, Task: t.Clone()})
}

// MergeHeartbeat updates only the volatile heartbeat/error/exception fields
// of an already-tracked task under the store's write lock, without waiting for the
// next full monitor cycle (spec §4.4 partial-update merge path).
func (s *TaskStore) MergeHeartbeat(id string, heartbeat int, errStr, exception string) {
	s.mu.Lock()
	t, ok := s.byID[id]
	if ok {
		t.Heartbeat = heartbeat
		t.Error = errStr
		t.Exception = exception
	}
	s.mu.Unlock()
	if ok {
		s.notify(TaskChange{ID: id, Task: t.Clone()})
	}
}

// Remove drops a task from the monitored view (it left {ASSIGNING,RUNNING}).
func (s *TaskStore) Remove(id string) {
	s.mu.Lock()
	_, existed := s.byID[id]
	delete(s.byID, id)
	s.mu.Unlock()
	if existed {
		s.notify(TaskChange{ID: id, Removed: true})
	}
}

// Get returns a snapshot copy, or nil if not currently monitored.
func (s *TaskStore) Get(id string) *task.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.byID[id]
	if !ok {
		return nil
	}
	return t.Clone()
}

// Snapshot returns a copy-on-read snapshot of every monitored task.
func (s *TaskStore) Snapshot() []*task.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*task.Task, 0, len(s.byID))
	for _, t := range s.byID {
		out = append(out, t.Clone())
	}
	return out
}

// Subscribe registers cb to fire on every Put/MergeHeartbeat/Remove.
func (s *TaskStore) Subscribe(cb func(TaskChange)) (unsubscribe func()) {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = cb
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *TaskStore) notify(c TaskChange) {
	s.subMu.Lock()
	cbs := make([]func(TaskChange), 0, len(s.subs))
	for _, cb := range s.subs {
		cbs = append(cbs, cb)
	}
	s.subMu.Unlock()
	for _, cb := range cbs {
		cb(c)
	}
}
