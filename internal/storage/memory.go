package storage

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"jobmesh/internal/task"
)

// memStore keeps everything in maps. Values are cloned on the way in and
// out so callers never share state with the store.
type memStore struct {
	mu       sync.RWMutex
	tasks    map[string]task.Task
	statuses map[string]task.RunStatus
	ranges   map[string]task.TimeRange
	dedup    map[string]int64 // unix milli
	audit    []AuditEntry
}

// NewMemory returns an empty process-local store.
func NewMemory() Store { return newMemStore() }

func newMemStore() *memStore {
	return &memStore{
		tasks:    map[string]task.Task{},
		statuses: map[string]task.RunStatus{},
		ranges:   map[string]task.TimeRange{},
		dedup:    map[string]int64{},
	}
}

func (s *memStore) Close() error { return nil }

func (s *memStore) PutTask(ctx context.Context, t task.Task) error {
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("%w: empty id", task.ErrInvalidTask)
	}
	s.mu.Lock()
	s.tasks[t.ID] = t.Clone()
	s.mu.Unlock()
	return nil
}

func (s *memStore) GetTask(ctx context.Context, org, id string) (task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok || !orgMatch(org, t.Org) {
		return task.Task{}, fmt.Errorf("%w: task %s", ErrNotFound, id)
	}
	return t.Clone(), nil
}

func (s *memStore) ListTasks(ctx context.Context, org string) ([]task.Task, error) {
	s.mu.RLock()
	out := make([]task.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if orgMatch(org, t.Org) {
			out = append(out, t.Clone())
		}
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b task.Task) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

func (s *memStore) DeleteTask(ctx context.Context, org, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || !orgMatch(org, t.Org) {
		return fmt.Errorf("%w: task %s", ErrNotFound, id)
	}
	delete(s.tasks, id)
	delete(s.statuses, id)
	return nil
}

func (s *memStore) PutStatus(ctx context.Context, st task.RunStatus) error {
	s.mu.Lock()
	s.statuses[st.TaskID] = st
	s.mu.Unlock()
	return nil
}

func (s *memStore) GetStatus(ctx context.Context, taskID string) (task.RunStatus, bool, error) {
	s.mu.RLock()
	st, ok := s.statuses[taskID]
	s.mu.RUnlock()
	return st, ok, nil
}

func (s *memStore) ListStatuses(ctx context.Context) (map[string]task.RunStatus, error) {
	s.mu.RLock()
	out := make(map[string]task.RunStatus, len(s.statuses))
	for k, v := range s.statuses {
		out[k] = v
	}
	s.mu.RUnlock()
	return out, nil
}

func (s *memStore) PutTimeRange(ctx context.Context, r task.TimeRange) error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("time range name is required")
	}
	s.mu.Lock()
	s.ranges[r.Name] = r
	s.mu.Unlock()
	return nil
}

func (s *memStore) GetTimeRange(ctx context.Context, name string) (task.TimeRange, error) {
	s.mu.RLock()
	r, ok := s.ranges[name]
	s.mu.RUnlock()
	if !ok {
		return task.TimeRange{}, fmt.Errorf("%w: time range %s", ErrNotFound, name)
	}
	return r, nil
}

func (s *memStore) ListTimeRanges(ctx context.Context) ([]task.TimeRange, error) {
	s.mu.RLock()
	out := make([]task.TimeRange, 0, len(s.ranges))
	for _, r := range s.ranges {
		out = append(out, r)
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b task.TimeRange) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

func (s *memStore) DeleteTimeRange(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ranges[name]; !ok {
		return fmt.Errorf("%w: time range %s", ErrNotFound, name)
	}
	delete(s.ranges, name)
	return nil
}

func (s *memStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	s.dedup[key] = until.UnixMilli()
	s.mu.Unlock()
	return nil
}

func (s *memStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	s.mu.RLock()
	ms, ok := s.dedup[key]
	s.mu.RUnlock()
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

const memAuditMax = 1000

func (s *memStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	s.audit = append(s.audit, e)
	if len(s.audit) > memAuditMax {
		s.audit = s.audit[len(s.audit)-memAuditMax:]
	}
	s.mu.Unlock()
	return nil
}

func orgMatch(want, have string) bool {
	return want == "" || want == have
}

func pruneExpiredDedup(m map[string]int64) {
	now := time.Now().UnixMilli()
	for k, v := range m {
		if v < now {
			delete(m, k)
		}
	}
}
