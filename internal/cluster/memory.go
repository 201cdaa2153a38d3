package cluster

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"
)

type lease struct {
	owner   string
	expires time.Time
}

type claim struct {
	instance string
	expires  time.Time
}

// Memory is a single-process Backend. Lock waiters block on a per-name
// channel that is closed on unlock.
type Memory struct {
	mu        sync.Mutex
	now       func() time.Time
	locks     map[string]lease
	waiters   map[string]chan struct{}
	instances map[string]Instance
	triggers  map[string]map[string]Trigger // task -> condition -> trigger
	executing map[string]claim
}

func NewMemory() *Memory {
	return &Memory{
		now:       time.Now,
		locks:     map[string]lease{},
		waiters:   map[string]chan struct{}{},
		instances: map[string]Instance{},
		triggers:  map[string]map[string]Trigger{},
		executing: map[string]claim{},
	}
}

var _ Backend = (*Memory)(nil)

func (m *Memory) Close() error { return nil }

func (m *Memory) TryLock(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if l, ok := m.locks[name]; ok && l.owner != owner && now.Before(l.expires) {
		return false, nil
	}
	m.locks[name] = lease{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (m *Memory) Unlock(ctx context.Context, name, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[name]
	if !ok {
		return nil
	}
	if l.owner != owner {
		return ErrLockHeld
	}
	delete(m.locks, name)
	if ch, ok := m.waiters[name]; ok {
		close(ch)
		delete(m.waiters, name)
	}
	return nil
}

func (m *Memory) Await(ctx context.Context, name string) error {
	for {
		m.mu.Lock()
		l, held := m.locks[name]
		if !held || !m.now().Before(l.expires) {
			m.mu.Unlock()
			return nil
		}
		ch, ok := m.waiters[name]
		if !ok {
			ch = make(chan struct{})
			m.waiters[name] = ch
		}
		remaining := l.expires.Sub(m.now())
		m.mu.Unlock()

		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-ch:
		case <-timer.C:
		}
		timer.Stop()
	}
}

func (m *Memory) Heartbeat(ctx context.Context, inst Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.instances[inst.ID]; ok && inst.StartedAt.IsZero() {
		inst.StartedAt = prev.StartedAt
	}
	if inst.StartedAt.IsZero() {
		inst.StartedAt = m.now()
	}
	inst.LastSeen = m.now()
	m.instances[inst.ID] = inst
	return nil
}

func (m *Memory) Active(ctx context.Context, within time.Duration) ([]Instance, error) {
	m.mu.Lock()
	cutoff := m.now().Add(-within)
	var out []Instance
	for _, in := range m.instances {
		if !in.LastSeen.Before(cutoff) {
			out = append(out, in)
		}
	}
	m.mu.Unlock()
	sortInstances(out)
	return out, nil
}

func (m *Memory) Deregister(ctx context.Context, id string) error {
	m.mu.Lock()
	delete(m.instances, id)
	m.mu.Unlock()
	return nil
}

func (m *Memory) UpsertTrigger(ctx context.Context, tr Trigger) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byCond := m.triggers[tr.TaskID]
	if byCond == nil {
		byCond = map[string]Trigger{}
		m.triggers[tr.TaskID] = byCond
	}
	tr.UpdatedAt = m.now()
	byCond[tr.ConditionID] = tr
	return nil
}

func (m *Memory) setPaused(taskID string, paused bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, tr := range m.triggers[taskID] {
		tr.Paused = paused
		tr.UpdatedAt = m.now()
		m.triggers[taskID][id] = tr
	}
}

func (m *Memory) PauseTriggers(ctx context.Context, taskID string) error {
	m.setPaused(taskID, true)
	return nil
}

func (m *Memory) ResumeTriggers(ctx context.Context, taskID string) error {
	m.setPaused(taskID, false)
	return nil
}

func (m *Memory) DeleteTriggers(ctx context.Context, taskID string) error {
	m.mu.Lock()
	delete(m.triggers, taskID)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Triggers(ctx context.Context, taskID string) ([]Trigger, error) {
	m.mu.Lock()
	var out []Trigger
	for id, byCond := range m.triggers {
		if taskID != "" && id != taskID {
			continue
		}
		for _, tr := range byCond {
			out = append(out, tr)
		}
	}
	m.mu.Unlock()
	slices.SortFunc(out, func(a, b Trigger) int {
		if c := strings.Compare(a.TaskID, b.TaskID); c != 0 {
			return c
		}
		return strings.Compare(a.ConditionID, b.ConditionID)
	})
	return out, nil
}

func (m *Memory) Claim(ctx context.Context, taskID, instanceID string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if c, ok := m.executing[taskID]; ok && now.Before(c.expires) {
		return false, nil
	}
	m.executing[taskID] = claim{instance: instanceID, expires: now.Add(ttl)}
	return true, nil
}

func (m *Memory) Renew(ctx context.Context, taskID, instanceID string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	c, ok := m.executing[taskID]
	if !ok || c.instance != instanceID || !now.Before(c.expires) {
		return false, nil
	}
	c.expires = now.Add(ttl)
	m.executing[taskID] = c
	return true, nil
}

func (m *Memory) Release(ctx context.Context, taskID, instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.executing[taskID]; ok && c.instance == instanceID {
		delete(m.executing, taskID)
	}
	return nil
}

func (m *Memory) Executing(ctx context.Context) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	out := make(map[string]string, len(m.executing))
	for id, c := range m.executing {
		if now.Before(c.expires) {
			out[id] = c.instance
		}
	}
	return out, nil
}
