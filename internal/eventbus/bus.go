package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the scheduler core.
const (
	TypeTaskStarted   = "task.started"
	TypeTaskFinished  = "task.finished"
	TypeTaskFailed    = "task.failed"
	TypeTaskCompleted = "task.completed"
	TypeTaskExceeded  = "task.exceeded"
	TypeRebalanced    = "balancer.rebalanced"
)

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish never blocks on channel subscribers; slow ones drop events.
//   - Handlers registered with Handle run inline in the publisher's
//     goroutine and are never dropped. They must return quickly.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// TaskCompleted is published once per finished run (any terminal state).
// Dependents holding a completion condition on TaskID react to it.
type TaskCompleted struct {
	TaskID string `json:"task_id"`
	RunID  string `json:"run_id"`
	State  string `json:"state"`
	Manual bool   `json:"manual,omitempty"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
	Handle(eventType string, fn func(Event)) (unsubscribe func())
}

// New returns a simple in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}, handlers: map[uint64]handler{}}
}

type handler struct {
	typ string
	fn  func(Event)
}

type memBus struct {
	mu       sync.RWMutex
	subs     map[uint64]chan Event
	handlers map[uint64]handler
	seq      atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	fns := make([]func(Event), 0, len(b.handlers))
	for _, h := range b.handlers {
		if h.typ == e.Type {
			fns = append(fns, h.fn)
		}
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		func() {
			defer func() { _ = recover() }()
			fn(e)
		}()
	}
	for _, ch := range chs {
		// A concurrent unsubscribe may close ch.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *memBus) Handle(eventType string, fn func(Event)) func() {
	if fn == nil {
		return func() {}
	}
	id := b.seq.Add(1)
	b.mu.Lock()
	b.handlers[id] = handler{typ: eventType, fn: fn}
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}
}
