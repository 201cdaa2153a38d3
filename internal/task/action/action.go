// Package action holds the strategies that execute a task's actions.
//
// A Strategy turns one task.Action into a Unit. The executor runs units
// on its worker pool; units that also implement Canceler receive a cancel
// signal when the run is interrupted, others run to completion.
package action

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"jobmesh/internal/task"
	logx "jobmesh/pkg/logx"
)

var (
	ErrUnknownKind = errors.New("unknown action kind")
	ErrParam       = errors.New("invalid action parameter")
)

// Env describes the run an action belongs to.
type Env struct {
	TaskID    string
	TaskName  string
	Org       string
	RunID     string
	Start     time.Time
	Scheduled time.Time
	Log       logx.Logger
}

// Unit is one submitted piece of work.
type Unit interface {
	Run(ctx context.Context) error
}

// Canceler is implemented by units that can be interrupted cooperatively.
type Canceler interface {
	Cancel()
}

// Strategy builds units for one action kind.
type Strategy interface {
	Kind() string
	New(a task.Action, env Env) (Unit, error)
}

// Barrier is implemented by strategies whose units must wait for every
// previously submitted unit of the same run.
type Barrier interface {
	Barrier() bool
}

// UnitFunc adapts a function to Unit.
type UnitFunc func(ctx context.Context) error

func (f UnitFunc) Run(ctx context.Context) error { return f(ctx) }

// Registry maps action kinds to strategies. It is safe for concurrent use.
type Registry struct {
	mu sync.RWMutex
	m  map[string]Strategy
}

func NewRegistry(strategies ...Strategy) *Registry {
	r := &Registry{m: map[string]Strategy{}}
	for _, s := range strategies {
		r.Register(s)
	}
	return r
}

// Register adds or replaces the strategy for s.Kind().
func (r *Registry) Register(s Strategy) {
	if s == nil {
		return
	}
	r.mu.Lock()
	r.m[s.Kind()] = s
	r.mu.Unlock()
}

func (r *Registry) Lookup(kind string) (Strategy, error) {
	r.mu.RLock()
	s, ok := r.m[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return s, nil
}

func (r *Registry) IsBarrier(kind string) bool {
	r.mu.RLock()
	s, ok := r.m[kind]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	b, ok := s.(Barrier)
	return ok && b.Barrier()
}

func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.m))
	for k := range r.m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func param(a task.Action, key string) (string, error) {
	v := a.Params[key]
	if v == "" {
		return "", fmt.Errorf("%w: action %s (%s) needs %q", ErrParam, a.ID, a.Kind, key)
	}
	return v, nil
}

func durationParam(a task.Action, key string) (time.Duration, error) {
	v := a.Params[key]
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("%w: action %s %s=%q", ErrParam, a.ID, key, v)
	}
	return d, nil
}

func (e Env) fields() []logx.Field {
	return []logx.Field{logx.String("task", e.TaskID), logx.String("run", e.RunID)}
}
