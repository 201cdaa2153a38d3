package action

import (
	"context"
	"sync"
	"time"

	"jobmesh/internal/task"
)

// Noop does nothing, optionally after a "delay". It is used by health
// checks and tests and honors cancellation.
type Noop struct{}

func (Noop) Kind() string { return "noop" }

func (Noop) New(a task.Action, _ Env) (Unit, error) {
	d, err := durationParam(a, "delay")
	if err != nil {
		return nil, err
	}
	return newSleepUnit(d), nil
}

type sleepUnit struct {
	d    time.Duration
	once sync.Once
	stop chan struct{}
}

func newSleepUnit(d time.Duration) *sleepUnit { return &sleepUnit{d: d, stop: make(chan struct{})} }

func (u *sleepUnit) Run(ctx context.Context) error {
	if u.d <= 0 {
		return nil
	}
	t := time.NewTimer(u.d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-u.stop:
		return context.Canceled
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

func (u *sleepUnit) Cancel() { u.once.Do(func() { close(u.stop) }) }

// Messenger delivers a free-form message to a named recipient.
type Messenger interface {
	SendTo(ctx context.Context, recipient, text string) error
}

// Notify sends Params["text"] to Params["recipient"].
type Notify struct {
	M Messenger
}

func (Notify) Kind() string { return "notify" }

func (n Notify) New(a task.Action, _ Env) (Unit, error) {
	to, err := param(a, "recipient")
	if err != nil {
		return nil, err
	}
	text, err := param(a, "text")
	if err != nil {
		return nil, err
	}
	return UnitFunc(func(ctx context.Context) error {
		return n.M.SendTo(ctx, to, text)
	}), nil
}

// TaskRunner runs and cancels other tasks on behalf of a chain action.
type TaskRunner interface {
	RunChained(ctx context.Context, parentID, taskID string) error
	CancelTask(taskID string) error
}

// Chain runs the task named by Params["task"]. It is the barrier kind:
// its unit starts only after every earlier action of the run finished.
type Chain struct {
	Runner TaskRunner
}

func (Chain) Kind() string  { return task.ActionChain }
func (Chain) Barrier() bool { return true }

func (c Chain) New(a task.Action, env Env) (Unit, error) {
	id, err := param(a, "task")
	if err != nil {
		return nil, err
	}
	return &chainUnit{runner: c.Runner, parent: env.TaskID, target: id}, nil
}

type chainUnit struct {
	runner TaskRunner
	parent string
	target string
}

func (u *chainUnit) Run(ctx context.Context) error {
	return u.runner.RunChained(ctx, u.parent, u.target)
}

func (u *chainUnit) Cancel() { _ = u.runner.CancelTask(u.target) }
