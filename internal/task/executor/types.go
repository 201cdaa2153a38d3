package executor

import (
	"context"
	"errors"
	"time"

	"jobmesh/internal/task"
)

var (
	ErrBusy        = errors.New("task is busy")
	ErrTimeout     = errors.New("task timed out")
	ErrInterrupted = errors.New("task interrupted")
	ErrNotRunning  = errors.New("task is not running")
)

// Config holds run-level settings.
type Config struct {
	// DefaultTimeout applies when a task has no timeout. 0 disables it.
	DefaultTimeout time.Duration
	// CancelGrace is how long an interrupted run waits for cooperative
	// units before returning.
	CancelGrace time.Duration
}

// Invoker says who asked for a run.
type Invoker struct {
	// By is a free-form origin ("scheduler", "api:alice", "chain:report").
	By string
	// Manual runs do not move the task's scheduled anchor.
	Manual bool
	// Scheduled is the fire instant for scheduler runs.
	Scheduled time.Time
}

// Result describes one finished run.
type Result struct {
	RunID    string
	State    task.RunState
	Start    time.Time
	End      time.Time
	Exceeded bool
	Err      error
	// Done is closed when no unit of the run is left.
	Done <-chan struct{}
}

// Notifier delivers policy-driven task messages.
type Notifier interface {
	TaskEvent(ctx context.Context, t task.Task, ev task.NotifyEvent, detail string) error
}

// RunEvent is the payload of task.* bus events published by the executor.
type RunEvent struct {
	TaskID   string        `json:"task_id"`
	RunID    string        `json:"run_id"`
	By       string        `json:"by,omitempty"`
	Start    time.Time     `json:"start"`
	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`
}
