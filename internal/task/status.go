package task

import (
	"time"

	"jobmesh/internal/recurrence"
)

// RunState is the terminal (or current) state of one execution.
type RunState string

const (
	StateStarted     RunState = "STARTED"
	StateFinished    RunState = "FINISHED"
	StateFailed      RunState = "FAILED"
	StateInterrupted RunState = "INTERRUPTED"
)

func (s RunState) Terminal() bool {
	return s == StateFinished || s == StateFailed || s == StateInterrupted
}

// RunStatus is persisted per task after every run.
type RunStatus struct {
	TaskID string    `json:"task_id"`
	RunID  string    `json:"run_id,omitempty"`
	State  RunState  `json:"state"`
	Start  time.Time `json:"start"`
	End    time.Time `json:"end,omitempty"`
	Error  string    `json:"error,omitempty"`

	// LastScheduledStart is the start of the last non-manual run. Manual
	// runs carry the previous value forward so they never shift anchors.
	LastScheduledStart time.Time `json:"last_scheduled_start,omitempty"`
	Manual             bool      `json:"manual,omitempty"`
}

// NextState describes what happens next for a task.
type NextState string

const (
	NextRunning        NextState = "Running"
	NextReady          NextState = "Ready"
	NextPending        NextState = "Pending"
	NextWaitForTrigger NextState = "Wait for trigger"
	NextNotScheduled   NextState = "Not scheduled"
)

// Activity is the human-facing last/next view of a task.
type Activity struct {
	LastState RunState  `json:"last_state,omitempty"`
	LastStart time.Time `json:"last_start,omitempty"`
	LastEnd   time.Time `json:"last_end,omitempty"`
	Next      NextState `json:"next"`
	NextStart time.Time `json:"next_start,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// TimeRange is a named window of the day used to group tasks for
// balancing. Start after End means the window wraps past midnight.
type TimeRange struct {
	Name    string           `json:"name"`
	Start   recurrence.Clock `json:"start"`
	End     recurrence.Clock `json:"end"`
	Default bool             `json:"default,omitempty"`
}

// Contains reports whether c lies in [Start, End).
func (r TimeRange) Contains(c recurrence.Clock) bool {
	m, s, e := c.Minutes(), r.Start.Minutes(), r.End.Minutes()
	switch {
	case s == e:
		return true
	case s < e:
		return m >= s && m < e
	default:
		return m >= s || m < e
	}
}

// Minutes is the wrap-aware window length; equal ends mean a full day.
func (r TimeRange) Minutes() int {
	d := (r.End.Minutes() - r.Start.Minutes() + 1440) % 1440
	if d == 0 {
		return 1440
	}
	return d
}
