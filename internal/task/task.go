package task

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"jobmesh/internal/recurrence"
)

var (
	ErrInvalidTask    = errors.New("invalid task")
	ErrSelfDependency = errors.New("task depends on itself")
)

// ActionChain is the action kind that runs another task. It acts as a
// barrier: every earlier action must finish before it starts.
const ActionChain = "chain"

// CompletionSignal is satisfied by an explicit TaskCompleted notification
// for TaskID, never by polling.
type CompletionSignal struct {
	TaskID    string `json:"task_id"`
	Satisfied bool   `json:"satisfied,omitempty"`
}

// Condition holds exactly one of Recurrence or Completion.
type Condition struct {
	ID         string            `json:"id"`
	Recurrence *recurrence.Spec  `json:"recurrence,omitempty"`
	Completion *CompletionSignal `json:"completion,omitempty"`
}

type Action struct {
	ID     string            `json:"id"`
	Kind   string            `json:"kind"`
	Params map[string]string `json:"params,omitempty"`
}

// NotifyPolicy selects which run events produce a message to Recipients.
type NotifyPolicy struct {
	OnStart    bool     `json:"on_start,omitempty"`
	OnEnd      bool     `json:"on_end,omitempty"`
	OnExceed   bool     `json:"on_exceed,omitempty"`
	OnFailure  bool     `json:"on_failure,omitempty"`
	Recipients []string `json:"recipients,omitempty"`
}

// NotifyEvent is a run milestone a NotifyPolicy can subscribe to.
type NotifyEvent string

const (
	NotifyStart   NotifyEvent = "start"
	NotifyEnd     NotifyEvent = "end"
	NotifyExceed  NotifyEvent = "exceed"
	NotifyFailure NotifyEvent = "failure"
)

// Wants reports whether ev should produce a message.
func (p NotifyPolicy) Wants(ev NotifyEvent) bool {
	if len(p.Recipients) == 0 {
		return false
	}
	switch ev {
	case NotifyStart:
		return p.OnStart
	case NotifyEnd:
		return p.OnEnd
	case NotifyExceed:
		return p.OnExceed
	case NotifyFailure:
		return p.OnFailure
	}
	return false
}

type Task struct {
	ID         string       `json:"id"`
	Org        string       `json:"org"`
	Owner      string       `json:"owner,omitempty"`
	Name       string       `json:"name"`
	Conditions []Condition  `json:"conditions"`
	Actions    []Action     `json:"actions"`
	Enabled    bool         `json:"enabled"`
	Durable    bool         `json:"durable,omitempty"`
	Removable  bool         `json:"removable,omitempty"`
	StartDate  *time.Time   `json:"start_date,omitempty"`
	EndDate    *time.Time   `json:"end_date,omitempty"`
	Timezone   string       `json:"timezone,omitempty"`
	Timeout    Duration     `json:"timeout,omitempty"`
	Threshold  Duration     `json:"threshold,omitempty"`
	Running    bool         `json:"running,omitempty"`
	Notify     NotifyPolicy `json:"notify,omitempty"`
}

// Validate checks structure and every recurrence spec. A task failing
// validation is skipped at load time.
func (t Task) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidTask)
	}
	if len(t.Actions) == 0 {
		return fmt.Errorf("%w: %s has no actions", ErrInvalidTask, t.ID)
	}
	for i, c := range t.Conditions {
		switch {
		case c.Recurrence != nil && c.Completion != nil:
			return fmt.Errorf("%w: %s condition %d sets both recurrence and completion", ErrInvalidTask, t.ID, i)
		case c.Recurrence != nil:
			if err := c.Recurrence.Validate(); err != nil {
				return fmt.Errorf("%s condition %d: %w", t.ID, i, err)
			}
		case c.Completion != nil:
			if c.Completion.TaskID == t.ID {
				return fmt.Errorf("%w: %s", ErrSelfDependency, t.ID)
			}
			if strings.TrimSpace(c.Completion.TaskID) == "" {
				return fmt.Errorf("%w: %s condition %d has no task id", ErrInvalidTask, t.ID, i)
			}
		default:
			return fmt.Errorf("%w: %s condition %d is empty", ErrInvalidTask, t.ID, i)
		}
	}
	for i, a := range t.Actions {
		if strings.TrimSpace(a.Kind) == "" {
			return fmt.Errorf("%w: %s action %d has no kind", ErrInvalidTask, t.ID, i)
		}
	}
	if t.StartDate != nil && t.EndDate != nil && t.EndDate.Before(*t.StartDate) {
		return fmt.Errorf("%w: %s end date before start date", ErrInvalidTask, t.ID)
	}
	if _, err := recurrence.LoadLocation(t.Timezone); err != nil {
		return fmt.Errorf("%w: %s timezone: %v", ErrInvalidTask, t.ID, err)
	}
	return nil
}

// Dependencies lists task ids this task waits on or triggers: completion
// signals plus chain targets.
func (t Task) Dependencies() []string {
	var out []string
	for _, c := range t.Conditions {
		if c.Completion != nil {
			out = append(out, c.Completion.TaskID)
		}
	}
	for _, a := range t.Actions {
		if a.Kind == ActionChain {
			if id := a.Params["task"]; id != "" {
				out = append(out, id)
			}
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Recurrences returns the time-based conditions.
func (t Task) Recurrences() []Condition {
	var out []Condition
	for _, c := range t.Conditions {
		if c.Recurrence != nil {
			out = append(out, c)
		}
	}
	return out
}

// OnlyCompletion reports whether every condition is a completion signal.
func (t Task) OnlyCompletion() bool {
	if len(t.Conditions) == 0 {
		return false
	}
	for _, c := range t.Conditions {
		if c.Completion == nil {
			return false
		}
	}
	return true
}

// AnySatisfied reports whether at least one completion signal fired.
func (t Task) AnySatisfied() bool {
	for _, c := range t.Conditions {
		if c.Completion != nil && c.Completion.Satisfied {
			return true
		}
	}
	return false
}

// Window returns the start/end date bounds for fire times.
func (t Task) Window() recurrence.Window {
	var w recurrence.Window
	if t.StartDate != nil {
		w.NotBefore = *t.StartDate
	}
	if t.EndDate != nil {
		w.NotAfter = *t.EndDate
	}
	return w
}

// Clone returns a deep copy; the executor mutates only clones.
func (t Task) Clone() Task {
	c := t
	c.Conditions = make([]Condition, len(t.Conditions))
	for i, cond := range t.Conditions {
		if cond.Recurrence != nil {
			r := cond.Recurrence.Clone()
			cond.Recurrence = &r
		}
		if cond.Completion != nil {
			s := *cond.Completion
			cond.Completion = &s
		}
		c.Conditions[i] = cond
	}
	c.Actions = make([]Action, len(t.Actions))
	for i, a := range t.Actions {
		a.Params = maps.Clone(a.Params)
		c.Actions[i] = a
	}
	if t.StartDate != nil {
		d := *t.StartDate
		c.StartDate = &d
	}
	if t.EndDate != nil {
		d := *t.EndDate
		c.EndDate = &d
	}
	c.Notify.Recipients = slices.Clone(t.Notify.Recipients)
	return c
}
