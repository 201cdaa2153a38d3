package orchestrator

import (
	"context"
	"fmt"
	"time"

	"jobmesh/internal/cluster"
	"jobmesh/internal/task"
)

// Activity reports the last run and the next expected step of every task.
func (o *Orchestrator) Activity(ctx context.Context) (map[string]task.Activity, error) {
	tasks, err := o.store.ListTasks(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	statuses, err := o.store.ListStatuses(ctx)
	if err != nil {
		return nil, fmt.Errorf("list statuses: %w", err)
	}
	executing, err := o.backend.Executing(ctx)
	if err != nil {
		return nil, fmt.Errorf("executing set: %w", err)
	}
	triggers, err := o.backend.Triggers(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list triggers: %w", err)
	}
	byTask := map[string][]cluster.Trigger{}
	for _, tr := range triggers {
		byTask[tr.TaskID] = append(byTask[tr.TaskID], tr)
	}

	now := o.now()
	out := make(map[string]task.Activity, len(tasks))
	for _, t := range tasks {
		st := statuses[t.ID]
		a := task.Activity{LastState: st.State, LastStart: st.Start, LastEnd: st.End, Error: st.Error}
		_, busy := executing[t.ID]
		switch next := earliest(byTask[t.ID]); {
		case busy || o.runner.IsRunning(t.ID):
			a.Next = task.NextRunning
		case !next.IsZero() && t.Enabled:
			a.NextStart = next
			if next.After(now) {
				a.Next = task.NextPending
			} else {
				a.Next = task.NextReady
			}
		case t.Enabled && t.OnlyCompletion() && !t.AnySatisfied():
			a.Next = task.NextWaitForTrigger
		default:
			a.Next = task.NextNotScheduled
		}
		out[t.ID] = a
	}
	return out, nil
}

func earliest(trs []cluster.Trigger) time.Time {
	var min time.Time
	for _, tr := range trs {
		if tr.Paused || tr.NextFire.IsZero() {
			continue
		}
		if min.IsZero() || tr.NextFire.Before(min) {
			min = tr.NextFire
		}
	}
	return min
}

// NextRun returns the earliest fire time of taskID across its recurrence
// conditions, or ErrNoNextRun.
func (o *Orchestrator) NextRun(ctx context.Context, taskID string) (time.Time, error) {
	t, err := o.store.GetTask(ctx, "", taskID)
	if err != nil {
		return time.Time{}, err
	}
	return o.nextRun(ctx, t)
}

func (o *Orchestrator) nextRun(ctx context.Context, t task.Task) (time.Time, error) {
	if !t.Enabled {
		return time.Time{}, fmt.Errorf("task %s %w", t.ID, ErrNoNextRun)
	}
	st, _, err := o.store.GetStatus(ctx, t.ID)
	if err != nil {
		return time.Time{}, err
	}
	now := o.now()
	var min time.Time
	for _, c := range t.Recurrences() {
		next, ok := nextFire(t, c, st, now)
		if ok && (min.IsZero() || next.Before(min)) {
			min = next
		}
	}
	if min.IsZero() {
		return time.Time{}, fmt.Errorf("task %s %w", t.ID, ErrNoNextRun)
	}
	return min, nil
}

// Health reports whether the trigger runner is still firing. The health
// job updates the beat every HealthEvery; three missed beats mark the
// loop unhealthy.
func (o *Orchestrator) Health() HealthStatus {
	o.mu.Lock()
	started := o.cron != nil
	entries := 0
	for _, ids := range o.entries {
		entries += len(ids)
	}
	ntasks := len(o.entries)
	o.mu.Unlock()

	beat := unixTime(o.beat.Load())
	return HealthStatus{
		Healthy:    started && o.now().Sub(beat) <= 3*o.cfg.HealthEvery,
		Instance:   o.cfg.InstanceID,
		LastBeat:   beat,
		Tasks:      ntasks,
		Entries:    entries,
		LastLoad:   unixTime(o.lastLoad.Load()),
		LoadLeader: o.leader.Load(),
	}
}

func unixTime(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
