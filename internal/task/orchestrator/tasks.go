package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"jobmesh/internal/storage"
	"jobmesh/internal/task"
	logx "jobmesh/pkg/logx"
)

func (o *Orchestrator) GetTask(ctx context.Context, org, id string) (task.Task, error) {
	return o.store.GetTask(ctx, org, id)
}

func (o *Orchestrator) ListTasks(ctx context.Context, org string) ([]task.Task, error) {
	return o.store.ListTasks(ctx, org)
}

// PutTask validates and stores t, then registers its triggers.
func (o *Orchestrator) PutTask(ctx context.Context, t task.Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if err := o.store.PutTask(ctx, t); err != nil {
		return fmt.Errorf("store task %s: %w", t.ID, err)
	}
	if err := o.Reschedule(ctx, t); err != nil {
		return err
	}
	if o.onPut != nil {
		o.onPut(ctx, t)
	}
	return nil
}

// Reschedule recomputes the triggers of t and mirrors them into the local
// runner. Other instances pick the change up on their next reload.
func (o *Orchestrator) Reschedule(ctx context.Context, t task.Task) error {
	st, _, err := o.store.GetStatus(ctx, t.ID)
	if err != nil {
		return fmt.Errorf("status %s: %w", t.ID, err)
	}
	if err := o.register(ctx, t, st); err != nil {
		return err
	}
	return o.scheduleOne(ctx, t)
}

func (o *Orchestrator) scheduleOne(ctx context.Context, t task.Task) error {
	trs, err := o.backend.Triggers(ctx, t.ID)
	if err != nil {
		return fmt.Errorf("triggers %s: %w", t.ID, err)
	}
	paused := map[string]bool{}
	for _, tr := range trs {
		paused[tr.ConditionID] = tr.Paused
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cron == nil {
		return nil
	}
	o.scheduleLocked(t, func(condID string) bool { return paused[condID] })
	return nil
}

// RemoveTask deletes a removable task with its triggers and status.
func (o *Orchestrator) RemoveTask(ctx context.Context, org, id string) error {
	t, err := o.store.GetTask(ctx, org, id)
	if err != nil {
		return err
	}
	if !t.Removable {
		return fmt.Errorf("%s: %w", id, ErrNotRemovable)
	}
	if err := o.store.DeleteTask(ctx, t.Org, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	if err := o.backend.DeleteTriggers(ctx, id); err != nil {
		return fmt.Errorf("delete triggers %s: %w", id, err)
	}

	o.mu.Lock()
	if o.cron != nil {
		for _, eid := range o.entries[id] {
			o.cron.Remove(eid)
		}
	}
	delete(o.entries, id)
	o.mu.Unlock()

	o.lmu.Lock()
	delete(o.last, id)
	o.lmu.Unlock()
	o.log.Info("task removed", logx.String("task", id), logx.String("org", t.Org))
	return nil
}
