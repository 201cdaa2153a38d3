package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"jobmesh/internal/eventbus"
	"jobmesh/internal/storage"
	"jobmesh/internal/task"
	"jobmesh/internal/task/executor"
	logx "jobmesh/pkg/logx"
)

func executorInvoker(by string, manual bool, scheduled time.Time) executor.Invoker {
	inv := executor.Invoker{By: by, Manual: manual}
	if !manual {
		inv.Scheduled = scheduled
	}
	return inv
}

// RunTask runs taskID once on this instance. It claims the task in the
// job store first so no other instance runs it concurrently, persists the
// run status, publishes TaskCompleted and refreshes the task's triggers.
func (o *Orchestrator) RunTask(ctx context.Context, taskID string, inv executor.Invoker) error {
	t, err := o.store.GetTask(ctx, "", taskID)
	if err != nil {
		return fmt.Errorf("run %s: %w", taskID, err)
	}
	if err := t.Validate(); err != nil {
		return fmt.Errorf("run %s: %w", taskID, err)
	}

	if o.runner.IsRunning(t.ID) {
		return fmt.Errorf("%w: %s", executor.ErrBusy, t.ID)
	}
	ttl := o.cfg.ClaimTTL
	if to := t.Timeout.Std(); to > 0 {
		ttl = to + time.Minute
	}
	ok, err := o.backend.Claim(ctx, t.ID, o.self.ID, ttl)
	if err != nil {
		return fmt.Errorf("claim %s: %w", t.ID, err)
	}
	if !ok {
		if ex, xerr := o.backend.Executing(ctx); xerr == nil && ex[t.ID] == o.self.ID {
			return fmt.Errorf("%w: %s", executor.ErrBusy, t.ID)
		}
		return fmt.Errorf("%w: %s", ErrClaimed, t.ID)
	}
	var done <-chan struct{}
	release := o.holdClaim(ctx, t.ID, ttl)
	defer func() { release(done) }()

	prev, _, err := o.store.GetStatus(ctx, t.ID)
	if err != nil {
		return fmt.Errorf("status %s: %w", t.ID, err)
	}
	start := o.now()
	st := task.RunStatus{TaskID: t.ID, State: task.StateStarted, Start: start, Manual: inv.Manual}
	if inv.Manual {
		st.LastScheduledStart = prev.LastScheduledStart
	} else {
		st.LastScheduledStart = inv.Scheduled
		if st.LastScheduledStart.IsZero() {
			st.LastScheduledStart = start
		}
	}
	if err := o.store.PutStatus(ctx, st); err != nil {
		return fmt.Errorf("status %s: %w", t.ID, err)
	}
	o.setLast(t.ID, st.LastScheduledStart)

	res, runErr := o.runner.Run(ctx, t, inv)
	done = res.Done
	if errors.Is(runErr, executor.ErrBusy) {
		o.restoreStatus(ctx, prev)
		return runErr
	}

	sctx := context.WithoutCancel(ctx)
	st.RunID = res.RunID
	st.State = res.State
	st.End = res.End
	if runErr != nil {
		st.Error = runErr.Error()
	}
	if err := o.store.PutStatus(sctx, st); err != nil {
		o.log.Warn("persist status failed", logx.String("task", t.ID), logx.Err(err))
	}
	o.resetSignals(sctx, t)

	o.bus.Publish(eventbus.Event{Type: eventbus.TypeTaskCompleted, Time: st.End, Data: eventbus.TaskCompleted{
		TaskID: t.ID, RunID: st.RunID, State: string(st.State), Manual: inv.Manual,
	}})

	if err := o.refresh(sctx, t.ID, st); err != nil {
		o.log.Warn("reschedule after run failed", logx.String("task", t.ID), logx.Err(err))
	}
	return runErr
}

// holdClaim renews the executing claim on taskID every ttl/3 until the
// returned release is called. Release drops the claim once done is
// closed; a run interrupted with units still going keeps its claim until
// they are gone.
func (o *Orchestrator) holdClaim(ctx context.Context, taskID string, ttl time.Duration) func(done <-chan struct{}) {
	bg := context.WithoutCancel(ctx)
	stop := make(chan struct{})
	stopped := make(chan struct{})
	every := max(ttl/3, time.Millisecond)
	go func() {
		defer close(stopped)
		tick := time.NewTicker(every)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				rctx, cancel := context.WithTimeout(bg, 5*time.Second)
				ok, err := o.backend.Renew(rctx, taskID, o.self.ID, ttl)
				cancel()
				switch {
				case err != nil:
					o.log.Warn("renew claim failed", logx.String("task", taskID), logx.Err(err))
				case !ok:
					o.log.Warn("claim lost while running", logx.String("task", taskID))
				}
			}
		}
	}()

	end := func() {
		close(stop)
		<-stopped
		rctx, cancel := context.WithTimeout(bg, 5*time.Second)
		defer cancel()
		if err := o.backend.Release(rctx, taskID, o.self.ID); err != nil {
			o.log.Warn("release claim failed", logx.String("task", taskID), logx.Err(err))
		}
	}
	return func(done <-chan struct{}) {
		if done != nil {
			select {
			case <-done:
			default:
				o.log.Debug("holding claim until leftover units finish", logx.String("task", taskID))
				go func() {
					<-done
					end()
				}()
				return
			}
		}
		end()
	}
}

func (o *Orchestrator) restoreStatus(ctx context.Context, prev task.RunStatus) {
	if prev.TaskID == "" {
		return
	}
	if err := o.store.PutStatus(context.WithoutCancel(ctx), prev); err != nil {
		o.log.Warn("restore status failed", logx.String("task", prev.TaskID), logx.Err(err))
	}
}

// RunChained runs taskID on behalf of a chain action of parentID.
func (o *Orchestrator) RunChained(ctx context.Context, parentID, taskID string) error {
	return o.RunTask(ctx, taskID, executorInvoker("chain:"+parentID, true, time.Time{}))
}

// CancelTask interrupts a run executing on this instance.
func (o *Orchestrator) CancelTask(taskID string) error {
	err := o.runner.Cancel(taskID)
	if err == nil || !errors.Is(err, executor.ErrNotRunning) {
		return err
	}
	ex, xerr := o.backend.Executing(context.Background())
	if xerr == nil {
		if inst, ok := ex[taskID]; ok && inst != o.self.ID {
			return fmt.Errorf("%w (executing on instance %s)", err, inst)
		}
	}
	return err
}

// refresh recomputes the triggers of one task after a run and retires
// non-durable tasks whose schedule is exhausted.
func (o *Orchestrator) refresh(ctx context.Context, taskID string, st task.RunStatus) error {
	t, err := o.store.GetTask(ctx, "", taskID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := o.register(ctx, t, st); err != nil {
		return err
	}
	if err := o.scheduleOne(ctx, t); err != nil {
		return err
	}
	if t.Durable || !t.Removable || len(t.Recurrences()) == 0 || len(t.Recurrences()) != len(t.Conditions) {
		return nil
	}
	if _, err := o.nextRun(ctx, t); errors.Is(err, ErrNoNextRun) {
		o.log.Info("retiring exhausted task", logx.String("task", t.ID))
		return o.RemoveTask(ctx, t.Org, t.ID)
	}
	return nil
}

// onCompleted runs inline in the publisher. It marks dependents'
// completion conditions satisfied and starts their runs.
func (o *Orchestrator) onCompleted(e eventbus.Event) {
	done, ok := e.Data.(eventbus.TaskCompleted)
	if !ok || done.State != string(task.StateFinished) {
		return
	}
	o.mu.Lock()
	sup := o.sup
	o.mu.Unlock()
	if sup == nil {
		return
	}
	ctx := sup.Context()
	tasks, err := o.store.ListTasks(ctx, "")
	if err != nil {
		o.log.Warn("completion fan-out failed", logx.String("task", done.TaskID), logx.Err(err))
		return
	}
	for _, t := range tasks {
		if !t.Enabled || !o.markSatisfied(&t, done.TaskID) {
			continue
		}
		if err := o.store.PutTask(ctx, t); err != nil {
			o.log.Warn("persist completion signal failed", logx.String("task", t.ID), logx.Err(err))
			continue
		}
		id := t.ID
		sup.Go0("dependent."+id, func(c context.Context) {
			err := o.RunTask(c, id, executorInvoker("completion:"+done.TaskID, false, o.now().Round(time.Second)))
			if err != nil && !errors.Is(err, ErrClaimed) {
				o.log.Warn("dependent run failed", logx.String("task", id), logx.String("parent", done.TaskID), logx.Err(err))
			}
		})
	}
}

func (o *Orchestrator) markSatisfied(t *task.Task, parentID string) bool {
	if t.ID == parentID {
		return false
	}
	marked := false
	for i := range t.Conditions {
		if c := t.Conditions[i].Completion; c != nil && c.TaskID == parentID {
			c.Satisfied = true
			marked = true
		}
	}
	return marked
}

// resetSignals clears satisfied completion conditions after a run.
func (o *Orchestrator) resetSignals(ctx context.Context, ran task.Task) {
	if !ran.AnySatisfied() {
		return
	}
	t, err := o.store.GetTask(ctx, "", ran.ID)
	if err != nil {
		return
	}
	for i := range t.Conditions {
		if c := t.Conditions[i].Completion; c != nil {
			c.Satisfied = false
		}
	}
	if err := o.store.PutTask(ctx, t); err != nil {
		o.log.Warn("reset completion signals failed", logx.String("task", t.ID), logx.Err(err))
	}
}
