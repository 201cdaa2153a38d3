package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"jobmesh/internal/eventbus"
	"jobmesh/internal/metrics"
	"jobmesh/internal/task"
	"jobmesh/internal/task/action"
	logx "jobmesh/pkg/logx"
)

// Executor runs tasks. At most one run per task id is live at a time;
// a second Run for the same id fails with ErrBusy.
type Executor struct {
	cfg     Config
	pool    *Pool
	reg     *action.Registry
	log     logx.Logger
	bus     eventbus.Bus
	notify  Notifier
	metrics *metrics.Metrics
	now     func() time.Time

	mu   sync.Mutex
	runs map[string]*run
}

type Option func(*Executor)

func WithLogger(log logx.Logger) Option { return func(e *Executor) { e.log = log } }
func WithBus(b eventbus.Bus) Option { return func(e *Executor) { e.bus = b } }
func WithNotifier(n Notifier) Option { return func(e *Executor) { e.notify = n } }
func WithMetrics(m *metrics.Metrics) Option { return func(e *Executor) { e.metrics = m } }
func WithClock(now func() time.Time) Option { return func(e *Executor) { e.now = now } }

func New(cfg Config, pool *Pool, reg *action.Registry, opts ...Option) *Executor {
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = 5 * time.Second
	}
	e := &Executor{cfg: cfg, pool: pool, reg: reg, now: time.Now, runs: map[string]*run{}}
	for _, o := range opts {
		o(e)
	}
	return e
}

// run is the live state of one execution.
type run struct {
	id string

	outstanding atomic.Int64
	wake        chan struct{}

	interrupt chan struct{}
	stopOnce  sync.Once
	// cancel ends the units' context with ErrInterrupted.
	cancel context.CancelCauseFunc

	mu        sync.Mutex
	errs      []error
	cancelers []action.Canceler
	exceeded  atomic.Bool
}

func newRun(cancel context.CancelCauseFunc) *run {
	return &run{id: uuid.NewString(), wake: make(chan struct{}, 1), interrupt: make(chan struct{}), cancel: cancel}
}

func (r *run) stop() {
	r.stopOnce.Do(func() {
		close(r.interrupt)
		r.cancel(ErrInterrupted)
	})
}

func (r *run) interrupted() bool {
	select {
	case <-r.interrupt:
		return true
	default:
		return false
	}
}

func (r *run) finish(err error) {
	if err != nil {
		r.mu.Lock()
		r.errs = append(r.errs, err)
		r.mu.Unlock()
	}
	r.outstanding.Add(-1)
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// wait blocks until no unit is outstanding. It returns false when ctx
// ends or the run is interrupted first.
func (r *run) wait(ctx context.Context) bool {
	for r.outstanding.Load() > 0 {
		select {
		case <-r.wake:
		case <-ctx.Done():
			return false
		case <-r.interrupt:
			return false
		}
	}
	return true
}

// drain waits up to d (forever when d <= 0) for outstanding units.
func (r *run) drain(d time.Duration) bool {
	var deadline <-chan time.Time
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		deadline = t.C
	}
	for r.outstanding.Load() > 0 {
		select {
		case <-r.wake:
		case <-deadline:
			return r.outstanding.Load() == 0
		}
	}
	return true
}

func (r *run) cancelAll() {
	r.mu.Lock()
	cs := append([]action.Canceler(nil), r.cancelers...)
	r.mu.Unlock()
	for _, c := range cs {
		c.Cancel()
	}
}

func (r *run) errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

// Run executes t's actions and blocks until they finish, the timeout
// elapses or the run is canceled. It works on a deep copy of t.
// Result.Done is closed once the task is no longer busy, which may be
// after Run returns when units ignore cancellation.
func (e *Executor) Run(ctx context.Context, t task.Task, inv Invoker) (Result, error) {
	unitCtx, cancelUnits := context.WithCancelCause(ctx)
	r := newRun(cancelUnits)
	e.mu.Lock()
	if _, busy := e.runs[t.ID]; busy {
		e.mu.Unlock()
		cancelUnits(nil)
		e.metrics.BusyRejected()
		return Result{}, fmt.Errorf("%w: %s", ErrBusy, t.ID)
	}
	e.runs[t.ID] = r
	e.mu.Unlock()

	snap := t.Clone()
	snap.Running = true
	start := e.now()
	expandParams(&snap, r.id, start, inv.Scheduled)
	log := e.log.With(logx.String("task", snap.ID), logx.String("run", r.id))

	timeout := snap.Timeout.Std()
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}
	stopTimeout := context.CancelFunc(func() {})
	if timeout > 0 {
		unitCtx, stopTimeout = context.WithTimeoutCause(unitCtx, timeout, ErrTimeout)
	}
	done := make(chan struct{})
	cleanup := func() {
		stopTimeout()
		cancelUnits(nil)
		e.release(snap.ID, r)
		close(done)
	}

	log.Debug("run started", logx.String("by", inv.By), logx.Bool("manual", inv.Manual))
	e.publish(eventbus.TypeTaskStarted, RunEvent{TaskID: snap.ID, RunID: r.id, By: inv.By, Start: start})
	e.taskEvent(ctx, snap, task.NotifyStart, "")

	if th := snap.Threshold.Std(); th > 0 {
		timer := time.AfterFunc(th, func() {
			r.exceeded.Store(true)
			e.metrics.ThresholdExceeded()
			log.Warn("run exceeded threshold", logx.Duration("threshold", th))
			e.publish(eventbus.TypeTaskExceeded, RunEvent{TaskID: snap.ID, RunID: r.id, By: inv.By, Start: start, Duration: th})
			e.taskEvent(context.WithoutCancel(ctx), snap, task.NotifyExceed, "")
		})
		defer timer.Stop()
	}

	env := action.Env{TaskID: snap.ID, TaskName: snap.Name, Org: snap.Org, RunID: r.id, Start: start, Scheduled: inv.Scheduled, Log: log}
	e.submitAll(unitCtx, r, snap, env)
	completed := r.wait(unitCtx)

	res := Result{RunID: r.id, Start: start, Done: done}
	errs := r.errors()
	interrupted := r.interrupted() || ctx.Err() != nil
	timedOut := unitCtx.Err() != nil && errors.Is(context.Cause(unitCtx), ErrTimeout)
	var runErr error
	switch {
	case completed && len(errs) == 0:
		res.State = task.StateFinished
	case interrupted:
		r.cancelAll()
		r.drain(e.cfg.CancelGrace)
		for _, err := range r.errors() {
			if !errors.Is(err, ErrInterrupted) && !errors.Is(err, context.Canceled) {
				log.Warn("action failed", logx.Err(err))
			}
		}
		runErr = ErrInterrupted
		res.State = task.StateInterrupted
	case timedOut:
		r.cancelAll()
		r.drain(e.cfg.CancelGrace)
		for _, err := range errs {
			log.Warn("action failed", logx.Err(err))
		}
		runErr = fmt.Errorf("%w after %s", ErrTimeout, timeout)
		res.State = task.StateFailed
	default:
		if len(errs) == 0 {
			errs = []error{context.Cause(unitCtx)}
		}
		for _, err := range errs[:len(errs)-1] {
			log.Warn("action failed", logx.Err(err))
		}
		runErr = errs[len(errs)-1]
		res.State = task.StateFailed
	}

	res.End = e.now()
	res.Exceeded = r.exceeded.Load()
	res.Err = runErr
	took := res.End.Sub(start)
	e.metrics.RunFinished(string(res.State), took)

	ev := RunEvent{TaskID: snap.ID, RunID: r.id, By: inv.By, Start: start, Duration: took}
	switch res.State {
	case task.StateFinished:
		log.Info("run finished", logx.Duration("took", took))
		e.publish(eventbus.TypeTaskFinished, ev)
		e.taskEvent(ctx, snap, task.NotifyEnd, "")
	case task.StateInterrupted:
		log.Info("run interrupted", logx.Duration("took", took))
		ev.Error = runErr.Error()
		e.publish(eventbus.TypeTaskFailed, ev)
		e.taskEvent(context.WithoutCancel(ctx), snap, task.NotifyEnd, "interrupted")
	default:
		log.Warn("run failed", logx.Err(runErr), logx.Duration("took", took))
		ev.Error = runErr.Error()
		e.publish(eventbus.TypeTaskFailed, ev)
		e.taskEvent(context.WithoutCancel(ctx), snap, task.NotifyFailure, runErr.Error())
	}

	if r.outstanding.Load() > 0 {
		// Non-cooperative units keep running; the task stays busy until
		// they are gone so two runs never overlap.
		log.Warn("units still running after cancel", logx.Int64("outstanding", r.outstanding.Load()))
		go func() {
			r.drain(0)
			cleanup()
		}()
	} else {
		cleanup()
	}
	return res, runErr
}

func (e *Executor) submitAll(ctx context.Context, r *run, snap task.Task, env action.Env) {
	for _, a := range snap.Actions {
		if r.interrupted() || ctx.Err() != nil {
			return
		}
		strat, err := e.reg.Lookup(a.Kind)
		if err != nil {
			r.outstanding.Add(1)
			r.finish(e.actionErr(a, err))
			continue
		}
		barrier := e.reg.IsBarrier(a.Kind)
		if barrier && !r.wait(ctx) {
			return
		}
		unit, err := strat.New(a, env)
		if err != nil {
			r.outstanding.Add(1)
			r.finish(e.actionErr(a, err))
			continue
		}
		if c, ok := unit.(action.Canceler); ok {
			r.mu.Lock()
			r.cancelers = append(r.cancelers, c)
			r.mu.Unlock()
		}

		r.outstanding.Add(1)
		done := func(err error) { r.finish(e.actionErr(a, err)) }
		if barrier {
			// Barrier units start nested runs; keeping them off the pool
			// avoids starving the workers those runs need.
			go func() { done(safeRun(ctx, unit, env.Log)) }()
			continue
		}
		if err := e.pool.Submit(ctx, Job{Name: snap.ID + "/" + a.ID, Run: unit.Run, Done: done}); err != nil {
			done(err)
			return
		}
	}
}

func (e *Executor) actionErr(a task.Action, err error) error {
	if err == nil {
		return nil
	}
	e.metrics.ActionFailed(a.Kind)
	return fmt.Errorf("action %s (%s): %w", a.ID, a.Kind, err)
}

func safeRun(ctx context.Context, u action.Unit, log logx.Logger) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
			log.Error("unit panicked", logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
		}
	}()
	return u.Run(ctx)
}

func (e *Executor) release(id string, r *run) {
	e.mu.Lock()
	if e.runs[id] == r {
		delete(e.runs, id)
	}
	e.mu.Unlock()
}

// Cancel interrupts the live run of taskID.
func (e *Executor) Cancel(taskID string) error {
	e.mu.Lock()
	r, ok := e.runs[taskID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRunning, taskID)
	}
	r.stop()
	return nil
}

func (e *Executor) IsRunning(taskID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.runs[taskID]
	return ok
}

func (e *Executor) Running() []string {
	e.mu.Lock()
	out := make([]string, 0, len(e.runs))
	for id := range e.runs {
		out = append(out, id)
	}
	e.mu.Unlock()
	sort.Strings(out)
	return out
}

func (e *Executor) publish(typ string, ev RunEvent) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{Type: typ, Time: e.now(), Data: ev})
}

func (e *Executor) taskEvent(ctx context.Context, t task.Task, ev task.NotifyEvent, detail string) {
	if e.notify == nil {
		return
	}
	if err := e.notify.TaskEvent(ctx, t, ev, detail); err != nil {
		e.log.Debug("task notification not sent", logx.String("task", t.ID), logx.String("event", string(ev)), logx.Err(err))
	}
}
