package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"jobmesh/internal/cluster"
	"jobmesh/internal/eventbus"
	"jobmesh/internal/metrics"
	"jobmesh/internal/recurrence"
	rtsup "jobmesh/internal/runtime/supervisor"
	"jobmesh/internal/storage"
	"jobmesh/internal/task"
	"jobmesh/internal/task/executor"
	logx "jobmesh/pkg/logx"
)

// Orchestrator is the per-instance scheduling loop. Construct it with New,
// call Start once and Stop on shutdown.
type Orchestrator struct {
	cfg     Config
	log     logx.Logger
	store   storage.Store
	backend cluster.Backend
	runner  Runner
	bus     eventbus.Bus
	metrics *metrics.Metrics
	now     func() time.Time
	onPut   func(ctx context.Context, t task.Task)

	self cluster.Instance

	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string][]cron.EntryID
	sup     *rtsup.Supervisor
	unsub   func()

	lmu  sync.RWMutex
	last map[string]time.Time

	beat     atomic.Int64
	lastLoad atomic.Int64
	leader   atomic.Bool
}

type Option func(*Orchestrator)

func WithLogger(log logx.Logger) Option { return func(o *Orchestrator) { o.log = log } }
func WithBus(b eventbus.Bus) Option { return func(o *Orchestrator) { o.bus = b } }
func WithMetrics(m *metrics.Metrics) Option { return func(o *Orchestrator) { o.metrics = m } }
func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

// WithTaskHook registers fn to run after a task is stored; the balancer
// uses it to rebalance ranges the task is bound to.
func WithTaskHook(fn func(ctx context.Context, t task.Task)) Option {
	return func(o *Orchestrator) { o.onPut = fn }
}

func New(cfg Config, store storage.Store, backend cluster.Backend, runner Runner, opts ...Option) *Orchestrator {
	cfg = cfg.withDefaults()
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if cfg.Host == "" {
		cfg.Host, _ = os.Hostname()
	}
	o := &Orchestrator{
		cfg:     cfg,
		store:   store,
		backend: backend,
		runner:  runner,
		now:     time.Now,
		entries: map[string][]cron.EntryID{},
		last:    map[string]time.Time{},
	}
	for _, opt := range opts {
		opt(o)
	}
	o.self = cluster.Instance{ID: cfg.InstanceID, Host: cfg.Host}
	if o.bus == nil {
		o.bus = eventbus.New()
	}
	return o
}

func (o *Orchestrator) InstanceID() string { return o.cfg.InstanceID }

// Start registers this instance, refuses with cluster.ErrLicense when too
// many instances are active, then starts the trigger runner and the
// background loops. The initial load runs synchronously.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.cron != nil {
		o.mu.Unlock()
		return nil
	}
	o.mu.Unlock()

	o.self.StartedAt = o.now()
	if err := cluster.CheckLicense(ctx, o.backend, o.self, o.cfg.MaxInstances, o.cfg.InstanceTTL); err != nil {
		return err
	}

	loc, err := recurrence.LoadLocation(o.cfg.Timezone)
	if err != nil {
		return fmt.Errorf("orchestrator timezone: %w", err)
	}
	cl := cronLogger{log: o.log.With(logx.String("comp", "cron"))}
	c := cron.New(cron.WithLocation(loc), cron.WithLogger(cl), cron.WithChain(cron.Recover(cl)))
	c.Schedule(cron.Every(o.cfg.HealthEvery), cron.FuncJob(o.healthBeat))
	o.healthBeat()

	sup := rtsup.New(ctx,
		rtsup.WithLogger(o.log.With(logx.String("comp", "orchestrator"))),
		rtsup.WithCancelOnError(false),
	)

	o.mu.Lock()
	o.cron, o.sup = c, sup
	o.mu.Unlock()
	c.Start()

	if err := o.Load(ctx); err != nil {
		// Coordination errors are retried by the reload loop.
		o.log.Warn("initial load failed", logx.Err(err))
	}

	unsub := o.bus.Handle(eventbus.TypeTaskCompleted, o.onCompleted)
	o.mu.Lock()
	o.unsub = unsub
	o.mu.Unlock()

	sup.GoRestart("heartbeat", func(c context.Context) error {
		return o.every(c, o.cfg.HeartbeatEvery, func(c context.Context) {
			self := o.self
			self.LastSeen = o.now()
			if err := o.backend.Heartbeat(c, self); err != nil {
				o.log.Warn("instance heartbeat failed", logx.Err(err))
			}
		})
	})
	sup.GoRestart("reload", func(c context.Context) error {
		return o.every(c, o.cfg.ReloadEvery, func(c context.Context) {
			if err := o.Load(c); err != nil && c.Err() == nil {
				o.log.Warn("reload failed", logx.Err(err))
			}
		})
	})
	sup.GoRestart("health", func(c context.Context) error {
		return o.every(c, o.cfg.HealthEvery, func(context.Context) {
			o.metrics.LoopHealthy(o.Health().Healthy)
		})
	})

	o.log.Info("orchestrator started", logx.String("instance", o.self.ID), logx.String("tz", loc.String()))
	return nil
}

func (o *Orchestrator) every(ctx context.Context, d time.Duration, fn func(context.Context)) error {
	t := time.NewTicker(d)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			fn(ctx)
		}
	}
}

// Stop halts triggers and loops and deregisters the instance. Runs in
// flight are not interrupted here; the executor pool owns them.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	c, sup, unsub := o.cron, o.sup, o.unsub
	o.cron, o.sup, o.unsub = nil, nil, nil
	o.entries = map[string][]cron.EntryID{}
	o.mu.Unlock()
	if c == nil {
		return nil
	}
	if unsub != nil {
		unsub()
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	var errs []error
	if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		errs = append(errs, err)
	}
	if err := o.backend.Deregister(context.WithoutCancel(ctx), o.self.ID); err != nil {
		errs = append(errs, fmt.Errorf("deregister: %w", err))
	}
	o.log.Info("orchestrator stopped")
	return errors.Join(errs...)
}

func (o *Orchestrator) healthBeat() { o.beat.Store(o.now().UnixNano()) }

// Load refreshes triggers and the local runner. Under the cluster lock one
// instance recomputes fire times; the others wait for it and then mirror
// what it wrote.
func (o *Orchestrator) Load(ctx context.Context) error {
	tasks, err := o.store.ListTasks(ctx, "")
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	valid := tasks[:0]
	for _, t := range tasks {
		if err := t.Validate(); err != nil {
			o.log.Warn("task skipped", logx.String("task", t.ID), logx.Err(err))
			continue
		}
		valid = append(valid, t)
	}

	ran, err := cluster.WithLock(ctx, o.backend, loadLock, o.self.ID, o.cfg.LockTTL, func(ctx context.Context) error {
		return o.registerAll(ctx, valid)
	})
	if err != nil {
		return err
	}
	o.leader.Store(ran)
	if err := o.syncLocal(ctx, valid); err != nil {
		return err
	}
	o.lastLoad.Store(o.now().UnixNano())
	o.log.Debug("tasks loaded", logx.Int("tasks", len(valid)), logx.Bool("leader", ran))
	return nil
}

func (o *Orchestrator) registerAll(ctx context.Context, tasks []task.Task) error {
	statuses, err := o.store.ListStatuses(ctx)
	if err != nil {
		return fmt.Errorf("list statuses: %w", err)
	}
	existing, err := o.backend.Triggers(ctx, "")
	if err != nil {
		return fmt.Errorf("list triggers: %w", err)
	}
	known := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		known[t.ID] = true
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Parallelism)
	for _, t := range tasks {
		st := statuses[t.ID]
		g.Go(func() error { return o.register(gctx, t, st) })
	}
	stale := map[string]bool{}
	for _, tr := range existing {
		if !known[tr.TaskID] && !stale[tr.TaskID] {
			stale[tr.TaskID] = true
			id := tr.TaskID
			g.Go(func() error { return o.backend.DeleteTriggers(gctx, id) })
		}
	}
	return g.Wait()
}

// register writes the triggers of one task from its last status.
func (o *Orchestrator) register(ctx context.Context, t task.Task, st task.RunStatus) error {
	now := o.now()
	o.setLast(t.ID, st.LastScheduledStart)
	if err := o.backend.DeleteTriggers(ctx, t.ID); err != nil {
		return fmt.Errorf("task %s: %w", t.ID, err)
	}
	ended := t.Window().Ended(now)
	for _, c := range t.Recurrences() {
		tr := cluster.Trigger{TaskID: t.ID, ConditionID: c.ID, UpdatedAt: now}
		if next, ok := nextFire(t, c, st, now); ok {
			tr.NextFire = next
		}
		tr.Paused = !t.Enabled || ended || tr.NextFire.IsZero()
		if err := o.backend.UpsertTrigger(ctx, tr); err != nil {
			return fmt.Errorf("task %s condition %s: %w", t.ID, c.ID, err)
		}
	}
	return nil
}

// nextFire resolves one recurrence condition. One-shot specs that already
// ran to completion never fire again.
func nextFire(t task.Task, c task.Condition, st task.RunStatus, now time.Time) (time.Time, bool) {
	spec := *c.Recurrence
	if spec.Kind == recurrence.KindAt && st.State == task.StateFinished && !st.LastScheduledStart.Before(spec.At) {
		return time.Time{}, false
	}
	return recurrence.NextFireWithin(spec, t.Timezone, t.Window(), now, st.LastScheduledStart)
}

// syncLocal mirrors non-paused triggers into the cron runner.
func (o *Orchestrator) syncLocal(ctx context.Context, tasks []task.Task) error {
	triggers, err := o.backend.Triggers(ctx, "")
	if err != nil {
		return fmt.Errorf("list triggers: %w", err)
	}
	paused := map[string]bool{}
	for _, tr := range triggers {
		if tr.Paused {
			paused[tr.TaskID+"/"+tr.ConditionID] = true
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cron == nil {
		return ErrNotStarted
	}
	for id, ids := range o.entries {
		for _, eid := range ids {
			o.cron.Remove(eid)
		}
		delete(o.entries, id)
	}
	for _, t := range tasks {
		o.scheduleLocked(t, func(condID string) bool { return paused[t.ID+"/"+condID] })
	}
	return nil
}

func (o *Orchestrator) scheduleLocked(t task.Task, paused func(condID string) bool) {
	for _, eid := range o.entries[t.ID] {
		o.cron.Remove(eid)
	}
	o.entries[t.ID] = nil
	if !t.Enabled {
		return
	}
	for _, c := range t.Recurrences() {
		if paused(c.ID) {
			continue
		}
		sched := &recurrence.Schedule{
			Spec:     c.Recurrence.Clone(),
			Timezone: t.Timezone,
			Window:   t.Window(),
			Last:     func() time.Time { return o.getLast(t.ID) },
		}
		id := t.ID
		eid := o.cron.Schedule(sched, cron.FuncJob(func() { o.fire(id) }))
		o.entries[t.ID] = append(o.entries[t.ID], eid)
	}
}

func (o *Orchestrator) fire(taskID string) {
	o.metrics.TriggerFired()
	o.mu.Lock()
	sup := o.sup
	o.mu.Unlock()
	if sup == nil {
		return
	}
	inv := executorInvoker("scheduler", false, o.now().Round(time.Second))
	err := o.RunTask(sup.Context(), taskID, inv)
	switch {
	case err == nil:
	case errors.Is(err, ErrClaimed):
		o.log.Debug("trigger skipped: claimed elsewhere", logx.String("task", taskID))
	case errors.Is(err, executor.ErrBusy):
		o.log.Debug("trigger skipped: still running", logx.String("task", taskID))
	default:
		o.log.Warn("scheduled run failed", logx.String("task", taskID), logx.Err(err))
	}
}

func (o *Orchestrator) setLast(taskID string, t time.Time) {
	o.lmu.Lock()
	o.last[taskID] = t
	o.lmu.Unlock()
}

func (o *Orchestrator) getLast(taskID string) time.Time {
	o.lmu.RLock()
	defer o.lmu.RUnlock()
	return o.last[taskID]
}
