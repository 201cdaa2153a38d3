package balancer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"jobmesh/internal/cluster"
	"jobmesh/internal/eventbus"
	"jobmesh/internal/metrics"
	"jobmesh/internal/recurrence"
	rtsup "jobmesh/internal/runtime/supervisor"
	"jobmesh/internal/storage"
	"jobmesh/internal/task"
	logx "jobmesh/pkg/logx"
)

type Config struct {
	// Ceiling is the target number of tasks firing in the same slot.
	Ceiling  int
	Every    time.Duration
	LockTTL  time.Duration
	Timezone string
	// Owner identifies this instance in the cluster lock.
	Owner string
}

func (c Config) withDefaults() Config {
	if c.Ceiling <= 0 {
		c.Ceiling = 2
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 5 * time.Minute
	}
	if c.Owner == "" {
		c.Owner = uuid.NewString()
	}
	return c
}

// Rescheduler re-registers the triggers of a task whose spec changed.
type Rescheduler interface {
	Reschedule(ctx context.Context, t task.Task) error
}

// Result summarizes one Rebalance call.
type Result struct {
	Range       string `json:"range"`
	Tasks       int    `json:"tasks"`
	Moved       int    `json:"moved"`
	Levels      int    `json:"levels"`
	SlotMinutes int    `json:"slot_minutes"`
	Overflow    bool   `json:"overflow,omitempty"`
	// Observed is set when another instance held the lock and did the work.
	Observed bool `json:"observed,omitempty"`
}

type Service struct {
	cfg     Config
	log     logx.Logger
	store   storage.Store
	locker  cluster.Locker
	resched Rescheduler
	bus     eventbus.Bus
	metrics *metrics.Metrics
	now     func() time.Time

	mu  sync.Mutex
	sup *rtsup.Supervisor
}

type Option func(*Service)

func WithLogger(log logx.Logger) Option { return func(s *Service) { s.log = log } }
func WithBus(b eventbus.Bus) Option { return func(s *Service) { s.bus = b } }
func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func New(cfg Config, store storage.Store, locker cluster.Locker, resched Rescheduler, opts ...Option) *Service {
	s := &Service{cfg: cfg.withDefaults(), store: store, locker: locker, resched: resched, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs RebalanceAll every cfg.Every. A zero interval disables the
// periodic pass; Rebalance still works on demand.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || s.cfg.Every <= 0 {
		return
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log.With(logx.String("comp", "balancer"))), rtsup.WithCancelOnError(false))
	s.sup.GoRestart("rebalance", func(c context.Context) error {
		t := time.NewTicker(s.cfg.Every)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return c.Err()
			case <-t.C:
				if err := s.RebalanceAll(c); err != nil && c.Err() == nil {
					s.log.Warn("periodic rebalance failed", logx.Err(err))
				}
			}
		}
	})
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup != nil {
		_ = sup.Stop(ctx)
	}
}

// RebalanceAll rebalances every stored range. One failing range does not
// stop the others.
func (s *Service) RebalanceAll(ctx context.Context) error {
	ranges, err := s.store.ListTimeRanges(ctx)
	if err != nil {
		return fmt.Errorf("list ranges: %w", err)
	}
	var errs []error
	for _, r := range ranges {
		if _, err := s.Rebalance(ctx, r.Name); err != nil {
			errs = append(errs, fmt.Errorf("range %s: %w", r.Name, err))
		}
	}
	return errors.Join(errs...)
}

// OnTaskPut rebalances the ranges t is bound to. It is wired as the
// orchestrator's task hook.
func (s *Service) OnTaskPut(ctx context.Context, t task.Task) {
	names := map[string]bool{}
	for _, c := range t.Recurrences() {
		if !c.Recurrence.Fixed() && c.Recurrence.HasClock() {
			names[c.Recurrence.TimeRange] = true
		}
	}
	if len(names) == 0 {
		return
	}
	ranges, err := s.store.ListTimeRanges(ctx)
	if err != nil {
		s.log.Warn("list ranges failed", logx.String("task", t.ID), logx.Err(err))
		return
	}
	targets := map[string]bool{}
	known := knownRanges(ranges)
	for name := range names {
		if known[name] {
			targets[name] = true
		} else if def, ok := defaultRange(ranges); ok {
			targets[def.Name] = true
		}
	}
	for name := range targets {
		if _, err := s.Rebalance(ctx, name); err != nil {
			s.log.Warn("rebalance after task update failed", logx.String("task", t.ID), logx.String("range", name), logx.Err(err))
		}
	}
}

// Rebalance reassigns the start times of every condition bound to the
// named range. Exactly one instance does the work under the cluster lock
// "balancer.<name>"; the others wait and report Observed.
func (s *Service) Rebalance(ctx context.Context, name string) (Result, error) {
	res := Result{Range: name}
	ran, err := cluster.WithLock(ctx, s.locker, "balancer."+name, s.cfg.Owner, s.cfg.LockTTL, func(ctx context.Context) error {
		var err error
		res, err = s.rebalance(ctx, name)
		return err
	})
	if err != nil {
		s.metrics.Rebalanced(name, "error", 0)
		return res, err
	}
	if !ran {
		res.Observed = true
		s.metrics.Rebalanced(name, "observed", 0)
	}
	return res, nil
}

func (s *Service) rebalance(ctx context.Context, name string) (Result, error) {
	res := Result{Range: name}
	rng, err := s.store.GetTimeRange(ctx, name)
	if err != nil {
		return res, err
	}
	ranges, err := s.store.ListTimeRanges(ctx)
	if err != nil {
		return res, fmt.Errorf("list ranges: %w", err)
	}
	tasks, err := s.store.ListTasks(ctx, "")
	if err != nil {
		return res, fmt.Errorf("list tasks: %w", err)
	}

	known := knownRanges(ranges)
	var items []Item
	for _, t := range tasks {
		if !t.Enabled {
			continue
		}
		for _, c := range t.Recurrences() {
			sp := c.Recurrence
			if !sp.HasClock() {
				continue
			}
			it := Item{TaskID: t.ID, ConditionID: c.ID, Clock: sp.Start}
			switch {
			case sp.Fixed():
				it.Fixed = true
			case sp.TimeRange == rng.Name, rng.Default && !known[sp.TimeRange]:
			default:
				continue
			}
			items = append(items, it)
		}
	}

	now, err := s.clock()
	if err != nil {
		return res, err
	}
	plan := Compute(Window{Start: rng.Start, End: rng.End}, s.cfg.Ceiling, items, now)
	res.Tasks = len(plan.Assignments)
	if res.Tasks == 0 {
		s.metrics.Rebalanced(name, "noop", 0)
		return res, nil
	}
	res.Levels, res.SlotMinutes, res.Overflow = plan.Levels, plan.SlotMinutes, plan.Overflow
	if plan.Overflow {
		s.log.Warn("range over capacity; using extra levels",
			logx.String("range", name),
			logx.Int("levels", plan.Levels),
			logx.Int("ceiling", s.cfg.Ceiling),
			logx.Int("tasks", res.Tasks),
		)
	}

	byID := make(map[string]task.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	changed := map[string]task.Task{}
	for _, a := range plan.Assignments {
		t, ok := changed[a.TaskID]
		if !ok {
			t = byID[a.TaskID]
		}
		for i := range t.Conditions {
			c := &t.Conditions[i]
			if c.ID != a.ConditionID || c.Recurrence == nil || c.Recurrence.Start == a.Clock {
				continue
			}
			c.Recurrence.Start = a.Clock
			changed[t.ID] = t
			res.Moved++
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, t := range changed {
		g.Go(func() error {
			if err := s.store.PutTask(gctx, t); err != nil {
				return fmt.Errorf("store task %s: %w", t.ID, err)
			}
			if s.resched == nil {
				return nil
			}
			return s.resched.Reschedule(gctx, t)
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}

	s.metrics.Rebalanced(name, "ok", plan.Levels)
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeRebalanced, Time: s.now(), Data: res})
	}
	s.log.Info("range rebalanced",
		logx.String("range", name),
		logx.Int("tasks", res.Tasks),
		logx.Int("moved", res.Moved),
		logx.Int("slot_minutes", plan.SlotMinutes),
	)
	return res, nil
}

func (s *Service) clock() (recurrence.Clock, error) {
	loc, err := recurrence.LoadLocation(s.cfg.Timezone)
	if err != nil {
		return recurrence.Clock{}, fmt.Errorf("balancer timezone: %w", err)
	}
	return recurrence.ClockOf(s.now().In(loc)), nil
}

func knownRanges(ranges []task.TimeRange) map[string]bool {
	out := make(map[string]bool, len(ranges))
	for _, r := range ranges {
		out[r.Name] = true
	}
	return out
}

func defaultRange(ranges []task.TimeRange) (task.TimeRange, bool) {
	for _, r := range ranges {
		if r.Default {
			return r, true
		}
	}
	return task.TimeRange{}, false
}
