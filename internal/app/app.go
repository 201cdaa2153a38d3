package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"jobmesh/internal/api"
	"jobmesh/internal/cluster"
	"jobmesh/internal/cluster/postgres"
	"jobmesh/internal/config"
	"jobmesh/internal/eventbus"
	"jobmesh/internal/metrics"
	"jobmesh/internal/notifier"
	rtsup "jobmesh/internal/runtime/supervisor"
	"jobmesh/internal/storage"
	"jobmesh/internal/task"
	"jobmesh/internal/task/action"
	"jobmesh/internal/task/balancer"
	"jobmesh/internal/task/executor"
	"jobmesh/internal/task/orchestrator"
	"jobmesh/internal/transport"
	"jobmesh/internal/transport/telegram"
	logx "jobmesh/pkg/logx"
	"jobmesh/pkg/systemd"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log     logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus
	metrics *metrics.Metrics
	store   storage.Store
	backend cluster.Backend

	pool  *executor.Pool
	exec  *executor.Executor
	orch  *orchestrator.Orchestrator
	bal   *balancer.Service
	notif *notifier.Service
	api   *api.Service
}

// New loads the config at cfgPath and builds every component. Nothing is
// started yet.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	s, err := resolve(cfg)
	if err != nil {
		return nil, err
	}
	if s.orch.InstanceID == "" {
		s.orch.InstanceID = uuid.NewString()
	}
	s.balancer.Owner = s.orch.InstanceID

	sender, err := newSender(s.telegram, logx.NewConsole("info").With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(s.log, sender)
	log = log.With(logx.String("instance", s.orch.InstanceID))
	appLog := log.With(logx.String("comp", "app"))

	a := &App{cfgm: cfgm, log: appLog, logs: logSvc, bus: eventbus.New(), metrics: metrics.New()}

	a.store, err = storage.Open(s.storage, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	a.backend, err = openBackend(ctx, s.clusterDB, log.With(logx.String("comp", "cluster")))
	if err != nil {
		_ = a.store.Close()
		return nil, err
	}

	a.notif = notifier.New(s.notifier, sender,
		notifier.WithLogger(log.With(logx.String("comp", "notifier"))),
		notifier.WithBus(a.bus),
		notifier.WithDedupStore(a.store),
		notifier.WithMetrics(a.metrics),
	)

	reg := action.NewRegistry(
		action.Noop{},
		action.Shell{Shell: s.shell},
		&action.Webhook{
			Client:    &http.Client{Timeout: s.webhook.timeout},
			TripAfter: s.webhook.tripAfter,
			OpenFor:   s.webhook.openFor,
		},
		action.Notify{M: a.notif},
	)
	a.pool = executor.NewPool(s.pool, log.With(logx.String("comp", "pool")), a.metrics)
	a.exec = executor.New(s.exec, a.pool, reg,
		executor.WithLogger(log.With(logx.String("comp", "executor"))),
		executor.WithBus(a.bus),
		executor.WithNotifier(a.notif),
		executor.WithMetrics(a.metrics),
	)

	a.orch = orchestrator.New(s.orch, a.store, a.backend, a.exec,
		orchestrator.WithLogger(log.With(logx.String("comp", "orchestrator"))),
		orchestrator.WithBus(a.bus),
		orchestrator.WithMetrics(a.metrics),
		orchestrator.WithTaskHook(func(ctx context.Context, t task.Task) { a.bal.OnTaskPut(ctx, t) }),
	)
	reg.Register(action.Chain{Runner: a.orch})

	a.bal = balancer.New(s.balancer, a.store, a.backend, a.orch,
		balancer.WithLogger(log.With(logx.String("comp", "balancer"))),
		balancer.WithBus(a.bus),
		balancer.WithMetrics(a.metrics),
	)

	if s.apiOn {
		h := &api.Handlers{
			Sched:   a.orch,
			Balance: a.bal,
			Store:   a.store,
			Metrics: a.metrics.Handler(),
			Log:     log.With(logx.String("comp", "api")),
			Token:   s.api.Token,
			Debug:   s.api.Debug,
			Background: func(name string, fn func(ctx context.Context)) {
				if a.sup != nil {
					a.sup.Go0(name, fn)
				}
			},
		}
		a.api = api.NewService(s.api, h.Router(), log.With(logx.String("comp", "api")))
	}
	return a, nil
}

func newSender(cfg telegram.Config, log logx.Logger) (transport.Sender, error) {
	if cfg.Token == "" {
		return nil, nil
	}
	s, err := telegram.New(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return s, nil
}

func openBackend(ctx context.Context, dsn string, log logx.Logger) (cluster.Backend, error) {
	if dsn == "" {
		log.Info("cluster backend: memory (single instance)")
		return cluster.NewMemory(), nil
	}
	cctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	st, err := postgres.Open(cctx, dsn, log)
	if err != nil {
		return nil, err
	}
	log.Info("cluster backend: postgres")
	return st, nil
}

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := resolve(cfg)
		return err
	})

	run := a.sup.Context()
	if a.notif.Enabled() {
		a.notif.Start(run)
	}
	a.pool.Start(run)
	if err := a.orch.Start(run); err != nil {
		return err
	}
	a.bal.Start(run)
	if a.api != nil {
		if err := a.api.Start(run); err != nil {
			return err
		}
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		err := systemd.Watchdog(c, func() bool { return a.orch.Health().Healthy })
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if _, err := systemd.Ready(); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	}
	a.log.Info("app started", logx.String("instance", a.orch.InstanceID()))
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = systemd.Stopping()
	a.sup.Cancel()

	a.step(ctx, "api", time.Second, func(c context.Context) error {
		if a.api != nil {
			a.api.Stop(c)
		}
		return nil
	})
	a.step(ctx, "balancer", time.Second, func(c context.Context) error { a.bal.Stop(c); return nil })
	a.step(ctx, "orchestrator", 3*time.Second, a.orch.Stop)
	a.step(ctx, "pool", 3*time.Second, func(c context.Context) error { a.pool.Stop(c); return nil })
	a.step(ctx, "notifier", time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	a.step(ctx, "cluster", time.Second, func(context.Context) error { return a.backend.Close() })
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step bounded by max so a single component cannot
// stall the whole stop. The caller's deadline is never extended.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped, deadline reached", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			}
		}()
	}
}
