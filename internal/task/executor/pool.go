package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"jobmesh/internal/metrics"
	rtsup "jobmesh/internal/runtime/supervisor"
	logx "jobmesh/pkg/logx"
)

var (
	ErrPoolStopped  = errors.New("executor pool stopped")
	ErrPoolStopping = errors.New("executor pool stopping")
)

// PoolConfig sizes the process-wide action pool.
type PoolConfig struct {
	Workers     int
	QueueSize   int
	HistorySize int
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// Job is one unit of work for the pool. Done is always called exactly
// once, with ErrPoolStopped when the job never ran.
type Job struct {
	Name string
	Run  func(ctx context.Context) error
	Done func(err error)
}

type queuedJob struct {
	ctx        context.Context
	job        Job
	enqueuedAt time.Time
}

// HistoryItem records one finished job.
type HistoryItem struct {
	Name       string
	Started    time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	Error      string
}

// PoolSnapshot is a diagnostics view.
type PoolSnapshot struct {
	Workers  int
	QueueLen int
	QueueCap int
	InFlight int
	History  []HistoryItem
}

// Pool is a bounded worker pool shared by every run in the process.
type Pool struct {
	mu      sync.Mutex
	cfg     PoolConfig
	log     logx.Logger
	metrics *metrics.Metrics

	q        chan queuedJob
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	inFlight atomic.Int32

	hmu     sync.Mutex
	history []HistoryItem
}

func NewPool(cfg PoolConfig, log logx.Logger, m *metrics.Metrics) *Pool {
	return &Pool{cfg: cfg.withDefaults(), log: log, metrics: m}
}

// Start is idempotent.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.stopCh != nil {
		done := p.stopDone
		p.mu.Unlock()
		if done == nil {
			return
		}
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		p.mu.Lock()
		if p.stopCh != nil {
			p.mu.Unlock()
			return
		}
	}
	cfg := p.cfg
	p.q = make(chan queuedJob, cfg.QueueSize)
	p.stopCh = make(chan struct{})
	p.stopDone = nil
	p.sup = rtsup.New(ctx,
		rtsup.WithLogger(p.log.With(logx.String("comp", "pool"))),
		rtsup.WithCancelOnError(false),
	)
	q, stopCh, sup := p.q, p.stopCh, p.sup
	p.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			p.worker(c, stopCh, q)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	p.log.Info("executor pool started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop halts workers and fails every queued job with ErrPoolStopped.
func (p *Pool) Stop(ctx context.Context) {
	p.mu.Lock()
	if p.stopCh == nil {
		p.mu.Unlock()
		return
	}
	if p.stopDone != nil {
		done := p.stopDone
		p.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	p.stopDone = done
	close(p.stopCh)
	q, sup := p.q, p.sup
	p.mu.Unlock()

	go func() {
		_ = sup.Wait(context.Background())
		sup.Cancel()
		for {
			select {
			case j := <-q:
				j.job.finish(ErrPoolStopped)
				continue
			default:
			}
			break
		}
		p.mu.Lock()
		p.q, p.stopCh, p.stopDone, p.sup = nil, nil, nil, nil
		p.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		p.log.Info("executor pool stopped")
	case <-ctx.Done():
		p.log.Warn("executor pool stop timed out", logx.Err(ctx.Err()))
	}
}

// Submit blocks until the job is queued, ctx ends or the pool stops.
// ctx is also the context the job runs with. On error Done is not called.
func (p *Pool) Submit(ctx context.Context, j Job) error {
	if j.Run == nil {
		return fmt.Errorf("job %q has no Run", j.Name)
	}
	p.mu.Lock()
	q, stopCh, stopping := p.q, p.stopCh, p.stopDone != nil
	p.mu.Unlock()
	if q == nil || stopCh == nil {
		return ErrPoolStopped
	}
	if stopping {
		return ErrPoolStopping
	}

	qj := queuedJob{ctx: ctx, job: j, enqueuedAt: time.Now()}
	select {
	case q <- qj:
		p.metrics.PoolQueue(len(q))
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-stopCh:
		return ErrPoolStopping
	}
}

func (p *Pool) Snapshot() PoolSnapshot {
	p.mu.Lock()
	cfg, q := p.cfg, p.q
	p.mu.Unlock()
	s := PoolSnapshot{Workers: cfg.Workers, InFlight: int(p.inFlight.Load())}
	if q != nil {
		s.QueueLen, s.QueueCap = len(q), cap(q)
	}
	p.hmu.Lock()
	s.History = append([]HistoryItem(nil), p.history...)
	p.hmu.Unlock()
	return s
}

func (p *Pool) worker(ctx context.Context, stopCh <-chan struct{}, q chan queuedJob) {
	for {
		// A closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case j := <-q:
			p.metrics.PoolQueue(len(q))
			p.inFlight.Add(1)
			p.exec(j)
			p.inFlight.Add(-1)
		}
	}
}

func (p *Pool) exec(qj queuedJob) {
	start := time.Now()
	delay := max(start.Sub(qj.enqueuedAt), 0)

	var err error
	if cerr := qj.ctx.Err(); cerr != nil {
		err = context.Cause(qj.ctx)
	} else {
		// One bad unit must not kill a worker.
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic: %v", r)
					p.log.Error("job panicked", logx.String("job", qj.job.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				}
			}()
			err = qj.job.Run(qj.ctx)
		}()
	}

	item := HistoryItem{Name: qj.job.Name, Started: start, QueueDelay: delay, Duration: time.Since(start)}
	if err != nil {
		item.Error = err.Error()
	}
	p.hmu.Lock()
	p.history = append(p.history, item)
	if n := p.cfg.HistorySize; len(p.history) > n {
		p.history = p.history[len(p.history)-n:]
	}
	p.hmu.Unlock()

	qj.job.finish(err)
}

func (j Job) finish(err error) {
	if j.Done != nil {
		j.Done(err)
	}
}
