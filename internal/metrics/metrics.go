// Package metrics owns the Prometheus registry for one scheduler process.
// Every method is nil-safe so components run without metrics in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "jobmesh"

type Metrics struct {
	reg *prometheus.Registry

	runs          *prometheus.CounterVec
	runDuration   prometheus.Histogram
	actionErrors  *prometheus.CounterVec
	exceeded      prometheus.Counter
	busy          prometheus.Counter
	fired         prometheus.Counter
	poolQueue     prometheus.Gauge
	loopHealthy   prometheus.Gauge
	rebalances    *prometheus.CounterVec
	balanceLevels *prometheus.GaugeVec
	notifications *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "executor", Name: "runs_total",
			Help: "Finished task runs by terminal state.",
		}, []string{"state"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "executor", Name: "run_duration_seconds",
			Help:    "Wall time of task runs.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}),
		actionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "executor", Name: "action_errors_total",
			Help: "Action failures by action kind.",
		}, []string{"kind"}),
		exceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "executor", Name: "threshold_exceeded_total",
			Help: "Runs that outlived their threshold.",
		}),
		busy: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "executor", Name: "busy_rejections_total",
			Help: "Run requests rejected because the task was already running.",
		}),
		fired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "orchestrator", Name: "triggers_fired_total",
			Help: "Trigger firings handled by this instance.",
		}),
		poolQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "executor", Name: "pool_queue_length",
			Help: "Actions waiting for a worker.",
		}),
		loopHealthy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "orchestrator", Name: "loop_healthy",
			Help: "1 while the scheduling loop heartbeat is fresh.",
		}),
		rebalances: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "balancer", Name: "rebalances_total",
			Help: "Rebalance passes by range and outcome.",
		}, []string{"range", "outcome"}),
		balanceLevels: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "balancer", Name: "levels",
			Help: "Concurrency levels used by the last plan of a range.",
		}, []string{"range"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "notifier", Name: "sent_total",
			Help: "Notification deliveries by result.",
		}, []string{"result"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.runs, m.runDuration, m.actionErrors, m.exceeded, m.busy, m.fired,
		m.poolQueue, m.loopHealthy, m.rebalances, m.balanceLevels, m.notifications,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) RunFinished(state string, took time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(state).Inc()
	m.runDuration.Observe(took.Seconds())
}

func (m *Metrics) ActionFailed(kind string) {
	if m == nil {
		return
	}
	m.actionErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) ThresholdExceeded() {
	if m == nil {
		return
	}
	m.exceeded.Inc()
}

func (m *Metrics) BusyRejected() {
	if m == nil {
		return
	}
	m.busy.Inc()
}

func (m *Metrics) TriggerFired() {
	if m == nil {
		return
	}
	m.fired.Inc()
}

func (m *Metrics) PoolQueue(n int) {
	if m == nil {
		return
	}
	m.poolQueue.Set(float64(n))
}

func (m *Metrics) LoopHealthy(ok bool) {
	if m == nil {
		return
	}
	v := 0.0
	if ok {
		v = 1
	}
	m.loopHealthy.Set(v)
}

func (m *Metrics) Rebalanced(rangeName, outcome string, levels int) {
	if m == nil {
		return
	}
	m.rebalances.WithLabelValues(rangeName, outcome).Inc()
	if levels > 0 {
		m.balanceLevels.WithLabelValues(rangeName).Set(float64(levels))
	}
}

func (m *Metrics) Notification(result string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(result).Inc()
}
