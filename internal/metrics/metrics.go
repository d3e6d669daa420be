// Package metrics exposes queue activity as Prometheus collectors. Counters
// are fed from the task event bus; queue depth per status is read from the
// store at scrape time.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"eden/internal/eventbus"
	"eden/internal/task"
	logx "eden/pkg/logx"
)

const namespace = "eden"

// Sources are read on every scrape. Either may be nil.
type Sources struct {
	Counts   func(ctx context.Context) (map[task.Status]int64, error)
	InFlight func() int
}

type Metrics struct {
	reg *prometheus.Registry
	log logx.Logger

	enqueued    *prometheus.CounterVec
	rescheduled *prometheus.CounterVec
	claimed     prometheus.Counter
	completed   *prometheus.CounterVec
	failed      *prometheus.CounterVec
	reaped      prometheus.Counter
	released    prometheus.Counter
	duration    *prometheus.HistogramVec
	dropped     prometheus.Counter
}

// New builds a private registry with the queue collectors plus the Go
// runtime and process collectors.
func New(src Sources, log logx.Logger) *Metrics {
	if log.IsZero() {
		log = logx.Nop()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	m := &Metrics{
		reg: reg,
		log: log,
		enqueued: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_enqueued_total",
			Help:      "Tasks accepted by the queue.",
		}, []string{"kind"}),
		rescheduled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_rescheduled_total",
			Help:      "Successor tasks created for completed periodic tasks.",
		}, []string{"kind"}),
		claimed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_claimed_total",
			Help:      "Tasks claimed by this node.",
		}),
		completed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_completed_total",
			Help:      "Tasks whose handler succeeded.",
		}, []string{"kind"}),
		failed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_failed_total",
			Help:      "Handler failures by outcome (transient or retry_limit_exceeded).",
		}, []string{"kind", "outcome"}),
		reaped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_reaped_total",
			Help:      "Stalled tasks returned to the queue.",
		}),
		released: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_released_total",
			Help:      "Claimed tasks handed back unstarted on shutdown.",
		}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Handler run time.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 15),
		}, []string{"kind"}),
		dropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "metrics_events_dropped_total",
			Help:      "Lifecycle events lost because the metrics subscriber fell behind.",
		}),
	}
	if src.InFlight != nil {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_in_flight",
			Help:      "Handlers currently running on this node.",
		}, func() float64 { return float64(src.InFlight()) })
	}
	if src.Counts != nil {
		reg.MustRegister(&statusCollector{counts: src.Counts, log: log})
	}
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Observe updates counters for one lifecycle event.
func (m *Metrics) Observe(e eventbus.Event) {
	te, _ := e.Data.(eventbus.TaskEvent)
	switch e.Type {
	case eventbus.TaskEnqueued:
		m.enqueued.WithLabelValues(te.Kind).Inc()
	case eventbus.TaskRescheduled:
		m.rescheduled.WithLabelValues(te.Kind).Inc()
	case eventbus.TaskClaimed:
		m.claimed.Add(float64(te.Count))
	case eventbus.TaskCompleted:
		m.completed.WithLabelValues(te.Kind).Inc()
		m.duration.WithLabelValues(te.Kind).Observe(te.Duration.Seconds())
	case eventbus.TaskRetry:
		m.failed.WithLabelValues(te.Kind, string(task.OutcomeTransient)).Inc()
		m.duration.WithLabelValues(te.Kind).Observe(te.Duration.Seconds())
	case eventbus.TaskFailed:
		m.failed.WithLabelValues(te.Kind, string(task.OutcomeRetryLimitExceeded)).Inc()
		m.duration.WithLabelValues(te.Kind).Observe(te.Duration.Seconds())
	case eventbus.TaskReaped:
		m.reaped.Inc()
	case eventbus.TaskReleased:
		m.released.Inc()
	}
}

// Run consumes bus events until ctx ends.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) error {
	events, unsubscribe := bus.Subscribe(1024)
	defer unsubscribe()
	var lastDropped uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			m.Observe(e)
			if mb, ok := bus.(*eventbus.MemBus); ok {
				if d := mb.Dropped(); d > lastDropped {
					m.dropped.Add(float64(d - lastDropped))
					lastDropped = d
				}
			}
		}
	}
}

// statusCollector reports eden_tasks{status} from the store on each scrape.
type statusCollector struct {
	counts func(ctx context.Context) (map[task.Status]int64, error)
	log    logx.Logger
}

var tasksDesc = prometheus.NewDesc(
	prometheus.BuildFQName(namespace, "", "tasks"),
	"Tasks in the store by status.",
	[]string{"status"}, nil,
)

func (c *statusCollector) Describe(ch chan<- *prometheus.Desc) { ch <- tasksDesc }

func (c *statusCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	counts, err := c.counts(ctx)
	if err != nil {
		c.log.Warn("metrics: task counts unavailable", logx.Err(err))
		ch <- prometheus.NewInvalidMetric(tasksDesc, err)
		return
	}
	for _, st := range task.Statuses {
		ch <- prometheus.MustNewConstMetric(tasksDesc, prometheus.GaugeValue, float64(counts[st]), string(st))
	}
}
