package worker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for background pools.
type Metrics struct {
	SubmitsTotal *prometheus.CounterVec
	TasksTotal   *prometheus.CounterVec
	TaskDuration *prometheus.HistogramVec

	reg prometheus.Registerer
}

// NewMetrics registers and returns pool metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SubmitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tripwire_pool_submits_total",
			Help: "Background task submissions by pool and result (accepted, rejected).",
		}, []string{"pool", "result"}),
		TasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tripwire_pool_tasks_total",
			Help: "Background tasks finished by pool and outcome (ok, error, panic).",
		}, []string{"pool", "outcome"}),
		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tripwire_pool_task_duration_seconds",
			Help:    "Duration of background tasks in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 15), // 5ms .. ~82s
		}, []string{"pool"}),
		reg: reg,
	}
	reg.MustRegister(m.SubmitsTotal, m.TasksTotal, m.TaskDuration)
	return m
}

// Hooks returns pool Hooks that update these metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnSubmit: func(pool string, accepted bool) {
			result := "accepted"
			if !accepted {
				result = "rejected"
			}
			m.SubmitsTotal.WithLabelValues(pool, result).Inc()
		},
		OnDone: func(pool, _ string, dur time.Duration, err error, panicked bool) {
			outcome := "ok"
			switch {
			case panicked:
				outcome = "panic"
			case err != nil:
				outcome = "error"
			}
			m.TasksTotal.WithLabelValues(pool, outcome).Inc()
			m.TaskDuration.WithLabelValues(pool).Observe(dur.Seconds())
		},
	}
}

// WatchQueue exports the queue depth and capacity of p as gauges.
func (m *Metrics) WatchQueue(p *Pool) {
	labels := prometheus.Labels{"pool": p.Name()}
	m.reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "tripwire_pool_queue_depth",
			Help:        "Background tasks waiting for a worker.",
			ConstLabels: labels,
		}, func() float64 { return float64(p.QueueLen()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "tripwire_pool_queue_capacity",
			Help:        "Capacity of the background task queue.",
			ConstLabels: labels,
		}, func() float64 { return float64(p.QueueCap()) }),
	)
}
