package trigger

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/tripwire/internal/event"
)

// Metrics holds Prometheus metrics for correlation and dispatch.
type Metrics struct {
	EvaluationsTotal     *prometheus.CounterVec
	EvaluationDuration   prometheus.Histogram
	EvaluationsCoalesced prometheus.Counter
	TriggersCreated      *prometheus.CounterVec
	TriggersDeduplicated *prometheus.CounterVec
	DispatchesTotal      *prometheus.CounterVec
	DispatchDuration     *prometheus.HistogramVec
}

// NewMetrics registers and returns trigger metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tripwire_evaluations_total",
			Help: "Correlation evaluations by result (ok, error).",
		}, []string{"result"}),
		EvaluationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tripwire_evaluation_duration_seconds",
			Help:    "Duration of correlation evaluations in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms .. ~8s
		}),
		EvaluationsCoalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tripwire_evaluations_coalesced_total",
			Help: "Evaluation requests dropped because one was already queued.",
		}),
		TriggersCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tripwire_triggers_created_total",
			Help: "Triggers created by correlated event type.",
		}, []string{"event_type"}),
		TriggersDeduplicated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tripwire_triggers_deduplicated_total",
			Help: "Qualifying groups suppressed by the dedup window, by event type.",
		}, []string{"event_type"}),
		DispatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tripwire_agent_dispatches_total",
			Help: "Agent dispatches by resulting status and failure kind.",
		}, []string{"status", "kind"}),
		DispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tripwire_agent_dispatch_duration_seconds",
			Help:    "Duration of agent calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms .. ~102s
		}, []string{"status"}),
	}

	reg.MustRegister(
		m.EvaluationsTotal,
		m.EvaluationDuration,
		m.EvaluationsCoalesced,
		m.TriggersCreated,
		m.TriggersDeduplicated,
		m.DispatchesTotal,
		m.DispatchDuration,
	)

	return m
}

// Hooks returns Hooks that update the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnEvaluate: func(duration float64, err error) {
			result := "ok"
			if err != nil {
				result = "error"
			}
			m.EvaluationsTotal.WithLabelValues(result).Inc()
			m.EvaluationDuration.Observe(duration)
		},
		OnCoalesced: func() {
			m.EvaluationsCoalesced.Inc()
		},
		OnCreated: func(t event.Type) {
			m.TriggersCreated.WithLabelValues(string(t)).Inc()
		},
		OnDeduplicated: func(t event.Type) {
			m.TriggersDeduplicated.WithLabelValues(string(t)).Inc()
		},
		OnDispatch: func(status Status, kind string, duration float64) {
			m.DispatchesTotal.WithLabelValues(string(status), kind).Inc()
			m.DispatchDuration.WithLabelValues(string(status)).Observe(duration)
		},
	}
}
