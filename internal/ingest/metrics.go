package ingest

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/tripwire/internal/event"
)

// Metrics holds Prometheus metrics for ingestion.
type Metrics struct {
	EventsTotal      *prometheus.CounterVec
	IngestDuration   *prometheus.HistogramVec
	MigrationUpserts *prometheus.CounterVec
}

// NewMetrics registers and returns ingest metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tripwire_events_ingested_total",
			Help: "Ingested events by type and result (accepted, invalid, error).",
		}, []string{"event_type", "result"}),
		IngestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tripwire_ingest_duration_seconds",
			Help:    "Duration of event ingestion in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms .. ~4s
		}, []string{"event_type"}),
		MigrationUpserts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tripwire_migration_upserts_total",
			Help: "Migration projection writes by whether they were applied.",
		}, []string{"applied"}),
	}
	reg.MustRegister(m.EventsTotal, m.IngestDuration, m.MigrationUpserts)
	return m
}

// Hooks returns Hooks that update these metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnIngest: func(t event.Type, result string, duration float64) {
			m.EventsTotal.WithLabelValues(string(t), result).Inc()
			m.IngestDuration.WithLabelValues(string(t)).Observe(duration)
		},
		OnMigration: func(applied bool) {
			m.MigrationUpserts.WithLabelValues(strconv.FormatBool(applied)).Inc()
		},
	}
}
