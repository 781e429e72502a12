package rules

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports the correlation rules currently in effect.
type Metrics struct {
	WindowMinutes     prometheus.Gauge
	MerchantThreshold prometheus.Gauge
	MonitoredTypes    *prometheus.GaugeVec
}

// NewMetrics registers and returns rules metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		WindowMinutes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tripwire_rules_window_minutes",
			Help: "Correlation window in minutes.",
		}),
		MerchantThreshold: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tripwire_rules_merchant_threshold",
			Help: "Distinct merchants needed to raise a trigger.",
		}),
		MonitoredTypes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tripwire_rules_monitored",
			Help: "1 for each event type the correlation engine evaluates.",
		}, []string{"event_type"}),
	}
	reg.MustRegister(m.WindowMinutes, m.MerchantThreshold, m.MonitoredTypes)
	return m
}

// Set publishes r. It is registered with Loader.OnChange to follow reloads.
func (m *Metrics) Set(r Rules) {
	m.WindowMinutes.Set(float64(r.WindowMinutes()))
	m.MerchantThreshold.Set(float64(r.MerchantThreshold))
	m.MonitoredTypes.Reset()
	for _, t := range r.MonitoredTypes {
		m.MonitoredTypes.WithLabelValues(string(t)).Set(1)
	}
}
