package daemon

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics aggregates the daemon's prometheus collectors.
type Metrics struct {
	MessagesRouted  prometheus.Counter
	MessagesDropped prometheus.Counter
	Endpoints       prometheus.Gauge
	Advertisements  prometheus.Gauge
	NameMapSize     prometheus.GaugeFunc
}

// NewMetrics registers the daemon collectors on reg. nameMapSize is
// sampled on scrape.
func NewMetrics(reg prometheus.Registerer, nameMapSize func() float64) *Metrics {
	m := &Metrics{
		MessagesRouted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bus_messages_routed_total",
			Help: "Messages accepted from endpoints and dispatched.",
		}),
		MessagesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bus_messages_dropped_total",
			Help: "Messages dropped for expiry or queue overflow.",
		}),
		Endpoints: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bus_endpoints",
			Help: "Currently registered stream endpoints.",
		}),
		Advertisements: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bus_advertised_names",
			Help: "Well-known names currently advertised.",
		}),
		NameMapSize: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "bus_remote_advertisements",
			Help: "Cached well-known names advertised by remote daemons.",
		}, nameMapSize),
	}
	reg.MustRegister(m.MessagesRouted, m.MessagesDropped, m.Endpoints, m.Advertisements, m.NameMapSize)
	return m
}
