package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Delivery outcomes recorded per send attempt.
const (
	outcomeDelivered = "delivered"
	outcomeMiss      = "miss"
)

// Metrics holds the prometheus collectors for the realtime core.
type Metrics struct {
	Connections prometheus.Gauge
	Published   *prometheus.CounterVec
	Deliveries  *prometheus.CounterVec
	CascadeWave *prometheus.CounterVec
}

// NewMetrics registers the realtime collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "centinela",
			Subsystem: "realtime",
			Name:      "connections",
			Help:      "Number of live authenticated websocket connections.",
		}),
		Published: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "centinela",
			Subsystem: "realtime",
			Name:      "published_total",
			Help:      "Envelopes accepted by the router, per message type.",
		}, []string{"type"}),
		Deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "centinela",
			Subsystem: "realtime",
			Name:      "deliveries_total",
			Help:      "Per-recipient send attempts by message type and outcome.",
		}, []string{"type", "outcome"}),
		CascadeWave: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "centinela",
			Subsystem: "realtime",
			Name:      "cascade_waves_total",
			Help:      "Redundant delivery waves issued, per wave index.",
		}, []string{"wave"}),
	}
}
