package metrics

import (
	"cashback-service/internal/cashback"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records cashback decisions and delivery settlement.
type Metrics struct {
	decisions  *prometheus.CounterVec
	deliveries *prometheus.CounterVec
}

// New registers the cashback metrics on the provided registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return &Metrics{}
	}
	decisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cashback_decisions_total",
		Help: "Cashback decisions by outcome.",
	}, []string{"outcome"})
	deliveries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cashback_deliveries_total",
		Help: "Consumed messages by kind and settlement result.",
	}, []string{"kind", "result"})
	reg.MustRegister(decisions, deliveries)
	return &Metrics{
		decisions:  decisions,
		deliveries: deliveries,
	}
}

func (m *Metrics) Observe(outcome cashback.Outcome) {
	if m == nil || m.decisions == nil {
		return
	}
	m.decisions.WithLabelValues(string(outcome)).Inc()
}

func (m *Metrics) IncDelivery(kind, result string) {
	if m == nil || m.deliveries == nil {
		return
	}
	m.deliveries.WithLabelValues(kind, result).Inc()
}
