package ops

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcomes of a tracked ops event.
const (
	outcomePersisted = "persisted"
	outcomeSampled   = "sampled_out"
	outcomeShed      = "breaker_open"
	outcomeFailed    = "persist_failed"
	outcomeOverflow  = "buffer_full"
)

type Metrics struct {
	Events      *prometheus.CounterVec
	BreakerOpen prometheus.Gauge
}

func NewMetrics() *Metrics {
	return &Metrics{
		Events: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "rxledger_ops_audit_events_total",
			Help: "Ops audit events by action and outcome",
		}, []string{"action", "outcome"}),
		BreakerOpen: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "rxledger_ops_audit_breaker_open",
			Help: "1 while the ops audit store breaker is open",
		}),
	}
}

func (m *Metrics) observe(action, outcome string) {
	m.Events.WithLabelValues(action, outcome).Inc()
}

func (m *Metrics) setBreakerOpen(open bool) {
	if open {
		m.BreakerOpen.Set(1)
		return
	}
	m.BreakerOpen.Set(0)
}
