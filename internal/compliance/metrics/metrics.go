package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"rxledger/internal/compliance/models"
)

// Metrics provides observability for the compliance scanner.
type Metrics struct {
	AlertsRaised     *prometheus.CounterVec
	AlertsSuppressed prometheus.Counter
	AlertsDropped    prometheus.Counter
	AlertsPublished  prometheus.Counter
	BufferDepth      prometheus.Gauge
	TenantsScanned   prometheus.Counter
}

func New() *Metrics {
	return &Metrics{
		AlertsRaised: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "rxledger_compliance_alerts_raised_total",
			Help: "Total number of alerts raised by the compliance monitor",
		}, []string{"kind", "severity"}),
		AlertsSuppressed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "rxledger_compliance_alerts_suppressed_total",
			Help: "Total number of alerts suppressed as repeats of a recent notification",
		}),
		AlertsDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "rxledger_compliance_alerts_dropped_total",
			Help: "Total number of alerts dropped because the buffer was full",
		}),
		AlertsPublished: promauto.NewCounter(prometheus.CounterOpts{
			Name: "rxledger_compliance_alerts_published_total",
			Help: "Total number of alerts delivered to the alert sink",
		}),
		BufferDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "rxledger_compliance_alert_buffer_depth",
			Help: "Alerts waiting in the buffer",
		}),
		TenantsScanned: promauto.NewCounter(prometheus.CounterOpts{
			Name: "rxledger_compliance_tenants_scanned_total",
			Help: "Total number of tenant scans",
		}),
	}
}

func (m *Metrics) IncRaised(a models.Alert) {
	m.AlertsRaised.WithLabelValues(string(a.Kind), string(a.Severity)).Inc()
}

func (m *Metrics) IncSuppressed() {
	m.AlertsSuppressed.Inc()
}

func (m *Metrics) AddDropped(n int) {
	m.AlertsDropped.Add(float64(n))
}

func (m *Metrics) AddPublished(n int) {
	m.AlertsPublished.Add(float64(n))
}

func (m *Metrics) SetBufferDepth(n int) {
	m.BufferDepth.Set(float64(n))
}

func (m *Metrics) IncTenantsScanned() {
	m.TenantsScanned.Inc()
}
