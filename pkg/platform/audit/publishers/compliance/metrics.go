package compliance

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	audit "rxledger/pkg/platform/audit"
)

type Metrics struct {
	Emitted  *prometheus.CounterVec
	Failed   *prometheus.CounterVec
	Duration prometheus.Histogram
}

func NewMetrics() *Metrics {
	return &Metrics{
		Emitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "rxledger_compliance_audit_emitted_total",
			Help: "Compliance audit events persisted, by action",
		}, []string{"action"}),
		Failed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "rxledger_compliance_audit_failed_total",
			Help: "Compliance audit writes that failed and aborted their operation, by action",
		}, []string{"action"}),
		Duration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "rxledger_compliance_audit_write_duration_seconds",
			Help:    "Time spent persisting one compliance audit event",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
	}
}

func (m *Metrics) IncEmitted(action audit.AuditEvent) {
	m.Emitted.WithLabelValues(string(action)).Inc()
}

func (m *Metrics) IncFailed(action audit.AuditEvent) {
	m.Failed.WithLabelValues(string(action)).Inc()
}

func (m *Metrics) ObserveWrite(start time.Time) {
	m.Duration.Observe(time.Since(start).Seconds())
}
