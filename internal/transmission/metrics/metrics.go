package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for report transmission.
type Metrics struct {
	Attempts         *prometheus.CounterVec
	RetryLimitHits   prometheus.Counter
	StaleExpired     prometheus.Counter
	CircuitOpen      prometheus.Gauge
	TransportLatency prometheus.Histogram
}

func New() *Metrics {
	return &Metrics{
		Attempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "rxledger_transmission_attempts_total",
			Help: "Total number of transmission attempts, by outcome",
		}, []string{"outcome"}),
		RetryLimitHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "rxledger_transmission_retry_limit_exceeded_total",
			Help: "Total number of submissions refused because the attempt cap was reached",
		}),
		StaleExpired: promauto.NewCounter(prometheus.CounterOpts{
			Name: "rxledger_transmission_stale_expired_total",
			Help: "Total number of pending attempts expired by crash recovery",
		}),
		CircuitOpen: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "rxledger_transmission_circuit_open",
			Help: "1 while the authority circuit breaker is open",
		}),
		TransportLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "rxledger_transmission_transport_duration_seconds",
			Help:    "Duration of authority submissions",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
	}
}

// IncAttempt records an attempt outcome: succeeded, failed or rejected (circuit open).
func (m *Metrics) IncAttempt(outcome string) {
	m.Attempts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncRetryLimit() {
	m.RetryLimitHits.Inc()
}

func (m *Metrics) AddStaleExpired(n int) {
	m.StaleExpired.Add(float64(n))
}

func (m *Metrics) SetCircuitOpen(open bool) {
	if open {
		m.CircuitOpen.Set(1)
		return
	}
	m.CircuitOpen.Set(0)
}

// ObserveTransport records a submission's duration.
// Call with time.Now() taken right before Submit.
func (m *Metrics) ObserveTransport(start time.Time) {
	m.TransportLatency.Observe(time.Since(start).Seconds())
}
