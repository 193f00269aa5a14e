package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds process-wide metrics for background workers (outbox relay,
// compliance scanner). Domain modules keep their own metrics packages.
type Metrics struct {
	WorkerRuns     *prometheus.CounterVec
	WorkerFailures *prometheus.CounterVec
	WorkerDuration *prometheus.HistogramVec
}

// New creates and registers the worker metrics.
func New() *Metrics {
	return &Metrics{
		WorkerRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "rxledger_worker_runs_total",
			Help: "Total number of background worker iterations",
		}, []string{"worker"}),
		WorkerFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "rxledger_worker_failures_total",
			Help: "Total number of background worker iterations that returned an error",
		}, []string{"worker"}),
		WorkerDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rxledger_worker_duration_seconds",
			Help:    "Duration of a background worker iteration",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"worker"}),
	}
}

// ObserveRun records one iteration of worker that started at start.
func (m *Metrics) ObserveRun(worker string, start time.Time, err error) {
	m.WorkerRuns.WithLabelValues(worker).Inc()
	m.WorkerDuration.WithLabelValues(worker).Observe(time.Since(start).Seconds())
	if err != nil {
		m.WorkerFailures.WithLabelValues(worker).Inc()
	}
}
