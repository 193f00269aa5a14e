package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the ledger module.
type Metrics struct {
	EntriesRecorded *prometheus.CounterVec
	EntriesRejected *prometheus.CounterVec
	RecordDuration  prometheus.Histogram
}

func New() *Metrics {
	return &Metrics{
		EntriesRecorded: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "rxledger_ledger_entries_recorded_total",
			Help: "Total number of ledger entries appended",
		}, []string{"direction", "origin"}),
		EntriesRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "rxledger_ledger_entries_rejected_total",
			Help: "Total number of ledger appends rejected, by error code",
		}, []string{"code"}),
		RecordDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "rxledger_ledger_record_duration_seconds",
			Help:    "Duration of ledger appends including the period lock",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
	}
}

func (m *Metrics) IncRecorded(direction, origin string) {
	m.EntriesRecorded.WithLabelValues(direction, origin).Inc()
}

func (m *Metrics) IncRejected(code string) {
	m.EntriesRejected.WithLabelValues(code).Inc()
}

// ObserveRecord records the duration of an append.
// Call with time.Now() at the start of the operation.
func (m *Metrics) ObserveRecord(start time.Time) {
	m.RecordDuration.Observe(time.Since(start).Seconds())
}
