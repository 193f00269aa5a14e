package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the report compiler.
type Metrics struct {
	ReportsCreated  prometheus.Counter
	ReportsCompiled prometheus.Counter
	CompileFailures *prometheus.CounterVec
	ReportItems     prometheus.Histogram
	CompileDuration prometheus.Histogram
}

func New() *Metrics {
	return &Metrics{
		ReportsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "rxledger_report_created_total",
			Help: "Total number of regulatory reports created",
		}),
		ReportsCompiled: promauto.NewCounter(prometheus.CounterOpts{
			Name: "rxledger_report_compiled_total",
			Help: "Total number of regulatory reports compiled",
		}),
		CompileFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "rxledger_report_compile_failures_total",
			Help: "Total number of rejected compilations, by error code",
		}, []string{"code"}),
		ReportItems: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "rxledger_report_items",
			Help:    "Number of dispensations covered by a compiled report",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
		CompileDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "rxledger_report_compile_duration_seconds",
			Help:    "Duration of report serialization and storage",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
	}
}

func (m *Metrics) IncCreated() {
	m.ReportsCreated.Inc()
}

func (m *Metrics) IncCompiled(items int) {
	m.ReportsCompiled.Inc()
	m.ReportItems.Observe(float64(items))
}

func (m *Metrics) IncCompileFailure(code string) {
	m.CompileFailures.WithLabelValues(code).Inc()
}

// ObserveCompile records compile duration.
// Call with time.Now() at the start of the operation.
func (m *Metrics) ObserveCompile(start time.Time) {
	m.CompileDuration.Observe(time.Since(start).Seconds())
}
