package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the balance engine.
type Metrics struct {
	BalancesCalculated  prometheus.Counter
	BalancesClosed      prometheus.Counter
	PhysicalCounts      *prometheus.CounterVec
	CalculationDuration prometheus.Histogram
}

func New() *Metrics {
	return &Metrics{
		BalancesCalculated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "rxledger_balance_calculated_total",
			Help: "Total number of monthly balances created or recomputed",
		}),
		BalancesClosed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "rxledger_balance_closed_total",
			Help: "Total number of monthly balances closed",
		}),
		PhysicalCounts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "rxledger_balance_physical_counts_total",
			Help: "Total number of physical inventory counts recorded, by whether they disagreed with the ledger",
		}, []string{"discrepancy"}),
		CalculationDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "rxledger_balance_calculation_duration_seconds",
			Help:    "Duration of a full-period balance calculation",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
	}
}

func (m *Metrics) IncCalculated(n int) {
	m.BalancesCalculated.Add(float64(n))
}

func (m *Metrics) IncClosed() {
	m.BalancesClosed.Inc()
}

func (m *Metrics) IncPhysicalCount(hasDiscrepancy bool) {
	label := "no"
	if hasDiscrepancy {
		label = "yes"
	}
	m.PhysicalCounts.WithLabelValues(label).Inc()
}

// ObserveCalculation records the duration of CalculateMonthlyBalances.
// Call with time.Now() at the start of the operation.
func (m *Metrics) ObserveCalculation(start time.Time) {
	m.CalculationDuration.Observe(time.Since(start).Seconds())
}
