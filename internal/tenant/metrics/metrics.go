package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the tenant registry.
type Metrics struct {
	TenantsCreated    prometheus.Counter
	StatusTransitions *prometheus.CounterVec
}

func New() *Metrics {
	return &Metrics{
		TenantsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "rxledger_tenants_created_total",
			Help: "Total number of tenants created",
		}),
		StatusTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "rxledger_tenant_status_transitions_total",
			Help: "Total number of tenant activations and deactivations",
		}, []string{"to"}),
	}
}

func (m *Metrics) IncrementTenantCreated() {
	m.TenantsCreated.Inc()
}

func (m *Metrics) IncrementTransition(to string) {
	m.StatusTransitions.WithLabelValues(to).Inc()
}
