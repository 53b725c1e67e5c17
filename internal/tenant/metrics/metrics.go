package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	TenantsCreated    prometheus.Counter
	StatusTransitions *prometheus.CounterVec
	PlanChanges       prometheus.Counter
}

func New() *Metrics {
	return &Metrics{
		TenantsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "aegis_tenants_created_total",
			Help: "Total number of tenants created",
		}),
		StatusTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "aegis_tenant_status_transitions_total",
			Help: "Tenant status transitions by target status",
		}, []string{"to"}),
		PlanChanges: promauto.NewCounter(prometheus.CounterOpts{
			Name: "aegis_tenant_plan_changes_total",
			Help: "Total number of tenant plan changes",
		}),
	}
}
