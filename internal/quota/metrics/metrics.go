package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type QuotaMetrics struct {
	ReservationsGranted *prometheus.CounterVec
	ReservationsDenied  *prometheus.CounterVec
	ThresholdWarnings   *prometheus.CounterVec
}

func New() *QuotaMetrics {
	return &QuotaMetrics{
		ReservationsGranted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "aegis_quota_reservations_granted_total",
			Help: "Quota reservations admitted, by metric.",
		}, []string{"metric"}),
		ReservationsDenied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "aegis_quota_reservations_denied_total",
			Help: "Quota reservations rejected at the limit, by metric.",
		}, []string{"metric"}),
		ThresholdWarnings: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "aegis_quota_threshold_warnings_total",
			Help: "Soft threshold crossings surfaced to notifiers, by threshold.",
		}, []string{"threshold"}),
	}
}
