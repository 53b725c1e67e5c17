package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type SessionMetrics struct {
	SessionsCreated prometheus.Counter
	SessionsRevoked prometheus.Counter
	TokensRefreshed prometheus.Counter
	ReuseDetected   prometheus.Counter
}

func New() *SessionMetrics {
	return &SessionMetrics{
		SessionsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "aegis_sessions_created_total",
			Help: "Sessions established.",
		}),
		SessionsRevoked: promauto.NewCounter(prometheus.CounterOpts{
			Name: "aegis_sessions_revoked_total",
			Help: "Sessions revoked.",
		}),
		TokensRefreshed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "aegis_tokens_refreshed_total",
			Help: "Refresh rotations completed.",
		}),
		ReuseDetected: promauto.NewCounter(prometheus.CounterOpts{
			Name: "aegis_token_reuse_detected_total",
			Help: "Rotated refresh tokens presented again.",
		}),
	}
}
