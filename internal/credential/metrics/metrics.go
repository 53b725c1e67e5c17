package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type CredentialMetrics struct {
	LoginFailures  prometheus.Counter
	Lockouts       prometheus.Counter
	MFAActivations prometheus.Counter
	MFAFailures    prometheus.Counter
}

func New() *CredentialMetrics {
	return &CredentialMetrics{
		LoginFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "aegis_credential_login_failures_total",
			Help: "Password verifications that failed.",
		}),
		Lockouts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "aegis_credential_lockouts_total",
			Help: "Accounts locked after repeated failures.",
		}),
		MFAActivations: promauto.NewCounter(prometheus.CounterOpts{
			Name: "aegis_credential_mfa_activations_total",
			Help: "TOTP enrollments activated.",
		}),
		MFAFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "aegis_credential_mfa_failures_total",
			Help: "MFA code verifications rejected.",
		}),
	}
}
