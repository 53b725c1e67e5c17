package audit

import (
	"time"

	id "aegis/pkg/domain"
)

// Event is the append-only record of a security-relevant state transition.
// ActorUserID is nil for system-initiated actions. Payload keeps full detail
// for operator diagnosis; user-visible errors never carry it.
type Event struct {
	ID          id.EventID     `json:"id"`
	TenantID    id.TenantID    `json:"tenant_id"`
	ActorUserID *id.UserID     `json:"actor_user_id,omitempty"`
	Type        EventType      `json:"event_type"`
	Payload     map[string]any `json:"payload,omitempty"`
	OccurredAt  time.Time      `json:"occurred_at"`
}

type EventType string

const (
	EventTenantCreated       EventType = "tenant_created"
	EventTenantStatusChanged EventType = "tenant_status_changed"
	EventTenantPlanChanged   EventType = "tenant_plan_changed"

	EventQuotaLimitsApplied EventType = "quota_limits_applied"
	EventQuotaWarning       EventType = "quota_warning"
	EventQuotaExceeded      EventType = "quota_exceeded"

	EventUserCreated    EventType = "user_created"
	EventUserLocked     EventType = "user_locked"
	EventUserUnlocked   EventType = "user_unlocked"
	EventLoginSucceeded EventType = "login_succeeded"
	EventLoginFailed    EventType = "login_failed"

	EventMFAEnrollmentStarted EventType = "mfa_enrollment_started"
	EventMFAActivated         EventType = "mfa_activated"
	EventMFAVerifyFailed      EventType = "mfa_verify_failed"
	EventBackupCodeConsumed   EventType = "backup_code_consumed"

	EventProviderConfigured EventType = "identity_provider_configured"
	EventProviderRemoved    EventType = "identity_provider_removed"
	EventFederatedLogin     EventType = "federated_login"
	EventUserProvisioned    EventType = "user_jit_provisioned"

	EventSessionCreated     EventType = "session_created"
	EventSessionRevoked     EventType = "session_revoked"
	EventTokenRefreshed     EventType = "token_refreshed"
	EventTokenReuseDetected EventType = "token_reuse_detected"
)

// Query filters events. Zero time bounds are open-ended; empty Types matches all.
type Query struct {
	TenantID id.TenantID
	From     time.Time
	To       time.Time
	Types    []EventType
}

// Matches reports whether an event satisfies the query. Shared by in-memory
// filtering and tests.
func (q Query) Matches(e Event) bool {
	if e.TenantID != q.TenantID {
		return false
	}
	if !q.From.IsZero() && e.OccurredAt.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && e.OccurredAt.After(q.To) {
		return false
	}
	if len(q.Types) == 0 {
		return true
	}
	for _, t := range q.Types {
		if e.Type == t {
			return true
		}
	}
	return false
}
