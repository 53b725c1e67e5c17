package store

import (
	"context"
	"time"

	"aegis/internal/quota/models"
	id "aegis/pkg/domain"
)

// QuotaStore persists per-tenant limits and usage counters.
//
// CheckAndReserve is the linearization point for admission control: it must
// atomically increment the counter only when used+amount <= limit, and report
// the post-increment value either way. Implementations return
// sentinel.ErrNotFound when no limits have been applied for the tenant.
type QuotaStore interface {
	ApplyLimits(ctx context.Context, tenantID id.TenantID, limits models.Limits) error
	GetLimits(ctx context.Context, tenantID id.TenantID) (models.Limits, error)

	// CheckAndReserve attempts to admit amount units of metric. The window
	// argument is the zero time for absolute metrics and the current window
	// start for windowed ones. It returns the counter value after the call
	// and whether the reservation was granted.
	CheckAndReserve(ctx context.Context, tenantID id.TenantID, metric models.Metric, amount, limit int64, window time.Time) (used int64, granted bool, err error)

	// Release returns amount units of an absolute metric. Counters never go
	// below zero.
	Release(ctx context.Context, tenantID id.TenantID, metric models.Metric, amount int64, window time.Time) error

	// Used reads the current counter without modifying it.
	Used(ctx context.Context, tenantID id.TenantID, metric models.Metric, window time.Time) (int64, error)
}
