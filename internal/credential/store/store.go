package store

import (
	"context"

	"aegis/internal/credential/models"
	id "aegis/pkg/domain"
)

// UserStore persists users. Implementations return sentinel.ErrNotFound for
// missing users and sentinel.ErrConflict when the (tenant, email) pair is
// already taken.
type UserStore interface {
	Create(ctx context.Context, user *models.User) error
	FindByID(ctx context.Context, userID id.UserID) (*models.User, error)
	FindByEmail(ctx context.Context, tenantID id.TenantID, email string) (*models.User, error)
	Update(ctx context.Context, user *models.User) error
	CountByTenant(ctx context.Context, tenantID id.TenantID) (int, error)
}

// MFAStore persists TOTP enrollments keyed by user. One enrollment per user;
// Upsert replaces any pending enrollment so setup can be restarted.
type MFAStore interface {
	Upsert(ctx context.Context, cred *models.MFACredential) error
	Find(ctx context.Context, userID id.UserID) (*models.MFACredential, error)
	Delete(ctx context.Context, userID id.UserID) error
	// ConsumeBackupCode removes one stored backup code hash and reports how
	// many remain. The removal is atomic at the store, so concurrent
	// presenters of the same code see exactly one success; the losers get
	// sentinel.ErrNotFound.
	ConsumeBackupCode(ctx context.Context, userID id.UserID, hash string) (int, error)
}
