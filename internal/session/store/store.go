package store

import (
	"context"
	"time"

	"aegis/internal/session/models"
	id "aegis/pkg/domain"
)

// SessionStore persists session lineages. Revocation is a one-way flag;
// revoking an already revoked session is a no-op for implementations.
type SessionStore interface {
	Create(ctx context.Context, session *models.Session) error
	FindByID(ctx context.Context, sessionID id.SessionID) (*models.Session, error)
	Update(ctx context.Context, session *models.Session) error
	// Revoke marks the session revoked at the given instant and reports
	// whether this call was the one that flipped it.
	Revoke(ctx context.Context, sessionID id.SessionID, at time.Time) (bool, error)
	ListActiveByUser(ctx context.Context, tenantID id.TenantID, userID id.UserID, now time.Time) ([]*models.Session, error)
}

// RefreshTokenStore persists refresh token records keyed by token hash.
//
// ConsumeByHash is the linearization point for rotation: exactly one caller
// observes a fresh consume; every later caller gets sentinel.ErrAlreadyUsed
// together with the record so the lineage can be revoked. Expired tokens
// yield sentinel.ErrExpired, unknown hashes sentinel.ErrNotFound.
type RefreshTokenStore interface {
	Create(ctx context.Context, record *models.RefreshTokenRecord) error
	ConsumeByHash(ctx context.Context, tokenHash string, now time.Time) (*models.RefreshTokenRecord, error)
}
