package store

import (
	"context"

	"aegis/internal/identity/models"
	id "aegis/pkg/domain"
)

// ProviderStore persists per-tenant identity provider configurations.
// Provider names are unique within a tenant; implementations return
// sentinel.ErrConflict on a duplicate and sentinel.ErrNotFound for misses.
type ProviderStore interface {
	Create(ctx context.Context, cfg *models.ProviderConfig) error
	FindByID(ctx context.Context, providerID id.ProviderID) (*models.ProviderConfig, error)
	FindByName(ctx context.Context, tenantID id.TenantID, name string) (*models.ProviderConfig, error)
	ListByTenant(ctx context.Context, tenantID id.TenantID) ([]*models.ProviderConfig, error)
	Delete(ctx context.Context, providerID id.ProviderID) error
	DeleteByTenant(ctx context.Context, tenantID id.TenantID) error
}
