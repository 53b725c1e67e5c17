package store

import (
	"context"

	"aegis/internal/tenant/models"
	id "aegis/pkg/domain"
)

// Error Contract:
// All store methods follow this pattern:
// - Return sentinel.ErrNotFound when the requested entity does not exist
// - Return sentinel.ErrConflict when a uniqueness constraint is violated
// - Return wrapped errors with context for infrastructure failures
type TenantStore interface {
	// CreateIfSlugAvailable inserts the tenant only when its slug is unused.
	CreateIfSlugAvailable(ctx context.Context, t *models.Tenant) error
	FindByID(ctx context.Context, tenantID id.TenantID) (*models.Tenant, error)
	FindBySlug(ctx context.Context, slug string) (*models.Tenant, error)
	Update(ctx context.Context, t *models.Tenant) error
	List(ctx context.Context) ([]*models.Tenant, error)
}
