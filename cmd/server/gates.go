package main

import (
	"context"

	tenantservice "aegis/internal/tenant/service"
	id "aegis/pkg/domain"
)

// operationalGate narrows TenantService.RequireOperational to the error-only
// shape the auth, session and federation services depend on.
type operationalGate struct {
	tenants *tenantservice.TenantService
}

func (g operationalGate) RequireOperational(ctx context.Context, tenantID id.TenantID) error {
	_, err := g.tenants.RequireOperational(ctx, tenantID)
	return err
}
