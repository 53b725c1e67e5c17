package adapter

import (
	"context"
	"net/url"

	"aegis/internal/identity/models"
)

// AuthorizationRequest is the redirect handed back to the browser. State is
// the nonce the caller must persist before issuing the redirect.
type AuthorizationRequest struct {
	URL   string
	State string
}

// Adapter speaks one federation protocol. Implementations are stateless;
// all per-tenant configuration arrives in the ProviderConfig and state
// bookkeeping belongs to the caller.
type Adapter interface {
	// BuildAuthorizationRequest constructs the provider redirect with a
	// fresh state nonce.
	BuildAuthorizationRequest(ctx context.Context, cfg *models.ProviderConfig) (*AuthorizationRequest, error)

	// HandleCallback validates the raw callback parameters and extracts
	// normalized claims. The state nonce has already been consumed by the
	// caller; adapters only see protocol payloads.
	HandleCallback(ctx context.Context, cfg *models.ProviderConfig, rawResponse url.Values) (*models.NormalizedClaims, error)
}
