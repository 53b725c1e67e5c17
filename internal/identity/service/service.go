package service

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"time"

	"aegis/internal/audit"
	credmodels "aegis/internal/credential/models"
	"aegis/internal/identity/adapter"
	"aegis/internal/identity/models"
	"aegis/internal/identity/statestore"
	"aegis/internal/identity/store"
	id "aegis/pkg/domain"
	dErrors "aegis/pkg/domain-errors"
	"aegis/pkg/platform/sentinel"
	"aegis/pkg/requestcontext"
	"aegis/pkg/secrets"
)

const defaultStateTTL = 10 * time.Minute

type Recorder interface {
	Record(ctx context.Context, event audit.Event) error
}

// UserDirectory is the slice of the credential engine federation needs:
// resolving an existing user by email and creating one just in time.
type UserDirectory interface {
	GetUserByEmail(ctx context.Context, tenantID id.TenantID, email string) (*credmodels.User, error)
	ProvisionUser(ctx context.Context, tenantID id.TenantID, email, role string) (*credmodels.User, error)
}

// TenantGate rejects callbacks for tenants that are not operational. It runs
// before any claims are resolved so a suspended tenant cannot provision
// users through a login that is going to be refused anyway.
type TenantGate interface {
	RequireOperational(ctx context.Context, tenantID id.TenantID) error
}

type IdentityService struct {
	providers store.ProviderStore
	states    statestore.StateStore
	adapters  map[models.ProviderType]adapter.Adapter
	users     UserDirectory
	tenants   TenantGate
	audit     Recorder
	cipher    *secrets.Cipher
	logger    *slog.Logger
	stateTTL  time.Duration
}

type Option func(*IdentityService)

func WithLogger(logger *slog.Logger) Option {
	return func(s *IdentityService) { s.logger = logger }
}

func WithStateTTL(ttl time.Duration) Option {
	return func(s *IdentityService) { s.stateTTL = ttl }
}

func WithTenantGate(gate TenantGate) Option {
	return func(s *IdentityService) { s.tenants = gate }
}

func NewIdentityService(
	providers store.ProviderStore,
	states statestore.StateStore,
	adapters map[models.ProviderType]adapter.Adapter,
	users UserDirectory,
	recorder Recorder,
	cipher *secrets.Cipher,
	opts ...Option,
) *IdentityService {
	s := &IdentityService{
		providers: providers,
		states:    states,
		adapters:  adapters,
		users:     users,
		audit:     recorder,
		cipher:    cipher,
		logger:    slog.Default(),
		stateTTL:  defaultStateTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ConfigureProvider registers an identity provider for a tenant. The
// plaintext client secret is encrypted before the config reaches a store.
func (s *IdentityService) ConfigureProvider(ctx context.Context, cfg *models.ProviderConfig, clientSecret string, actor *id.UserID) (*models.ProviderConfig, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if _, ok := s.adapters[cfg.Type]; !ok {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "no adapter for provider type "+string(cfg.Type))
	}

	if clientSecret != "" {
		encrypted, err := s.cipher.Encrypt(clientSecret)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "encrypt client secret")
		}
		cfg.ClientSecretEncrypted = encrypted
	}

	now := requestcontext.Now(ctx)
	cfg.ID = id.NewProviderID()
	cfg.CreatedAt = now
	cfg.UpdatedAt = now
	if err := s.providers.Create(ctx, cfg); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return nil, dErrors.New(dErrors.CodeConflict, "provider name already in use for tenant")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "store provider config")
	}

	if err := s.audit.Record(ctx, audit.Event{
		TenantID:    cfg.TenantID,
		ActorUserID: actor,
		Type:        audit.EventProviderConfigured,
		Payload:     map[string]any{"provider": cfg.Name, "type": string(cfg.Type)},
	}); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (s *IdentityService) RemoveProvider(ctx context.Context, tenantID id.TenantID, name string, actor *id.UserID) error {
	cfg, err := s.providers.FindByName(ctx, tenantID, name)
	if err != nil {
		return s.wrapProviderErr(err)
	}
	if err := s.providers.Delete(ctx, cfg.ID); err != nil {
		return s.wrapProviderErr(err)
	}
	return s.audit.Record(ctx, audit.Event{
		TenantID:    tenantID,
		ActorUserID: actor,
		Type:        audit.EventProviderRemoved,
		Payload:     map[string]any{"provider": name},
	})
}

func (s *IdentityService) ListProviders(ctx context.Context, tenantID id.TenantID) ([]*models.ProviderConfig, error) {
	configs, err := s.providers.ListByTenant(ctx, tenantID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "list provider configs")
	}
	return configs, nil
}

// RemoveTenantProviders cascades tenant deletion into the provider store.
func (s *IdentityService) RemoveTenantProviders(ctx context.Context, tenantID id.TenantID) error {
	if err := s.providers.DeleteByTenant(ctx, tenantID); err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "delete tenant provider configs")
	}
	return nil
}

// BeginLogin builds the provider redirect and parks the state nonce so the
// callback can be tied back to this provider.
func (s *IdentityService) BeginLogin(ctx context.Context, tenantID id.TenantID, providerName string) (string, error) {
	cfg, err := s.providers.FindByName(ctx, tenantID, providerName)
	if err != nil {
		return "", s.wrapProviderErr(err)
	}
	ad, ok := s.adapters[cfg.Type]
	if !ok {
		return "", dErrors.New(dErrors.CodeInternal, "no adapter for provider type "+string(cfg.Type))
	}

	req, err := ad.BuildAuthorizationRequest(ctx, cfg)
	if err != nil {
		return "", err
	}
	if err := s.states.Issue(ctx, req.State, cfg.ID, s.stateTTL); err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeUnavailable, "persist sso state")
	}
	return req.URL, nil
}

// CompleteCallback consumes the state nonce, validates the provider
// response and resolves it to a local user, provisioning one if the
// tenant's policy allows. Replayed or unknown state is rejected before any
// protocol work happens.
func (s *IdentityService) CompleteCallback(ctx context.Context, providerName string, rawResponse url.Values) (*credmodels.User, error) {
	state := rawResponse.Get("state")
	if state == "" {
		// SAML carries the nonce as RelayState.
		state = rawResponse.Get("RelayState")
	}
	if state == "" {
		return nil, dErrors.New(dErrors.CodeInvalidState, "missing state parameter")
	}

	providerID, err := s.states.Consume(ctx, state)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeInvalidState, "unknown or already used state")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "consume sso state")
	}

	cfg, err := s.providers.FindByID(ctx, providerID)
	if err != nil {
		return nil, s.wrapProviderErr(err)
	}
	if cfg.Name != providerName {
		return nil, dErrors.New(dErrors.CodeInvalidState, "state was issued for a different provider")
	}
	// The tenant is known as soon as the state resolves; gate here so a
	// suspended tenant gets no JIT-provisioned users or quota consumption.
	if s.tenants != nil {
		if err := s.tenants.RequireOperational(ctx, cfg.TenantID); err != nil {
			return nil, err
		}
	}
	ad, ok := s.adapters[cfg.Type]
	if !ok {
		return nil, dErrors.New(dErrors.CodeInternal, "no adapter for provider type "+string(cfg.Type))
	}

	claims, err := ad.HandleCallback(ctx, cfg, rawResponse)
	if err != nil {
		return nil, err
	}

	user, err := s.resolveUser(ctx, cfg, claims)
	if err != nil {
		return nil, err
	}

	if err := s.audit.Record(ctx, audit.Event{
		TenantID:    cfg.TenantID,
		ActorUserID: &user.ID,
		Type:        audit.EventFederatedLogin,
		Payload:     map[string]any{"provider": cfg.Name, "email": user.Email},
	}); err != nil {
		return nil, err
	}
	return user, nil
}

func (s *IdentityService) wrapProviderErr(err error) error {
	if errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.New(dErrors.CodeNotFound, "identity provider not found")
	}
	return dErrors.Wrap(err, dErrors.CodeUnavailable, "provider store unavailable")
}
