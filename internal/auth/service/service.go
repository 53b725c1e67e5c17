package service

import (
	"context"
	"log/slog"
	"net/url"

	"aegis/internal/audit"
	credmodels "aegis/internal/credential/models"
	credservice "aegis/internal/credential/service"
	sessionmodels "aegis/internal/session/models"
	sessionservice "aegis/internal/session/service"
	id "aegis/pkg/domain"
	dErrors "aegis/pkg/domain-errors"
	"aegis/pkg/requestcontext"
)

type Recorder interface {
	Record(ctx context.Context, event audit.Event) error
}

// TenantGate blocks authentication for tenants that are not operational.
type TenantGate interface {
	RequireOperational(ctx context.Context, tenantID id.TenantID) error
}

// Credentials is the slice of the credential engine login needs.
type Credentials interface {
	VerifyPassword(ctx context.Context, tenantID id.TenantID, email, password string) (*credmodels.User, error)
	MFAActive(ctx context.Context, userID id.UserID) (bool, error)
	VerifyCode(ctx context.Context, userID id.UserID, code string) error
	SetupTOTP(ctx context.Context, userID id.UserID) (*credservice.TOTPSetup, error)
	ActivateTOTP(ctx context.Context, userID id.UserID, code string) ([]string, error)
}

// Sessions mints and revokes token lineages.
type Sessions interface {
	CreateSession(ctx context.Context, userID id.UserID, tenantID id.TenantID, role, ip, userAgent string) (*sessionmodels.Session, *sessionservice.TokenPair, error)
	Refresh(ctx context.Context, rawRefreshToken string) (*sessionservice.TokenPair, error)
	RevokeSession(ctx context.Context, sessionID id.SessionID, actor *id.UserID) error
}

// Federation starts and completes SSO round trips.
type Federation interface {
	BeginLogin(ctx context.Context, tenantID id.TenantID, providerName string) (string, error)
	CompleteCallback(ctx context.Context, providerName string, rawResponse url.Values) (*credmodels.User, error)
}

// LoginInput carries one password login attempt.
type LoginInput struct {
	TenantID  id.TenantID
	Email     string
	Password  string
	MFACode   string
	IP        string
	UserAgent string
}

// LoginResult is a completed authentication: the user plus a token pair.
type LoginResult struct {
	User    *credmodels.User
	Session *sessionmodels.Session
	Tokens  *sessionservice.TokenPair
}

// AuthService sequences tenant gating, credential checks, the MFA gate and
// session issuance. It owns no state of its own.
type AuthService struct {
	tenants     TenantGate
	credentials Credentials
	sessions    Sessions
	federation  Federation
	audit       Recorder
	logger      *slog.Logger
}

type Option func(*AuthService)

func WithLogger(logger *slog.Logger) Option {
	return func(s *AuthService) { s.logger = logger }
}

func NewAuthService(
	tenants TenantGate,
	credentials Credentials,
	sessions Sessions,
	federation Federation,
	recorder Recorder,
	opts ...Option,
) *AuthService {
	s := &AuthService{
		tenants:     tenants,
		credentials: credentials,
		sessions:    sessions,
		federation:  federation,
		audit:       recorder,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Login performs the full password flow. When the user has active MFA and
// no code was supplied the attempt stops with CodeMFARequired; credentials
// were already verified at that point, so the client retries with a code.
func (s *AuthService) Login(ctx context.Context, in LoginInput) (*LoginResult, error) {
	if err := s.tenants.RequireOperational(ctx, in.TenantID); err != nil {
		return nil, err
	}

	user, err := s.credentials.VerifyPassword(ctx, in.TenantID, in.Email, in.Password)
	if err != nil {
		return nil, err
	}

	mfaActive, err := s.credentials.MFAActive(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if mfaActive {
		if in.MFACode == "" {
			return nil, dErrors.New(dErrors.CodeMFARequired, "mfa code required")
		}
		if err := s.credentials.VerifyCode(ctx, user.ID, in.MFACode); err != nil {
			return nil, err
		}
	}

	return s.establishSession(ctx, user, in.IP, in.UserAgent, "password")
}

// BeginSSOLogin returns the provider redirect for a tenant's provider.
func (s *AuthService) BeginSSOLogin(ctx context.Context, tenantID id.TenantID, providerName string) (string, error) {
	if err := s.tenants.RequireOperational(ctx, tenantID); err != nil {
		return "", err
	}
	return s.federation.BeginLogin(ctx, tenantID, providerName)
}

// CompleteSSOLogin validates the provider callback, provisions the user if
// the tenant allows it, and establishes a session. The tenant gate lives in
// the federation service because the tenant is only known once the state
// nonce resolves, and it must run before JIT provisioning.
func (s *AuthService) CompleteSSOLogin(ctx context.Context, providerName string, rawResponse url.Values, ip, userAgent string) (*LoginResult, error) {
	user, err := s.federation.CompleteCallback(ctx, providerName, rawResponse)
	if err != nil {
		return nil, err
	}
	return s.establishSession(ctx, user, ip, userAgent, "sso:"+providerName)
}

func (s *AuthService) establishSession(ctx context.Context, user *credmodels.User, ip, userAgent, method string) (*LoginResult, error) {
	session, tokens, err := s.sessions.CreateSession(ctx, user.ID, user.TenantID, user.Role, ip, userAgent)
	if err != nil {
		return nil, err
	}

	if err := s.audit.Record(ctx, audit.Event{
		TenantID:    user.TenantID,
		ActorUserID: &user.ID,
		Type:        audit.EventLoginSucceeded,
		Payload: map[string]any{
			"method": method,
			"ip":     requestcontext.ClientIP(ctx),
		},
	}); err != nil {
		return nil, err
	}
	return &LoginResult{User: user, Session: session, Tokens: tokens}, nil
}

// SetupMFA starts TOTP enrollment for an authenticated user.
func (s *AuthService) SetupMFA(ctx context.Context, tenantID id.TenantID, userID id.UserID) (*credservice.TOTPSetup, error) {
	if err := s.tenants.RequireOperational(ctx, tenantID); err != nil {
		return nil, err
	}
	return s.credentials.SetupTOTP(ctx, userID)
}

// VerifyMFA completes a pending enrollment and hands back backup codes.
func (s *AuthService) VerifyMFA(ctx context.Context, tenantID id.TenantID, userID id.UserID, code string) ([]string, error) {
	if err := s.tenants.RequireOperational(ctx, tenantID); err != nil {
		return nil, err
	}
	return s.credentials.ActivateTOTP(ctx, userID, code)
}

// Refresh rotates a refresh token into a new pair.
func (s *AuthService) Refresh(ctx context.Context, rawRefreshToken string) (*sessionservice.TokenPair, error) {
	return s.sessions.Refresh(ctx, rawRefreshToken)
}

// Logout revokes the presented session. Idempotent.
func (s *AuthService) Logout(ctx context.Context, sessionID id.SessionID, actor *id.UserID) error {
	err := s.sessions.RevokeSession(ctx, sessionID, actor)
	if dErrors.HasCode(err, dErrors.CodeNotFound) {
		return nil
	}
	return err
}
