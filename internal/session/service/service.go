package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"aegis/internal/audit"
	quotamodels "aegis/internal/quota/models"
	"aegis/internal/session/metrics"
	"aegis/internal/session/models"
	"aegis/internal/session/store"
	"aegis/internal/session/token"
	id "aegis/pkg/domain"
	dErrors "aegis/pkg/domain-errors"
	"aegis/pkg/platform/sentinel"
	"aegis/pkg/requestcontext"
	"aegis/pkg/secrets"
)

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 720 * time.Hour
)

type Recorder interface {
	Record(ctx context.Context, event audit.Event) error
}

// RoleResolver reports the user's current role so refreshed access tokens
// pick up role changes made since login.
type RoleResolver interface {
	RoleFor(ctx context.Context, tenantID id.TenantID, userID id.UserID) (string, error)
}

// TenantGate blocks token operations for tenants that are not operational.
type TenantGate interface {
	RequireOperational(ctx context.Context, tenantID id.TenantID) error
}

// QuotaReserver gates session creation on the tenant's concurrent session
// ceiling and returns slots when sessions end.
type QuotaReserver interface {
	CheckAndReserve(ctx context.Context, tenantID id.TenantID, metric quotamodels.Metric, amount int64) (int64, error)
	Release(ctx context.Context, tenantID id.TenantID, metric quotamodels.Metric, amount int64) error
}

// TokenPair is the response of a successful login or refresh. The raw
// refresh token appears here and nowhere else.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

type SessionService struct {
	sessions store.SessionStore
	refresh  store.RefreshTokenStore
	quotas   QuotaReserver
	audit    Recorder
	signer   *token.Signer
	roles    RoleResolver
	tenants  TenantGate
	logger   *slog.Logger
	metrics  *metrics.SessionMetrics

	accessTTL  time.Duration
	refreshTTL time.Duration
}

type Option func(*SessionService)

func WithLogger(logger *slog.Logger) Option {
	return func(s *SessionService) { s.logger = logger }
}

func WithMetrics(m *metrics.SessionMetrics) Option {
	return func(s *SessionService) { s.metrics = m }
}

func WithTenantGate(gate TenantGate) Option {
	return func(s *SessionService) { s.tenants = gate }
}

func WithTokenTTLs(access, refresh time.Duration) Option {
	return func(s *SessionService) {
		s.accessTTL = access
		s.refreshTTL = refresh
	}
}

func NewSessionService(
	sessions store.SessionStore,
	refresh store.RefreshTokenStore,
	quotas QuotaReserver,
	recorder Recorder,
	signer *token.Signer,
	roles RoleResolver,
	opts ...Option,
) *SessionService {
	s := &SessionService{
		sessions:   sessions,
		refresh:    refresh,
		quotas:     quotas,
		audit:      recorder,
		signer:     signer,
		roles:      roles,
		logger:     slog.Default(),
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateSession reserves a concurrent-session slot, then establishes the
// lineage and mints the first token pair. Any failure after the reservation
// hands the slot back.
func (s *SessionService) CreateSession(ctx context.Context, userID id.UserID, tenantID id.TenantID, role, ip, userAgent string) (*models.Session, *TokenPair, error) {
	if _, err := s.quotas.CheckAndReserve(ctx, tenantID, quotamodels.MetricConcurrentSessions, 1); err != nil {
		return nil, nil, err
	}

	session, pair, err := s.createSession(ctx, userID, tenantID, role, ip, userAgent)
	if err != nil {
		if relErr := s.quotas.Release(ctx, tenantID, quotamodels.MetricConcurrentSessions, 1); relErr != nil {
			s.logger.ErrorContext(ctx, "release session quota failed", "error", relErr, "tenant_id", tenantID.String())
		}
		return nil, nil, err
	}
	return session, pair, nil
}

func (s *SessionService) createSession(ctx context.Context, userID id.UserID, tenantID id.TenantID, role, ip, userAgent string) (*models.Session, *TokenPair, error) {
	now := requestcontext.Now(ctx)
	sessionID := id.NewSessionID()

	accessToken, err := s.signer.Issue(userID, tenantID, sessionID, role, now, s.accessTTL)
	if err != nil {
		return nil, nil, dErrors.Wrap(err, dErrors.CodeInternal, "issue access token")
	}
	refreshToken, err := secrets.Generate()
	if err != nil {
		return nil, nil, dErrors.Wrap(err, dErrors.CodeInternal, "generate refresh token")
	}

	session := &models.Session{
		ID:                sessionID,
		UserID:            userID,
		TenantID:          tenantID,
		AccessTokenHash:   secrets.HashToken(accessToken),
		RefreshTokenHash:  secrets.HashToken(refreshToken),
		IssuedAt:          now,
		ExpiresAt:         now.Add(s.refreshTTL),
		IP:                ip,
		UserAgent:         userAgent,
		DeviceDisplayName: models.DeviceDisplayName(userAgent),
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "create session")
	}
	if err := s.refresh.Create(ctx, &models.RefreshTokenRecord{
		TokenHash: session.RefreshTokenHash,
		SessionID: session.ID,
		UserID:    userID,
		TenantID:  tenantID,
		IssuedAt:  now,
		ExpiresAt: session.ExpiresAt,
	}); err != nil {
		return nil, nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "create refresh record")
	}

	if err := s.audit.Record(ctx, audit.Event{
		TenantID:    tenantID,
		ActorUserID: &userID,
		Type:        audit.EventSessionCreated,
		Payload:     map[string]any{"session_id": session.ID.String(), "device": session.DeviceDisplayName},
	}); err != nil {
		return nil, nil, err
	}
	if s.metrics != nil {
		s.metrics.SessionsCreated.Inc()
	}
	return session, s.pair(accessToken, refreshToken), nil
}

// Refresh rotates a refresh token. The consume is a single atomic step:
// under a race exactly one caller rotates, everyone else trips reuse
// detection, which revokes the whole lineage.
func (s *SessionService) Refresh(ctx context.Context, rawRefreshToken string) (*TokenPair, error) {
	now := requestcontext.Now(ctx)
	hash := secrets.HashToken(rawRefreshToken)

	record, err := s.refresh.ConsumeByHash(ctx, hash, now)
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		return nil, dErrors.New(dErrors.CodeUnauthorized, "unknown refresh token")
	case errors.Is(err, sentinel.ErrExpired):
		s.releaseExpired(ctx, record)
		return nil, dErrors.New(dErrors.CodeUnauthorized, "refresh token expired")
	case errors.Is(err, sentinel.ErrAlreadyUsed):
		return nil, s.handleReuse(ctx, record)
	case err != nil:
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "consume refresh token")
	}

	session, err := s.sessions.FindByID(ctx, record.SessionID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "load session")
	}
	if session.Revoked() {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "session revoked")
	}
	if s.tenants != nil {
		if err := s.tenants.RequireOperational(ctx, session.TenantID); err != nil {
			return nil, err
		}
	}

	role, err := s.roles.RoleFor(ctx, session.TenantID, session.UserID)
	if err != nil {
		return nil, err
	}
	accessToken, err := s.signer.Issue(session.UserID, session.TenantID, session.ID, role, now, s.accessTTL)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "issue access token")
	}
	newRefreshToken, err := secrets.Generate()
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "generate refresh token")
	}

	if err := s.refresh.Create(ctx, &models.RefreshTokenRecord{
		TokenHash: secrets.HashToken(newRefreshToken),
		SessionID: session.ID,
		UserID:    session.UserID,
		TenantID:  session.TenantID,
		IssuedAt:  now,
		ExpiresAt: session.ExpiresAt,
	}); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "create refresh record")
	}

	session.AccessTokenHash = secrets.HashToken(accessToken)
	session.RefreshTokenHash = secrets.HashToken(newRefreshToken)
	if err := s.sessions.Update(ctx, session); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "update session")
	}

	if err := s.audit.Record(ctx, audit.Event{
		TenantID:    session.TenantID,
		ActorUserID: &session.UserID,
		Type:        audit.EventTokenRefreshed,
		Payload:     map[string]any{"session_id": session.ID.String()},
	}); err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.TokensRefreshed.Inc()
	}
	return s.pair(accessToken, newRefreshToken), nil
}

// handleReuse revokes the lineage a replayed token belongs to. Every
// presenter of a consumed token receives the same terminal error.
func (s *SessionService) handleReuse(ctx context.Context, record *models.RefreshTokenRecord) error {
	if s.metrics != nil {
		s.metrics.ReuseDetected.Inc()
	}
	if err := s.RevokeSession(ctx, record.SessionID, nil); err != nil && !dErrors.HasCode(err, dErrors.CodeNotFound) {
		s.logger.ErrorContext(ctx, "revoke lineage after reuse failed",
			"error", err, "session_id", record.SessionID.String())
	}
	userID := record.UserID
	if err := s.audit.Record(ctx, audit.Event{
		TenantID:    record.TenantID,
		ActorUserID: &userID,
		Type:        audit.EventTokenReuseDetected,
		Payload:     map[string]any{"session_id": record.SessionID.String()},
	}); err != nil {
		return err
	}
	return dErrors.New(dErrors.CodeTokenReuse, "refresh token already used")
}

// releaseExpired returns the concurrent-session slot of a session whose
// refresh token lapsed without a logout. Revoking the session keeps the
// release exactly-once however many expired presentations arrive.
func (s *SessionService) releaseExpired(ctx context.Context, record *models.RefreshTokenRecord) {
	if record == nil {
		return
	}
	if err := s.RevokeSession(ctx, record.SessionID, nil); err != nil && !dErrors.HasCode(err, dErrors.CodeNotFound) {
		s.logger.ErrorContext(ctx, "release expired session failed",
			"error", err, "session_id", record.SessionID.String())
	}
}

// RevokeSession is idempotent. The concurrent-session slot is released only
// by the call that actually flips the session.
func (s *SessionService) RevokeSession(ctx context.Context, sessionID id.SessionID, actor *id.UserID) error {
	now := requestcontext.Now(ctx)
	flipped, err := s.sessions.Revoke(ctx, sessionID, now)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return dErrors.New(dErrors.CodeNotFound, "session not found")
		}
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "revoke session")
	}
	if !flipped {
		return nil
	}

	session, err := s.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "load session")
	}
	if err := s.quotas.Release(ctx, session.TenantID, quotamodels.MetricConcurrentSessions, 1); err != nil {
		s.logger.ErrorContext(ctx, "release session quota failed", "error", err, "session_id", sessionID.String())
	}
	if s.metrics != nil {
		s.metrics.SessionsRevoked.Inc()
	}
	return s.audit.Record(ctx, audit.Event{
		TenantID:    session.TenantID,
		ActorUserID: actor,
		Type:        audit.EventSessionRevoked,
		Payload:     map[string]any{"session_id": sessionID.String()},
	})
}

// RevokeAllForUser ends every active session of a user within a tenant.
func (s *SessionService) RevokeAllForUser(ctx context.Context, tenantID id.TenantID, userID id.UserID, actor *id.UserID) error {
	now := requestcontext.Now(ctx)
	active, err := s.sessions.ListActiveByUser(ctx, tenantID, userID, now)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "list sessions")
	}
	for _, session := range active {
		if err := s.RevokeSession(ctx, session.ID, actor); err != nil {
			return err
		}
	}
	return nil
}

// GetSession loads a session by ID.
func (s *SessionService) GetSession(ctx context.Context, sessionID id.SessionID) (*models.Session, error) {
	session, err := s.sessions.FindByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "session not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "load session")
	}
	return session, nil
}

// VerifyAccessToken validates an access token signature and lifetime.
func (s *SessionService) VerifyAccessToken(ctx context.Context, raw string) (*token.Claims, error) {
	return s.signer.Verify(raw, requestcontext.Now(ctx))
}

func (s *SessionService) pair(accessToken, refreshToken string) *TokenPair {
	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.accessTTL.Seconds()),
	}
}
