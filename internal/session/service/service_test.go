package service

import (
	"context"
	"testing"
	"time"

	"aegis/internal/audit"
	quotaservice "aegis/internal/quota/service"
	quotastore "aegis/internal/quota/store"
	"aegis/internal/session/store"
	"aegis/internal/session/token"
	id "aegis/pkg/domain"
	dErrors "aegis/pkg/domain-errors"
	"aegis/pkg/requestcontext"
	"aegis/pkg/testutil"
)

type staticRoles struct {
	role string
	err  error
}

func (r staticRoles) RoleFor(context.Context, id.TenantID, id.UserID) (string, error) {
	return r.role, r.err
}

type fakeGate struct {
	err error
}

func (g *fakeGate) RequireOperational(context.Context, id.TenantID) error { return g.err }

type sessionFixture struct {
	svc      *SessionService
	quotas   *quotaservice.QuotaService
	gate     *fakeGate
	tenantID id.TenantID
	userID   id.UserID
}

func newSessionFixture(t *testing.T, opts ...Option) *sessionFixture {
	t.Helper()
	recorder := audit.NewRecorder(audit.NewInMemoryStore())
	quotas := quotaservice.NewQuotaService(quotastore.NewInMemoryQuotaStore(), recorder)
	signer := token.NewSigner([]byte("0123456789abcdef0123456789abcdef"), "aegis-test", "aegis-api")
	gate := &fakeGate{}

	opts = append([]Option{WithTenantGate(gate)}, opts...)
	svc := NewSessionService(
		store.NewInMemorySessionStore(),
		store.NewInMemoryRefreshTokenStore(),
		quotas,
		recorder,
		signer,
		staticRoles{role: "developer"},
		opts...,
	)

	tenantID := id.NewTenantID()
	if err := quotas.ApplyPlan(context.Background(), tenantID, "developer"); err != nil {
		t.Fatalf("apply plan: %v", err)
	}
	return &sessionFixture{
		svc:      svc,
		quotas:   quotas,
		gate:     gate,
		tenantID: tenantID,
		userID:   id.NewUserID(),
	}
}

func (f *sessionFixture) create(t *testing.T, ctx context.Context) (*TokenPair, id.SessionID) {
	t.Helper()
	session, pair, err := f.svc.CreateSession(ctx, f.userID, f.tenantID, "developer", "203.0.113.7", "test-agent")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return pair, session.ID
}

func TestCreateSessionIssuesVerifiableTokens(t *testing.T) {
	f := newSessionFixture(t)
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	ctx := requestcontext.WithNow(context.Background(), now)

	pair, sessionID := f.create(t, ctx)
	if pair.TokenType != "Bearer" || pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatalf("incomplete token pair: %+v", pair)
	}

	claims, err := f.svc.VerifyAccessToken(ctx, pair.AccessToken)
	if err != nil {
		t.Fatalf("verify access token: %v", err)
	}
	if claims.TenantID != f.tenantID.String() || claims.Subject != f.userID.String() {
		t.Fatalf("claims mismatch: %+v", claims)
	}
	if claims.SessionID != sessionID.String() {
		t.Fatalf("sid claim %q does not match session %q", claims.SessionID, sessionID)
	}
	if claims.Role != "developer" {
		t.Fatalf("role claim %q", claims.Role)
	}
}

func TestAccessTokenExpires(t *testing.T) {
	f := newSessionFixture(t, WithTokenTTLs(15*time.Minute, 720*time.Hour))
	issued := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	ctx := requestcontext.WithNow(context.Background(), issued)

	pair, _ := f.create(t, ctx)

	later := requestcontext.WithNow(context.Background(), issued.Add(16*time.Minute))
	if _, err := f.svc.VerifyAccessToken(later, pair.AccessToken); !dErrors.HasCode(err, dErrors.CodeUnauthorized) {
		t.Fatalf("expected unauthorized for expired token, got %v", err)
	}
}

func TestRefreshRotatesToken(t *testing.T) {
	f := newSessionFixture(t)
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	ctx := requestcontext.WithNow(context.Background(), now)

	pair, _ := f.create(t, ctx)

	rotated, err := f.svc.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if rotated.RefreshToken == pair.RefreshToken {
		t.Fatalf("refresh must rotate the token")
	}
	if _, err := f.svc.VerifyAccessToken(ctx, rotated.AccessToken); err != nil {
		t.Fatalf("rotated access token: %v", err)
	}

	// The rotated token keeps working down the chain.
	if _, err := f.svc.Refresh(ctx, rotated.RefreshToken); err != nil {
		t.Fatalf("second rotation: %v", err)
	}
}

func TestRefreshReuseRevokesLineage(t *testing.T) {
	f := newSessionFixture(t)
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	ctx := requestcontext.WithNow(context.Background(), now)

	pair, sessionID := f.create(t, ctx)

	rotated, err := f.svc.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}

	// Presenting the consumed token trips reuse detection.
	if _, err := f.svc.Refresh(ctx, pair.RefreshToken); !dErrors.HasCode(err, dErrors.CodeTokenReuse) {
		t.Fatalf("expected token_reuse_detected, got %v", err)
	}

	// The whole lineage is dead, including the fresh token.
	if _, err := f.svc.Refresh(ctx, rotated.RefreshToken); !dErrors.HasCode(err, dErrors.CodeUnauthorized) {
		t.Fatalf("expected unauthorized for revoked lineage, got %v", err)
	}
	session, err := f.svc.GetSession(ctx, sessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if session.RevokedAt == nil {
		t.Fatalf("session not revoked after reuse")
	}
}

func TestConcurrentRefreshHasOneWinner(t *testing.T) {
	f := newSessionFixture(t)
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	ctx := requestcontext.WithNow(context.Background(), now)

	pair, _ := f.create(t, ctx)

	successes, errs := testutil.RunConcurrentCollect(8, func(int) error {
		_, err := f.svc.Refresh(ctx, pair.RefreshToken)
		return err
	})
	// At most one presenter rotates. Reuse detection may revoke the lineage
	// before the winner finishes, so zero successes is also legal, but never
	// more than one.
	if successes > 1 {
		t.Fatalf("expected at most one rotation, got %d", successes)
	}
	var reuseSeen bool
	for _, err := range errs {
		switch {
		case dErrors.HasCode(err, dErrors.CodeTokenReuse):
			reuseSeen = true
		case dErrors.HasCode(err, dErrors.CodeUnauthorized):
		default:
			t.Fatalf("loser saw unexpected error: %v", err)
		}
	}
	if !reuseSeen {
		t.Fatalf("expected at least one reuse detection among %d errors", len(errs))
	}
}

func TestConcurrentSessionQuota(t *testing.T) {
	f := newSessionFixture(t)
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	ctx := requestcontext.WithNow(context.Background(), now)

	// Developer plan allows two concurrent sessions.
	f.create(t, ctx)
	_, secondID := f.create(t, ctx)

	if _, _, err := f.svc.CreateSession(ctx, f.userID, f.tenantID, "developer", "", ""); !dErrors.HasCode(err, dErrors.CodeQuotaExceeded) {
		t.Fatalf("expected quota_exceeded for third session, got %v", err)
	}

	// Revoking frees the slot.
	if err := f.svc.RevokeSession(ctx, secondID, nil); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, _, err := f.svc.CreateSession(ctx, f.userID, f.tenantID, "developer", "", ""); err != nil {
		t.Fatalf("session after revoke: %v", err)
	}
}

func TestConcurrentSessionQuotaUnderRace(t *testing.T) {
	f := newSessionFixture(t)
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	ctx := requestcontext.WithNow(context.Background(), now)

	successes, errs := testutil.RunConcurrentCollect(5, func(int) error {
		_, _, err := f.svc.CreateSession(ctx, f.userID, f.tenantID, "developer", "", "")
		return err
	})
	if successes != 2 {
		t.Fatalf("expected the plan ceiling of 2 sessions, got %d", successes)
	}
	for _, err := range errs {
		if !dErrors.HasCode(err, dErrors.CodeQuotaExceeded) {
			t.Fatalf("rejected creation returned %v", err)
		}
	}
}

func TestExpiredSessionReleasesQuotaSlot(t *testing.T) {
	f := newSessionFixture(t, WithTokenTTLs(15*time.Minute, time.Hour))
	issued := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	ctx := requestcontext.WithNow(context.Background(), issued)

	// Fill the developer plan's two slots, then let both sessions lapse
	// without a logout.
	pair, _ := f.create(t, ctx)
	f.create(t, ctx)

	late := requestcontext.WithNow(context.Background(), issued.Add(2*time.Hour))
	if _, err := f.svc.Refresh(late, pair.RefreshToken); !dErrors.HasCode(err, dErrors.CodeUnauthorized) {
		t.Fatalf("expected unauthorized for expired refresh token, got %v", err)
	}

	// Observing the expiry returned that session's slot; only one of the
	// two lapsed sessions was presented, so only one slot is free.
	if _, _, err := f.svc.CreateSession(late, f.userID, f.tenantID, "developer", "", ""); err != nil {
		t.Fatalf("expected slot back after observed expiry, got %v", err)
	}
	if _, _, err := f.svc.CreateSession(late, f.userID, f.tenantID, "developer", "", ""); !dErrors.HasCode(err, dErrors.CodeQuotaExceeded) {
		t.Fatalf("expected quota_exceeded while the unobserved session holds its slot, got %v", err)
	}
}

func TestRevokeSessionIdempotent(t *testing.T) {
	f := newSessionFixture(t)
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	ctx := requestcontext.WithNow(context.Background(), now)

	_, sessionID := f.create(t, ctx)
	f.create(t, ctx)

	// Concurrent revokes release the quota slot exactly once.
	result := testutil.RunConcurrent(4, func(int) error {
		return f.svc.RevokeSession(ctx, sessionID, nil)
	})
	if result.Successes != 4 {
		t.Fatalf("revoke is idempotent, expected 4 successes, got %+v", result)
	}

	// One slot free again: exactly one more session fits.
	if _, _, err := f.svc.CreateSession(ctx, f.userID, f.tenantID, "developer", "", ""); err != nil {
		t.Fatalf("expected a free slot: %v", err)
	}
	if _, _, err := f.svc.CreateSession(ctx, f.userID, f.tenantID, "developer", "", ""); !dErrors.HasCode(err, dErrors.CodeQuotaExceeded) {
		t.Fatalf("expected quota_exceeded, got %v", err)
	}
}

func TestRefreshBlockedForSuspendedTenant(t *testing.T) {
	f := newSessionFixture(t)
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	ctx := requestcontext.WithNow(context.Background(), now)

	pair, _ := f.create(t, ctx)

	f.gate.err = dErrors.New(dErrors.CodeTenantSuspended, "tenant suspended")
	if _, err := f.svc.Refresh(ctx, pair.RefreshToken); !dErrors.HasCode(err, dErrors.CodeTenantSuspended) {
		t.Fatalf("expected tenant_suspended, got %v", err)
	}
}

func TestRefreshPicksUpRoleChange(t *testing.T) {
	f := newSessionFixture(t)
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	ctx := requestcontext.WithNow(context.Background(), now)

	pair, _ := f.create(t, ctx)

	f.svc.roles = staticRoles{role: "manager"}
	rotated, err := f.svc.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	claims, err := f.svc.VerifyAccessToken(ctx, rotated.AccessToken)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Role != "manager" {
		t.Fatalf("refreshed token should carry the current role, got %q", claims.Role)
	}
}

func TestRevokeAllForUser(t *testing.T) {
	f := newSessionFixture(t)
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	ctx := requestcontext.WithNow(context.Background(), now)

	pairA, _ := f.create(t, ctx)
	pairB, _ := f.create(t, ctx)

	if err := f.svc.RevokeAllForUser(ctx, f.tenantID, f.userID, nil); err != nil {
		t.Fatalf("revoke all: %v", err)
	}
	for _, pair := range []*TokenPair{pairA, pairB} {
		if _, err := f.svc.Refresh(ctx, pair.RefreshToken); !dErrors.HasCode(err, dErrors.CodeUnauthorized) {
			t.Fatalf("expected unauthorized after revoke-all, got %v", err)
		}
	}
}

func TestRefreshUnknownToken(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Refresh(ctx, "never-issued"); !dErrors.HasCode(err, dErrors.CodeUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}
