package service

import (
	"context"
	"crypto/sha256"
	"net/url"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"

	"aegis/internal/audit"
	credmodels "aegis/internal/credential/models"
	credservice "aegis/internal/credential/service"
	credstore "aegis/internal/credential/store"
	"aegis/internal/platform/replay"
	quotaservice "aegis/internal/quota/service"
	quotastore "aegis/internal/quota/store"
	sessionservice "aegis/internal/session/service"
	sessionstore "aegis/internal/session/store"
	"aegis/internal/session/token"
	id "aegis/pkg/domain"
	dErrors "aegis/pkg/domain-errors"
	"aegis/pkg/requestcontext"
	"aegis/pkg/secrets"
)

type stubGate struct {
	err error
}

func (g *stubGate) RequireOperational(context.Context, id.TenantID) error { return g.err }

type stubFederation struct{}

func (stubFederation) BeginLogin(context.Context, id.TenantID, string) (string, error) {
	return "https://idp.example.com/authorize", nil
}

func (stubFederation) CompleteCallback(context.Context, string, url.Values) (*credmodels.User, error) {
	return nil, dErrors.New(dErrors.CodeInternal, "not wired in this fixture")
}

type authFixture struct {
	svc         *AuthService
	credentials *credservice.CredentialService
	gate        *stubGate
	tenantID    id.TenantID
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()
	recorder := audit.NewRecorder(audit.NewInMemoryStore())
	quotas := quotaservice.NewQuotaService(quotastore.NewInMemoryQuotaStore(), recorder)
	key := sha256.Sum256([]byte("test-cipher-key"))
	cipher, err := secrets.NewCipher(key[:])
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	credentials := credservice.NewCredentialService(
		credstore.NewInMemoryUserStore(),
		credstore.NewInMemoryMFAStore(),
		quotas,
		recorder,
		replay.NewMemoryCache(),
		cipher,
		"aegis-test",
	)
	gate := &stubGate{}
	signer := token.NewSigner([]byte("0123456789abcdef0123456789abcdef"), "aegis-test", "aegis-api")
	sessions := sessionservice.NewSessionService(
		sessionstore.NewInMemorySessionStore(),
		sessionstore.NewInMemoryRefreshTokenStore(),
		quotas,
		recorder,
		signer,
		credentials,
		sessionservice.WithTenantGate(gate),
	)
	svc := NewAuthService(gate, credentials, sessions, stubFederation{}, recorder)

	tenantID := id.NewTenantID()
	if err := quotas.ApplyPlan(context.Background(), tenantID, "team"); err != nil {
		t.Fatalf("apply plan: %v", err)
	}
	return &authFixture{svc: svc, credentials: credentials, gate: gate, tenantID: tenantID}
}

func TestLoginHappyPath(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	if _, err := f.credentials.RegisterUser(ctx, f.tenantID, "user@corp.example", "correct horse", "developer"); err != nil {
		t.Fatalf("register: %v", err)
	}

	result, err := f.svc.Login(ctx, LoginInput{
		TenantID: f.tenantID,
		Email:    "user@corp.example",
		Password: "correct horse",
	})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if result.Tokens.AccessToken == "" || result.Tokens.RefreshToken == "" {
		t.Fatalf("incomplete token pair")
	}
	if result.Session == nil || result.User.Email != "user@corp.example" {
		t.Fatalf("incomplete result: %+v", result)
	}
}

func TestLoginBlockedForSuspendedTenant(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	if _, err := f.credentials.RegisterUser(ctx, f.tenantID, "user@corp.example", "correct horse", "developer"); err != nil {
		t.Fatalf("register: %v", err)
	}

	f.gate.err = dErrors.New(dErrors.CodeTenantSuspended, "tenant suspended")
	_, err := f.svc.Login(ctx, LoginInput{
		TenantID: f.tenantID,
		Email:    "user@corp.example",
		Password: "correct horse",
	})
	if !dErrors.HasCode(err, dErrors.CodeTenantSuspended) {
		t.Fatalf("expected tenant_suspended, got %v", err)
	}
}

func TestLoginRequiresMFACodeWhenActive(t *testing.T) {
	f := newAuthFixture(t)
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	ctx := requestcontext.WithNow(context.Background(), base)

	user, err := f.credentials.RegisterUser(ctx, f.tenantID, "user@corp.example", "correct horse", "developer")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	setup, err := f.svc.SetupMFA(ctx, f.tenantID, user.ID)
	if err != nil {
		t.Fatalf("setup mfa: %v", err)
	}
	code, err := totp.GenerateCode(setup.Secret, base)
	if err != nil {
		t.Fatalf("generate code: %v", err)
	}
	backups, err := f.svc.VerifyMFA(ctx, f.tenantID, user.ID, code)
	if err != nil {
		t.Fatalf("verify mfa: %v", err)
	}
	if len(backups) == 0 {
		t.Fatalf("expected backup codes at activation")
	}

	// Without a code the attempt stops at the MFA gate.
	_, err = f.svc.Login(ctx, LoginInput{
		TenantID: f.tenantID,
		Email:    "user@corp.example",
		Password: "correct horse",
	})
	if !dErrors.HasCode(err, dErrors.CodeMFARequired) {
		t.Fatalf("expected mfa_required, got %v", err)
	}

	// With a fresh code the login completes.
	at := base.Add(5 * time.Minute)
	loginCtx := requestcontext.WithNow(context.Background(), at)
	code, err = totp.GenerateCode(setup.Secret, at)
	if err != nil {
		t.Fatalf("generate code: %v", err)
	}
	result, err := f.svc.Login(loginCtx, LoginInput{
		TenantID: f.tenantID,
		Email:    "user@corp.example",
		Password: "correct horse",
		MFACode:  code,
	})
	if err != nil {
		t.Fatalf("login with mfa: %v", err)
	}
	if result.Tokens.AccessToken == "" {
		t.Fatalf("missing access token")
	}
}

func TestLoginRejectsBadMFACode(t *testing.T) {
	f := newAuthFixture(t)
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	ctx := requestcontext.WithNow(context.Background(), base)

	user, err := f.credentials.RegisterUser(ctx, f.tenantID, "user@corp.example", "correct horse", "developer")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	setup, err := f.svc.SetupMFA(ctx, f.tenantID, user.ID)
	if err != nil {
		t.Fatalf("setup mfa: %v", err)
	}
	code, err := totp.GenerateCode(setup.Secret, base)
	if err != nil {
		t.Fatalf("generate code: %v", err)
	}
	if _, err := f.svc.VerifyMFA(ctx, f.tenantID, user.ID, code); err != nil {
		t.Fatalf("verify mfa: %v", err)
	}

	_, err = f.svc.Login(ctx, LoginInput{
		TenantID: f.tenantID,
		Email:    "user@corp.example",
		Password: "correct horse",
		MFACode:  "000000",
	})
	if !dErrors.HasCode(err, dErrors.CodeUnauthorized) {
		t.Fatalf("expected unauthorized for bad code, got %v", err)
	}
}

func TestLogoutIdempotent(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	if _, err := f.credentials.RegisterUser(ctx, f.tenantID, "user@corp.example", "correct horse", "developer"); err != nil {
		t.Fatalf("register: %v", err)
	}
	result, err := f.svc.Login(ctx, LoginInput{
		TenantID: f.tenantID,
		Email:    "user@corp.example",
		Password: "correct horse",
	})
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	if err := f.svc.Logout(ctx, result.Session.ID, nil); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if err := f.svc.Logout(ctx, result.Session.ID, nil); err != nil {
		t.Fatalf("second logout must be a no-op: %v", err)
	}
	// Unknown sessions are swallowed too.
	if err := f.svc.Logout(ctx, id.NewSessionID(), nil); err != nil {
		t.Fatalf("logout of unknown session: %v", err)
	}

	// The revoked lineage no longer refreshes.
	if _, err := f.svc.Refresh(ctx, result.Tokens.RefreshToken); !dErrors.HasCode(err, dErrors.CodeUnauthorized) {
		t.Fatalf("expected unauthorized after logout, got %v", err)
	}
}
