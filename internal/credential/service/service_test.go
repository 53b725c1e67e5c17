package service

import (
	"context"
	"crypto/sha256"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"

	"aegis/internal/audit"
	"aegis/internal/credential/models"
	"aegis/internal/credential/store"
	"aegis/internal/platform/replay"
	quotaservice "aegis/internal/quota/service"
	quotastore "aegis/internal/quota/store"
	id "aegis/pkg/domain"
	dErrors "aegis/pkg/domain-errors"
	"aegis/pkg/requestcontext"
	"aegis/pkg/secrets"
	"aegis/pkg/testutil"
)

type fixture struct {
	svc      *CredentialService
	quotas   *quotaservice.QuotaService
	recorder *audit.Recorder
	tenantID id.TenantID
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	recorder := audit.NewRecorder(audit.NewInMemoryStore())
	quotas := quotaservice.NewQuotaService(quotastore.NewInMemoryQuotaStore(), recorder)
	key := sha256.Sum256([]byte("test-cipher-key"))
	cipher, err := secrets.NewCipher(key[:])
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	svc := NewCredentialService(
		store.NewInMemoryUserStore(),
		store.NewInMemoryMFAStore(),
		quotas,
		recorder,
		replay.NewMemoryCache(),
		cipher,
		"aegis-test",
		opts...,
	)
	tenantID := id.NewTenantID()
	if err := quotas.ApplyPlan(context.Background(), tenantID, "developer"); err != nil {
		t.Fatalf("apply plan: %v", err)
	}
	return &fixture{svc: svc, quotas: quotas, recorder: recorder, tenantID: tenantID}
}

func (f *fixture) register(t *testing.T, email, password string) *models.User {
	t.Helper()
	user, err := f.svc.RegisterUser(context.Background(), f.tenantID, email, password, "developer")
	if err != nil {
		t.Fatalf("register %s: %v", email, err)
	}
	return user
}

func TestRegisterUserValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.RegisterUser(ctx, f.tenantID, "a@example.com", "short", "viewer"); !dErrors.HasCode(err, dErrors.CodeValidation) {
		t.Fatalf("expected validation error for short password, got %v", err)
	}
	if _, err := f.svc.RegisterUser(ctx, f.tenantID, "not-an-email", "long enough", "viewer"); err == nil {
		t.Fatalf("expected error for malformed email")
	}
}

func TestRegisterUserDuplicateEmailConflicts(t *testing.T) {
	f := newFixture(t)
	f.register(t, "dupe@example.com", "password-1")

	_, err := f.svc.RegisterUser(context.Background(), f.tenantID, "Dupe@Example.com", "password-2", "viewer")
	if !dErrors.HasCode(err, dErrors.CodeConflict) {
		t.Fatalf("expected conflict for duplicate email, got %v", err)
	}
}

func TestRegisterUserRejectedWhenQuotaExhausted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Developer plan admits five users.
	for i := 0; i < 5; i++ {
		f.register(t, string(rune('a'+i))+"@example.com", "password-ok")
	}
	_, err := f.svc.RegisterUser(ctx, f.tenantID, "sixth@example.com", "password-ok", "viewer")
	if !dErrors.HasCode(err, dErrors.CodeQuotaExceeded) {
		t.Fatalf("expected quota_exceeded, got %v", err)
	}
}

func TestVerifyPasswordLockoutAndCooldown(t *testing.T) {
	f := newFixture(t, WithLockoutPolicy(3, 15*time.Minute))
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	ctx := requestcontext.WithNow(context.Background(), base)

	user := f.register(t, "locky@example.com", "correct horse")

	for i := 0; i < 2; i++ {
		if _, err := f.svc.VerifyPassword(ctx, f.tenantID, user.Email, "wrong"); !dErrors.HasCode(err, dErrors.CodeUnauthorized) {
			t.Fatalf("attempt %d: expected unauthorized, got %v", i+1, err)
		}
	}
	// Third failure crosses the threshold.
	if _, err := f.svc.VerifyPassword(ctx, f.tenantID, user.Email, "wrong"); !dErrors.HasCode(err, dErrors.CodeAccountLocked) {
		t.Fatalf("expected account_locked on threshold, got %v", err)
	}
	// The right password does not help while locked.
	if _, err := f.svc.VerifyPassword(ctx, f.tenantID, user.Email, "correct horse"); !dErrors.HasCode(err, dErrors.CodeAccountLocked) {
		t.Fatalf("expected account_locked during cooldown, got %v", err)
	}

	// After the cooldown the lock clears on the next attempt.
	later := requestcontext.WithNow(context.Background(), base.Add(16*time.Minute))
	got, err := f.svc.VerifyPassword(later, f.tenantID, user.Email, "correct horse")
	if err != nil {
		t.Fatalf("expected login after cooldown: %v", err)
	}
	if got.Status != models.UserStatusActive || got.FailedLoginCount != 0 {
		t.Fatalf("lockout state not cleared: status=%s count=%d", got.Status, got.FailedLoginCount)
	}
}

func TestAdminUnlockClearsLockEarly(t *testing.T) {
	f := newFixture(t, WithLockoutPolicy(1, time.Hour))
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	ctx := requestcontext.WithNow(context.Background(), base)

	user := f.register(t, "early@example.com", "correct horse")
	if _, err := f.svc.VerifyPassword(ctx, f.tenantID, user.Email, "wrong"); !dErrors.HasCode(err, dErrors.CodeAccountLocked) {
		t.Fatalf("expected lock on first failure, got %v", err)
	}

	admin := id.NewUserID()
	if err := f.svc.Unlock(ctx, user.ID, &admin); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if _, err := f.svc.VerifyPassword(ctx, f.tenantID, user.Email, "correct horse"); err != nil {
		t.Fatalf("login after admin unlock: %v", err)
	}
}

func TestVerifyPasswordSuspendedUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	user := f.register(t, "susp@example.com", "correct horse")
	user.Status = models.UserStatusSuspended
	if err := f.svc.users.Update(ctx, user); err != nil {
		t.Fatalf("suspend: %v", err)
	}

	if _, err := f.svc.VerifyPassword(ctx, f.tenantID, user.Email, "correct horse"); !dErrors.HasCode(err, dErrors.CodeForbidden) {
		t.Fatalf("expected forbidden for suspended user, got %v", err)
	}
}

func TestRoleForIsTenantScoped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	user := f.register(t, "role@example.com", "correct horse")
	role, err := f.svc.RoleFor(ctx, f.tenantID, user.ID)
	if err != nil {
		t.Fatalf("role for: %v", err)
	}
	if role != "developer" {
		t.Fatalf("expected developer, got %q", role)
	}

	other := id.NewTenantID()
	if _, err := f.svc.RoleFor(ctx, other, user.ID); !dErrors.HasCode(err, dErrors.CodeNotFound) {
		t.Fatalf("cross-tenant lookup must read as not_found, got %v", err)
	}
}

// enrollTOTP walks a user through setup and activation and returns the shared
// secret plus the backup codes handed out at activation.
func enrollTOTP(t *testing.T, f *fixture, userID id.UserID, at time.Time) (string, []string) {
	t.Helper()
	ctx := requestcontext.WithNow(context.Background(), at)

	setup, err := f.svc.SetupTOTP(ctx, userID)
	if err != nil {
		t.Fatalf("setup totp: %v", err)
	}
	code, err := totp.GenerateCode(setup.Secret, at)
	if err != nil {
		t.Fatalf("generate code: %v", err)
	}
	backups, err := f.svc.ActivateTOTP(ctx, userID, code)
	if err != nil {
		t.Fatalf("activate totp: %v", err)
	}
	return setup.Secret, backups
}

func TestTOTPEnrollmentAndVerify(t *testing.T) {
	f := newFixture(t)
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	user := f.register(t, "totp@example.com", "correct horse")
	secret, backups := enrollTOTP(t, f, user.ID, base)
	if len(backups) != 10 {
		t.Fatalf("expected 10 backup codes, got %d", len(backups))
	}

	active, err := f.svc.MFAActive(context.Background(), user.ID)
	if err != nil || !active {
		t.Fatalf("expected active mfa, got active=%v err=%v", active, err)
	}

	// A fresh code from a later window verifies.
	later := base.Add(5 * time.Minute)
	code, err := totp.GenerateCode(secret, later)
	if err != nil {
		t.Fatalf("generate code: %v", err)
	}
	ctx := requestcontext.WithNow(context.Background(), later)
	if err := f.svc.VerifyCode(ctx, user.ID, code); err != nil {
		t.Fatalf("verify code: %v", err)
	}
}

func TestTOTPReplayRejected(t *testing.T) {
	f := newFixture(t)
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	user := f.register(t, "replay@example.com", "correct horse")
	secret, _ := enrollTOTP(t, f, user.ID, base)

	at := base.Add(5 * time.Minute)
	code, err := totp.GenerateCode(secret, at)
	if err != nil {
		t.Fatalf("generate code: %v", err)
	}
	ctx := requestcontext.WithNow(context.Background(), at)
	if err := f.svc.VerifyCode(ctx, user.ID, code); err != nil {
		t.Fatalf("first use: %v", err)
	}
	err = f.svc.VerifyCode(ctx, user.ID, code)
	if !dErrors.HasCode(err, dErrors.CodeUnauthorized) {
		t.Fatalf("expected replay rejection, got %v", err)
	}
}

func TestBackupCodeSingleUse(t *testing.T) {
	f := newFixture(t)
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	user := f.register(t, "backup@example.com", "correct horse")
	secret, backups := enrollTOTP(t, f, user.ID, base)

	ctx := requestcontext.WithNow(context.Background(), base.Add(time.Hour))
	if err := f.svc.VerifyCode(ctx, user.ID, backups[0]); err != nil {
		t.Fatalf("backup code: %v", err)
	}
	err := f.svc.VerifyCode(ctx, user.ID, backups[0])
	if !dErrors.HasCode(err, dErrors.CodeUnauthorized) {
		t.Fatalf("expected consumed backup code to be rejected, got %v", err)
	}

	// A regular TOTP code still works after backup codes are spent.
	at := base.Add(2 * time.Hour)
	code, err := totp.GenerateCode(secret, at)
	if err != nil {
		t.Fatalf("generate code: %v", err)
	}
	if err := f.svc.VerifyCode(requestcontext.WithNow(context.Background(), at), user.ID, code); err != nil {
		t.Fatalf("totp after backup consumption: %v", err)
	}
}

func TestBackupCodeConcurrentUseHasOneWinner(t *testing.T) {
	f := newFixture(t)
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	user := f.register(t, "race@example.com", "correct horse")
	_, backups := enrollTOTP(t, f, user.ID, base)

	ctx := requestcontext.WithNow(context.Background(), base.Add(time.Hour))
	successes, errs := testutil.RunConcurrentCollect(8, func(int) error {
		return f.svc.VerifyCode(ctx, user.ID, backups[0])
	})
	if successes != 1 {
		t.Fatalf("expected exactly one presenter to spend the backup code, got %d", successes)
	}
	if len(errs) != 7 {
		t.Fatalf("expected 7 rejections, got %d", len(errs))
	}
	for _, err := range errs {
		if !dErrors.HasCode(err, dErrors.CodeUnauthorized) {
			t.Fatalf("expected losing presenters to be unauthorized, got %v", err)
		}
	}
}

func TestSetupTOTPRejectedWhenActive(t *testing.T) {
	f := newFixture(t)
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	user := f.register(t, "again@example.com", "correct horse")
	enrollTOTP(t, f, user.ID, base)

	_, err := f.svc.SetupTOTP(context.Background(), user.ID)
	if !dErrors.HasCode(err, dErrors.CodeConflict) {
		t.Fatalf("expected conflict re-enrolling active mfa, got %v", err)
	}
}
