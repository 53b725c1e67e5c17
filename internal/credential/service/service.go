package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"aegis/internal/audit"
	"aegis/internal/credential/metrics"
	"aegis/internal/credential/models"
	"aegis/internal/credential/store"
	"aegis/internal/platform/replay"
	quotamodels "aegis/internal/quota/models"
	id "aegis/pkg/domain"
	dErrors "aegis/pkg/domain-errors"
	"aegis/pkg/platform/sentinel"
	"aegis/pkg/requestcontext"
	"aegis/pkg/secrets"
)

const (
	defaultLockoutThreshold = 5
	defaultLockoutCooldown  = 15 * time.Minute
	defaultBackupCodeCount  = 10

	totpPeriod = 30 * time.Second
	// totpReplayTTL covers the step that produced the code plus one step
	// of skew on either side.
	totpReplayTTL = 3 * totpPeriod
)

type Recorder interface {
	Record(ctx context.Context, event audit.Event) error
}

// QuotaReserver admits user creation against the tenant's user ceiling.
type QuotaReserver interface {
	CheckAndReserve(ctx context.Context, tenantID id.TenantID, metric quotamodels.Metric, amount int64) (int64, error)
	Release(ctx context.Context, tenantID id.TenantID, metric quotamodels.Metric, amount int64) error
}

// TOTPSetup is returned from SetupTOTP. The provisioning URI embeds the
// plaintext seed and must only travel to the enrolling user.
type TOTPSetup struct {
	ProvisioningURI string
	Secret          string
}

type CredentialService struct {
	users   store.UserStore
	mfa     store.MFAStore
	quotas  QuotaReserver
	audit   Recorder
	replays replay.Cache
	cipher  *secrets.Cipher
	issuer  string
	logger  *slog.Logger
	metrics *metrics.CredentialMetrics

	lockoutThreshold int
	lockoutCooldown  time.Duration
	backupCodeCount  int
}

type Option func(*CredentialService)

func WithLogger(logger *slog.Logger) Option {
	return func(s *CredentialService) { s.logger = logger }
}

func WithMetrics(m *metrics.CredentialMetrics) Option {
	return func(s *CredentialService) { s.metrics = m }
}

func WithLockoutPolicy(threshold int, cooldown time.Duration) Option {
	return func(s *CredentialService) {
		s.lockoutThreshold = threshold
		s.lockoutCooldown = cooldown
	}
}

func WithBackupCodeCount(n int) Option {
	return func(s *CredentialService) { s.backupCodeCount = n }
}

func NewCredentialService(
	users store.UserStore,
	mfa store.MFAStore,
	quotas QuotaReserver,
	recorder Recorder,
	replays replay.Cache,
	cipher *secrets.Cipher,
	issuer string,
	opts ...Option,
) *CredentialService {
	s := &CredentialService{
		users:            users,
		mfa:              mfa,
		quotas:           quotas,
		audit:            recorder,
		replays:          replays,
		cipher:           cipher,
		issuer:           issuer,
		logger:           slog.Default(),
		lockoutThreshold: defaultLockoutThreshold,
		lockoutCooldown:  defaultLockoutCooldown,
		backupCodeCount:  defaultBackupCodeCount,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterUser creates a password-bearing user. The reservation against the
// tenant's user quota happens first; a storage failure releases it again.
func (s *CredentialService) RegisterUser(ctx context.Context, tenantID id.TenantID, email, password, role string) (*models.User, error) {
	if len(password) < 8 {
		return nil, dErrors.New(dErrors.CodeValidation, "password must be at least 8 characters")
	}
	hash, err := secrets.Hash(password)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "hash password")
	}
	return s.createUser(ctx, tenantID, email, hash, role, audit.EventUserCreated)
}

// ProvisionUser creates a federated user with no password. Used by the JIT
// provisioning path after a successful identity-provider callback.
func (s *CredentialService) ProvisionUser(ctx context.Context, tenantID id.TenantID, email, role string) (*models.User, error) {
	return s.createUser(ctx, tenantID, email, "", role, audit.EventUserProvisioned)
}

func (s *CredentialService) createUser(ctx context.Context, tenantID id.TenantID, email, passwordHash, role string, event audit.EventType) (*models.User, error) {
	user, err := models.NewUser(tenantID, email, passwordHash, role, requestcontext.Now(ctx))
	if err != nil {
		return nil, err
	}

	if _, err := s.quotas.CheckAndReserve(ctx, tenantID, quotamodels.MetricUsers, 1); err != nil {
		return nil, err
	}
	if err := s.users.Create(ctx, user); err != nil {
		if relErr := s.quotas.Release(ctx, tenantID, quotamodels.MetricUsers, 1); relErr != nil {
			s.logger.ErrorContext(ctx, "release user quota failed", "error", relErr, "tenant_id", tenantID.String())
		}
		if errors.Is(err, sentinel.ErrConflict) {
			return nil, dErrors.New(dErrors.CodeConflict, "email already registered for tenant")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "create user")
	}

	if err := s.audit.Record(ctx, audit.Event{
		TenantID:    tenantID,
		ActorUserID: &user.ID,
		Type:        event,
		Payload:     map[string]any{"email": user.Email, "role": user.Role},
	}); err != nil {
		return nil, err
	}
	return user, nil
}

func (s *CredentialService) GetUser(ctx context.Context, userID id.UserID) (*models.User, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, s.wrapUserErr(err)
	}
	return user, nil
}

// RoleFor resolves the user's current role within a tenant. A user looked
// up through the wrong tenant is treated as absent.
func (s *CredentialService) RoleFor(ctx context.Context, tenantID id.TenantID, userID id.UserID) (string, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return "", s.wrapUserErr(err)
	}
	if user.TenantID != tenantID {
		return "", dErrors.New(dErrors.CodeNotFound, "user not found")
	}
	return user.Role, nil
}

func (s *CredentialService) GetUserByEmail(ctx context.Context, tenantID id.TenantID, email string) (*models.User, error) {
	user, err := s.users.FindByEmail(ctx, tenantID, email)
	if err != nil {
		return nil, s.wrapUserErr(err)
	}
	return user, nil
}

// VerifyPassword authenticates the (tenant, email, password) triple.
// Attempts against a locked account short-circuit before any bcrypt work.
// A lock whose cool-down has elapsed is cleared on the next attempt.
func (s *CredentialService) VerifyPassword(ctx context.Context, tenantID id.TenantID, email, password string) (*models.User, error) {
	now := requestcontext.Now(ctx)

	user, err := s.users.FindByEmail(ctx, tenantID, email)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			// Same error as a wrong password so probes cannot tell
			// registered emails apart.
			return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid credentials")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "find user")
	}

	if user.Status == models.UserStatusSuspended {
		return nil, dErrors.New(dErrors.CodeForbidden, "account suspended")
	}
	if user.LockedAt(now) {
		return nil, dErrors.New(dErrors.CodeAccountLocked, "account locked")
	}
	if user.Status == models.UserStatusLocked {
		// Cool-down elapsed: clear the lock before evaluating credentials.
		if err := s.unlock(ctx, user, nil, "cooldown_elapsed"); err != nil {
			return nil, err
		}
	}

	if user.PasswordHash == "" {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid credentials")
	}
	if err := secrets.Verify(password, user.PasswordHash); err != nil {
		return nil, s.recordFailedAttempt(ctx, user, now)
	}

	if user.FailedLoginCount != 0 {
		user.FailedLoginCount = 0
		user.UpdatedAt = now
		if err := s.users.Update(ctx, user); err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "reset failure count")
		}
	}
	return user, nil
}

func (s *CredentialService) recordFailedAttempt(ctx context.Context, user *models.User, now time.Time) error {
	if s.metrics != nil {
		s.metrics.LoginFailures.Inc()
	}
	user.FailedLoginCount++
	user.UpdatedAt = now

	locked := user.FailedLoginCount >= s.lockoutThreshold
	if locked {
		until := now.Add(s.lockoutCooldown)
		user.Status = models.UserStatusLocked
		user.LockedUntil = &until
	}
	if err := s.users.Update(ctx, user); err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "record failed attempt")
	}

	if err := s.audit.Record(ctx, audit.Event{
		TenantID:    user.TenantID,
		ActorUserID: &user.ID,
		Type:        audit.EventLoginFailed,
		Payload:     map[string]any{"failed_count": user.FailedLoginCount},
	}); err != nil {
		return err
	}

	if locked {
		if s.metrics != nil {
			s.metrics.Lockouts.Inc()
		}
		if err := s.audit.Record(ctx, audit.Event{
			TenantID:    user.TenantID,
			ActorUserID: &user.ID,
			Type:        audit.EventUserLocked,
			Payload:     map[string]any{"locked_until": user.LockedUntil},
		}); err != nil {
			return err
		}
		return dErrors.New(dErrors.CodeAccountLocked, "account locked")
	}
	return dErrors.New(dErrors.CodeUnauthorized, "invalid credentials")
}

// Unlock clears a lockout ahead of the cool-down. Admin action, audited.
func (s *CredentialService) Unlock(ctx context.Context, userID id.UserID, actor *id.UserID) error {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return s.wrapUserErr(err)
	}
	if user.Status != models.UserStatusLocked {
		return nil
	}
	return s.unlock(ctx, user, actor, "admin")
}

func (s *CredentialService) unlock(ctx context.Context, user *models.User, actor *id.UserID, reason string) error {
	user.Status = models.UserStatusActive
	user.FailedLoginCount = 0
	user.LockedUntil = nil
	user.UpdatedAt = requestcontext.Now(ctx)
	if err := s.users.Update(ctx, user); err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "unlock user")
	}
	return s.audit.Record(ctx, audit.Event{
		TenantID:    user.TenantID,
		ActorUserID: actor,
		Type:        audit.EventUserUnlocked,
		Payload:     map[string]any{"user_id": user.ID.String(), "reason": reason},
	})
}

// MFAActive reports whether the user has an activated TOTP enrollment.
func (s *CredentialService) MFAActive(ctx context.Context, userID id.UserID) (bool, error) {
	cred, err := s.mfa.Find(ctx, userID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, dErrors.Wrap(err, dErrors.CodeUnavailable, "find mfa credential")
	}
	return cred.Active(), nil
}

// SetupTOTP starts (or restarts) TOTP enrollment. The returned provisioning
// URI is shown once; the stored seed is encrypted. An already-active
// enrollment cannot be restarted this way.
func (s *CredentialService) SetupTOTP(ctx context.Context, userID id.UserID) (*TOTPSetup, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, s.wrapUserErr(err)
	}

	existing, err := s.mfa.Find(ctx, userID)
	if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "find mfa credential")
	}
	if existing.Active() {
		return nil, dErrors.New(dErrors.CodeConflict, "mfa already active")
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.issuer,
		AccountName: user.Email,
	})
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "generate totp secret")
	}
	encrypted, err := s.cipher.Encrypt(key.Secret())
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "encrypt totp secret")
	}

	if err := s.mfa.Upsert(ctx, &models.MFACredential{
		UserID:          userID,
		TenantID:        user.TenantID,
		Status:          models.MFAStatusPendingVerification,
		SecretEncrypted: []byte(encrypted),
		EnrolledAt:      requestcontext.Now(ctx),
	}); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "store mfa credential")
	}

	if err := s.audit.Record(ctx, audit.Event{
		TenantID:    user.TenantID,
		ActorUserID: &userID,
		Type:        audit.EventMFAEnrollmentStarted,
	}); err != nil {
		return nil, err
	}
	return &TOTPSetup{ProvisioningURI: key.URL(), Secret: key.Secret()}, nil
}

// ActivateTOTP confirms a pending enrollment with a first valid code and
// returns the plaintext backup codes exactly once.
func (s *CredentialService) ActivateTOTP(ctx context.Context, userID id.UserID, code string) ([]string, error) {
	cred, err := s.mfa.Find(ctx, userID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.New(dErrors.CodeNotFound, "no mfa enrollment in progress")
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "find mfa credential")
	}
	if cred.Status != models.MFAStatusPendingVerification {
		return nil, dErrors.New(dErrors.CodeInvalidTransition, "mfa enrollment is not pending")
	}

	ok, err := s.validateTOTP(ctx, cred, code)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, s.recordMFAFailure(ctx, cred, "activation_code_rejected")
	}

	codes, hashes, err := s.generateBackupCodes()
	if err != nil {
		return nil, err
	}
	now := requestcontext.Now(ctx)
	cred.Status = models.MFAStatusActive
	cred.ActivatedAt = &now
	cred.BackupCodeHashes = hashes
	if err := s.mfa.Upsert(ctx, cred); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "activate mfa credential")
	}

	if s.metrics != nil {
		s.metrics.MFAActivations.Inc()
	}
	if err := s.audit.Record(ctx, audit.Event{
		TenantID:    cred.TenantID,
		ActorUserID: &userID,
		Type:        audit.EventMFAActivated,
	}); err != nil {
		return nil, err
	}
	return codes, nil
}

// VerifyCode checks a login-time second factor: a current TOTP code or an
// unused backup code. Repeating a TOTP code inside its validity window is
// rejected even though the code itself would still verify. A backup code is
// spent atomically at the store, so concurrent presenters of the same code
// get exactly one success.
func (s *CredentialService) VerifyCode(ctx context.Context, userID id.UserID, code string) error {
	cred, err := s.mfa.Find(ctx, userID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.New(dErrors.CodeUnauthorized, "mfa not configured")
	}
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "find mfa credential")
	}
	if !cred.Active() {
		return dErrors.New(dErrors.CodeUnauthorized, "mfa not active")
	}

	ok, err := s.validateTOTP(ctx, cred, code)
	if err != nil {
		return err
	}
	if ok {
		fresh, err := s.replays.MarkIfNew(ctx, totpReplayKey(userID, code), totpReplayTTL)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeUnavailable, "replay cache")
		}
		if !fresh {
			return s.recordMFAFailure(ctx, cred, "totp_replayed")
		}
		return nil
	}

	if hash := matchBackupCode(cred, code); hash != "" {
		remaining, err := s.mfa.ConsumeBackupCode(ctx, userID, hash)
		if errors.Is(err, sentinel.ErrNotFound) {
			// Another presenter spent this code between our read and the
			// consume. The store decides the winner.
			return s.recordMFAFailure(ctx, cred, "backup_code_already_used")
		}
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeUnavailable, "consume backup code")
		}
		return s.audit.Record(ctx, audit.Event{
			TenantID:    cred.TenantID,
			ActorUserID: &userID,
			Type:        audit.EventBackupCodeConsumed,
			Payload:     map[string]any{"remaining": remaining},
		})
	}
	return s.recordMFAFailure(ctx, cred, "code_rejected")
}

func (s *CredentialService) validateTOTP(ctx context.Context, cred *models.MFACredential, code string) (bool, error) {
	secret, err := s.cipher.Decrypt(string(cred.SecretEncrypted))
	if err != nil {
		return false, dErrors.Wrap(err, dErrors.CodeInternal, "decrypt totp secret")
	}
	ok, err := totp.ValidateCustom(code, secret, requestcontext.Now(ctx), totp.ValidateOpts{
		Period:    uint(totpPeriod.Seconds()),
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		return false, nil
	}
	return ok, nil
}

// matchBackupCode returns the stored hash the presented code verifies
// against, or "" when none matches. Spending the hash is the store's job.
func matchBackupCode(cred *models.MFACredential, code string) string {
	for _, hash := range cred.BackupCodeHashes {
		if secrets.Verify(code, hash) == nil {
			return hash
		}
	}
	return ""
}

func (s *CredentialService) generateBackupCodes() ([]string, []string, error) {
	codes := make([]string, 0, s.backupCodeCount)
	hashes := make([]string, 0, s.backupCodeCount)
	for i := 0; i < s.backupCodeCount; i++ {
		code, err := secrets.Generate()
		if err != nil {
			return nil, nil, dErrors.Wrap(err, dErrors.CodeInternal, "generate backup code")
		}
		// Backup codes are typed by hand; keep them short.
		code = code[:12]
		hash, err := secrets.Hash(code)
		if err != nil {
			return nil, nil, dErrors.Wrap(err, dErrors.CodeInternal, "hash backup code")
		}
		codes = append(codes, code)
		hashes = append(hashes, hash)
	}
	return codes, hashes, nil
}

func (s *CredentialService) recordMFAFailure(ctx context.Context, cred *models.MFACredential, reason string) error {
	if s.metrics != nil {
		s.metrics.MFAFailures.Inc()
	}
	userID := cred.UserID
	if err := s.audit.Record(ctx, audit.Event{
		TenantID:    cred.TenantID,
		ActorUserID: &userID,
		Type:        audit.EventMFAVerifyFailed,
		Payload:     map[string]any{"reason": reason},
	}); err != nil {
		return err
	}
	return dErrors.New(dErrors.CodeUnauthorized, "invalid mfa code")
}

func totpReplayKey(userID id.UserID, code string) string {
	return fmt.Sprintf("totp:%s:%s", userID.String(), code)
}

func (s *CredentialService) wrapUserErr(err error) error {
	if errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.New(dErrors.CodeNotFound, "user not found")
	}
	return dErrors.Wrap(err, dErrors.CodeUnavailable, "user store unavailable")
}
