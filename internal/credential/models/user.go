package models

import (
	"strings"
	"time"

	id "aegis/pkg/domain"
	dErrors "aegis/pkg/domain-errors"
)

type UserStatus string

const (
	UserStatusActive    UserStatus = "active"
	UserStatusLocked    UserStatus = "locked"
	UserStatusSuspended UserStatus = "suspended"
)

// User is a credentialed principal scoped to exactly one tenant.
// Email is unique per tenant, not globally. PasswordHash is empty for
// federated-only users provisioned through an identity provider.
type User struct {
	ID               id.UserID  `json:"id"`
	TenantID         id.TenantID `json:"tenant_id"`
	Email            string     `json:"email"`
	PasswordHash     string     `json:"-"`
	Role             string     `json:"role"`
	Status           UserStatus `json:"status"`
	FailedLoginCount int        `json:"-"`
	LockedUntil      *time.Time `json:"-"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// LockedAt reports whether the user is locked out as of now. A lock with
// an elapsed cool-down no longer counts even before the record is cleared.
func (u *User) LockedAt(now time.Time) bool {
	if u.Status != UserStatusLocked {
		return false
	}
	return u.LockedUntil == nil || now.Before(*u.LockedUntil)
}

func NewUser(tenantID id.TenantID, email, passwordHash, role string, now time.Time) (*User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, dErrors.New(dErrors.CodeValidation, "invalid email address")
	}
	if role == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "role is required")
	}
	return &User{
		ID:           id.NewUserID(),
		TenantID:     tenantID,
		Email:        email,
		PasswordHash: passwordHash,
		Role:         role,
		Status:       UserStatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

type MFAStatus string

const (
	MFAStatusPendingVerification MFAStatus = "pending_verification"
	MFAStatusActive              MFAStatus = "active"
)

// MFACredential holds a user's TOTP enrollment. SecretEncrypted is the
// AES-GCM ciphertext of the base32 seed; it is never stored in the clear.
type MFACredential struct {
	UserID          id.UserID
	TenantID        id.TenantID
	Status          MFAStatus
	SecretEncrypted []byte
	BackupCodeHashes []string
	EnrolledAt      time.Time
	ActivatedAt     *time.Time
}

func (c *MFACredential) Active() bool {
	return c != nil && c.Status == MFAStatusActive
}
