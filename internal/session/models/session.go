package models

import (
	"time"

	"github.com/mssola/useragent"

	id "aegis/pkg/domain"
)

// Session is one authenticated device lineage. Raw tokens never persist;
// only SHA-256 hashes of the currently valid pair are stored.
type Session struct {
	ID                id.SessionID `json:"id"`
	UserID            id.UserID    `json:"user_id"`
	TenantID          id.TenantID  `json:"tenant_id"`
	AccessTokenHash   string       `json:"-"`
	RefreshTokenHash  string       `json:"-"`
	IssuedAt          time.Time    `json:"issued_at"`
	ExpiresAt         time.Time    `json:"expires_at"`
	RevokedAt         *time.Time   `json:"revoked_at,omitempty"`
	IP                string       `json:"ip,omitempty"`
	UserAgent         string       `json:"user_agent,omitempty"`
	DeviceDisplayName string       `json:"device_display_name,omitempty"`
}

func (s *Session) Revoked() bool {
	return s.RevokedAt != nil
}

func (s *Session) ActiveAt(now time.Time) bool {
	return !s.Revoked() && now.Before(s.ExpiresAt)
}

// RefreshTokenRecord tracks one issued refresh token within a session
// lineage. Rotation consumes the old record and inserts a new one bound to
// the same SessionID, so a replayed token can always be traced back to its
// lineage.
type RefreshTokenRecord struct {
	TokenHash  string
	SessionID  id.SessionID
	UserID     id.UserID
	TenantID   id.TenantID
	IssuedAt   time.Time
	ExpiresAt  time.Time
	ConsumedAt *time.Time
}

// DeviceDisplayName renders a human-readable label from a User-Agent
// header, e.g. "Chrome on Linux".
func DeviceDisplayName(rawUserAgent string) string {
	if rawUserAgent == "" {
		return ""
	}
	ua := useragent.New(rawUserAgent)
	browser, _ := ua.Browser()
	os := ua.OSInfo().Name
	switch {
	case browser != "" && os != "":
		return browser + " on " + os
	case browser != "":
		return browser
	case os != "":
		return os
	}
	return ""
}
