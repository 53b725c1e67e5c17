package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"aegis/internal/session/models"
	id "aegis/pkg/domain"
	"aegis/pkg/platform/sentinel"
)

const (
	sessionKeyPrefix         = "session:"
	sessionRevokedKeyPrefix  = "session:revoked:"
	userSessionsKeyPrefix    = "user_sessions:"
	refreshKeyPrefix         = "refresh:"
	refreshConsumedKeyPrefix = "refresh:consumed:"

	// retentionGrace keeps consumed and expired refresh records around so
	// a replayed token is still recognized as reuse rather than unknown.
	retentionGrace = 24 * time.Hour

	// maxSessionsPerUser caps how many sessions ListActiveByUser loads.
	maxSessionsPerUser = 100
)

type sessionJSON struct {
	ID                string `json:"id"`
	UserID            string `json:"user_id"`
	TenantID          string `json:"tenant_id"`
	AccessTokenHash   string `json:"access_token_hash"`
	RefreshTokenHash  string `json:"refresh_token_hash"`
	IssuedAt          int64  `json:"issued_at"`
	ExpiresAt         int64  `json:"expires_at"`
	RevokedAt         *int64 `json:"revoked_at,omitempty"`
	IP                string `json:"ip,omitempty"`
	UserAgent         string `json:"user_agent,omitempty"`
	DeviceDisplayName string `json:"device_display_name,omitempty"`
}

func sessionToJSON(s *models.Session) *sessionJSON {
	j := &sessionJSON{
		ID:                s.ID.String(),
		UserID:            s.UserID.String(),
		TenantID:          s.TenantID.String(),
		AccessTokenHash:   s.AccessTokenHash,
		RefreshTokenHash:  s.RefreshTokenHash,
		IssuedAt:          s.IssuedAt.UnixNano(),
		ExpiresAt:         s.ExpiresAt.UnixNano(),
		IP:                s.IP,
		UserAgent:         s.UserAgent,
		DeviceDisplayName: s.DeviceDisplayName,
	}
	if s.RevokedAt != nil {
		ts := s.RevokedAt.UnixNano()
		j.RevokedAt = &ts
	}
	return j
}

func sessionFromJSON(j *sessionJSON) (*models.Session, error) {
	sessionID, err := id.ParseSessionID(j.ID)
	if err != nil {
		return nil, fmt.Errorf("parse session id: %w", err)
	}
	userID, err := id.ParseUserID(j.UserID)
	if err != nil {
		return nil, fmt.Errorf("parse user id: %w", err)
	}
	tenantID, err := id.ParseTenantID(j.TenantID)
	if err != nil {
		return nil, fmt.Errorf("parse tenant id: %w", err)
	}

	s := &models.Session{
		ID:                sessionID,
		UserID:            userID,
		TenantID:          tenantID,
		AccessTokenHash:   j.AccessTokenHash,
		RefreshTokenHash:  j.RefreshTokenHash,
		IssuedAt:          time.Unix(0, j.IssuedAt),
		ExpiresAt:         time.Unix(0, j.ExpiresAt),
		IP:                j.IP,
		UserAgent:         j.UserAgent,
		DeviceDisplayName: j.DeviceDisplayName,
	}
	if j.RevokedAt != nil {
		t := time.Unix(0, *j.RevokedAt)
		s.RevokedAt = &t
	}
	return s, nil
}

type RedisSessionStore struct {
	client *redis.Client
}

func NewRedisSessionStore(client *redis.Client) *RedisSessionStore {
	return &RedisSessionStore{client: client}
}

func sessionKey(sessionID id.SessionID) string {
	return sessionKeyPrefix + sessionID.String()
}

func userSessionsKey(tenantID id.TenantID, userID id.UserID) string {
	return userSessionsKeyPrefix + tenantID.String() + ":" + userID.String()
}

func (s *RedisSessionStore) Create(ctx context.Context, session *models.Session) error {
	data, err := json.Marshal(sessionToJSON(session))
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	ttl := time.Until(session.ExpiresAt) + retentionGrace

	ok, err := s.client.SetNX(ctx, sessionKey(session.ID), data, ttl).Result()
	if err != nil {
		return fmt.Errorf("set session: %w", err)
	}
	if !ok {
		return sentinel.ErrConflict
	}

	indexKey := userSessionsKey(session.TenantID, session.UserID)
	pipe := s.client.Pipeline()
	pipe.SAdd(ctx, indexKey, session.ID.String())
	pipe.Expire(ctx, indexKey, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("index session: %w", err)
	}
	return nil
}

func (s *RedisSessionStore) FindByID(ctx context.Context, sessionID id.SessionID) (*models.Session, error) {
	data, err := s.client.Get(ctx, sessionKey(sessionID)).Bytes()
	if err == redis.Nil {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	var j sessionJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return sessionFromJSON(&j)
}

func (s *RedisSessionStore) Update(ctx context.Context, session *models.Session) error {
	data, err := json.Marshal(sessionToJSON(session))
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	ok, err := s.client.SetXX(ctx, sessionKey(session.ID), data, time.Until(session.ExpiresAt)+retentionGrace).Result()
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if !ok {
		return sentinel.ErrNotFound
	}
	return nil
}

// Revoke uses a one-shot marker key to decide which caller flipped the
// session, then rewrites the record. Concurrent revokers are idempotent.
func (s *RedisSessionStore) Revoke(ctx context.Context, sessionID id.SessionID, at time.Time) (bool, error) {
	session, err := s.FindByID(ctx, sessionID)
	if err != nil {
		return false, err
	}
	flipped, err := s.client.SetNX(ctx, sessionRevokedKeyPrefix+sessionID.String(), at.UnixNano(),
		time.Until(session.ExpiresAt)+retentionGrace).Result()
	if err != nil {
		return false, fmt.Errorf("mark session revoked: %w", err)
	}
	if !flipped {
		return false, nil
	}
	t := at
	session.RevokedAt = &t
	if err := s.Update(ctx, session); err != nil {
		return false, err
	}
	return true, nil
}

func (s *RedisSessionStore) ListActiveByUser(ctx context.Context, tenantID id.TenantID, userID id.UserID, now time.Time) ([]*models.Session, error) {
	ids, err := s.client.SMembers(ctx, userSessionsKey(tenantID, userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list user sessions: %w", err)
	}
	if len(ids) > maxSessionsPerUser {
		ids = ids[:maxSessionsPerUser]
	}

	var active []*models.Session
	for _, raw := range ids {
		sessionID, err := id.ParseSessionID(raw)
		if err != nil {
			continue
		}
		session, err := s.FindByID(ctx, sessionID)
		if err == sentinel.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		if session.ActiveAt(now) {
			active = append(active, session)
		}
	}
	return active, nil
}

type refreshJSON struct {
	TokenHash  string `json:"token_hash"`
	SessionID  string `json:"session_id"`
	UserID     string `json:"user_id"`
	TenantID   string `json:"tenant_id"`
	IssuedAt   int64  `json:"issued_at"`
	ExpiresAt  int64  `json:"expires_at"`
	ConsumedAt *int64 `json:"consumed_at,omitempty"`
}

type RedisRefreshTokenStore struct {
	client *redis.Client
}

func NewRedisRefreshTokenStore(client *redis.Client) *RedisRefreshTokenStore {
	return &RedisRefreshTokenStore{client: client}
}

func (s *RedisRefreshTokenStore) Create(ctx context.Context, record *models.RefreshTokenRecord) error {
	j := refreshJSON{
		TokenHash: record.TokenHash,
		SessionID: record.SessionID.String(),
		UserID:    record.UserID.String(),
		TenantID:  record.TenantID.String(),
		IssuedAt:  record.IssuedAt.UnixNano(),
		ExpiresAt: record.ExpiresAt.UnixNano(),
	}
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("marshal refresh record: %w", err)
	}
	ok, err := s.client.SetNX(ctx, refreshKeyPrefix+record.TokenHash, data,
		time.Until(record.ExpiresAt)+retentionGrace).Result()
	if err != nil {
		return fmt.Errorf("set refresh record: %w", err)
	}
	if !ok {
		return sentinel.ErrConflict
	}
	return nil
}

// ConsumeByHash linearizes rotation on a SETNX consumed marker: exactly one
// caller wins it, all later presenters of the same hash see ErrAlreadyUsed.
func (s *RedisRefreshTokenStore) ConsumeByHash(ctx context.Context, tokenHash string, now time.Time) (*models.RefreshTokenRecord, error) {
	data, err := s.client.Get(ctx, refreshKeyPrefix+tokenHash).Bytes()
	if err == redis.Nil {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get refresh record: %w", err)
	}
	var j refreshJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("unmarshal refresh record: %w", err)
	}
	record, err := refreshFromJSON(&j)
	if err != nil {
		return nil, err
	}

	if now.After(record.ExpiresAt) {
		return record, sentinel.ErrExpired
	}

	markerTTL := record.ExpiresAt.Sub(now) + retentionGrace
	fresh, err := s.client.SetNX(ctx, refreshConsumedKeyPrefix+tokenHash, now.UnixNano(), markerTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("mark refresh consumed: %w", err)
	}
	if !fresh {
		return record, sentinel.ErrAlreadyUsed
	}
	t := now
	record.ConsumedAt = &t
	return record, nil
}

func refreshFromJSON(j *refreshJSON) (*models.RefreshTokenRecord, error) {
	sessionID, err := id.ParseSessionID(j.SessionID)
	if err != nil {
		return nil, fmt.Errorf("parse session id: %w", err)
	}
	userID, err := id.ParseUserID(j.UserID)
	if err != nil {
		return nil, fmt.Errorf("parse user id: %w", err)
	}
	tenantID, err := id.ParseTenantID(j.TenantID)
	if err != nil {
		return nil, fmt.Errorf("parse tenant id: %w", err)
	}
	record := &models.RefreshTokenRecord{
		TokenHash: j.TokenHash,
		SessionID: sessionID,
		UserID:    userID,
		TenantID:  tenantID,
		IssuedAt:  time.Unix(0, j.IssuedAt),
		ExpiresAt: time.Unix(0, j.ExpiresAt),
	}
	if j.ConsumedAt != nil {
		t := time.Unix(0, *j.ConsumedAt)
		record.ConsumedAt = &t
	}
	return record, nil
}
