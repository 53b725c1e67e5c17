package store

import (
	"context"
	"sync"
	"time"

	"aegis/internal/session/models"
	id "aegis/pkg/domain"
	"aegis/pkg/platform/sentinel"
)

type InMemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[id.SessionID]*models.Session
}

func NewInMemorySessionStore() *InMemorySessionStore {
	return &InMemorySessionStore{sessions: make(map[id.SessionID]*models.Session)}
}

func (s *InMemorySessionStore) Create(_ context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[session.ID]; exists {
		return sentinel.ErrConflict
	}
	c := *session
	s.sessions[session.ID] = &c
	return nil
}

func (s *InMemorySessionStore) FindByID(_ context.Context, sessionID id.SessionID) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	c := *session
	return &c, nil
}

func (s *InMemorySessionStore) Update(_ context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[session.ID]; !ok {
		return sentinel.ErrNotFound
	}
	c := *session
	s.sessions[session.ID] = &c
	return nil
}

func (s *InMemorySessionStore) Revoke(_ context.Context, sessionID id.SessionID, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return false, sentinel.ErrNotFound
	}
	if session.RevokedAt != nil {
		return false, nil
	}
	t := at
	session.RevokedAt = &t
	return true, nil
}

func (s *InMemorySessionStore) ListActiveByUser(_ context.Context, tenantID id.TenantID, userID id.UserID, now time.Time) ([]*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var active []*models.Session
	for _, session := range s.sessions {
		if session.TenantID == tenantID && session.UserID == userID && session.ActiveAt(now) {
			c := *session
			active = append(active, &c)
		}
	}
	return active, nil
}

type InMemoryRefreshTokenStore struct {
	mu      sync.Mutex
	records map[string]*models.RefreshTokenRecord
}

func NewInMemoryRefreshTokenStore() *InMemoryRefreshTokenStore {
	return &InMemoryRefreshTokenStore{records: make(map[string]*models.RefreshTokenRecord)}
}

func (s *InMemoryRefreshTokenStore) Create(_ context.Context, record *models.RefreshTokenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[record.TokenHash]; exists {
		return sentinel.ErrConflict
	}
	c := *record
	s.records[record.TokenHash] = &c
	return nil
}

func (s *InMemoryRefreshTokenStore) ConsumeByHash(_ context.Context, tokenHash string, now time.Time) (*models.RefreshTokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[tokenHash]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	c := *record
	if record.ConsumedAt != nil {
		return &c, sentinel.ErrAlreadyUsed
	}
	if now.After(record.ExpiresAt) {
		return &c, sentinel.ErrExpired
	}
	t := now
	record.ConsumedAt = &t
	c.ConsumedAt = &t
	return &c, nil
}
