package store

import (
	"context"
	"strings"
	"sync"

	"aegis/internal/credential/models"
	id "aegis/pkg/domain"
	"aegis/pkg/platform/sentinel"
)

type emailKey struct {
	tenantID id.TenantID
	email    string
}

type InMemoryUserStore struct {
	mu      sync.RWMutex
	byID    map[id.UserID]*models.User
	byEmail map[emailKey]id.UserID
}

func NewInMemoryUserStore() *InMemoryUserStore {
	return &InMemoryUserStore{
		byID:    make(map[id.UserID]*models.User),
		byEmail: make(map[emailKey]id.UserID),
	}
}

func (s *InMemoryUserStore) Create(_ context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := emailKey{tenantID: user.TenantID, email: strings.ToLower(user.Email)}
	if _, exists := s.byEmail[key]; exists {
		return sentinel.ErrConflict
	}
	if _, exists := s.byID[user.ID]; exists {
		return sentinel.ErrConflict
	}
	u := *user
	s.byID[user.ID] = &u
	s.byEmail[key] = user.ID
	return nil
}

func (s *InMemoryUserStore) FindByID(_ context.Context, userID id.UserID) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.byID[userID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	u := *user
	return &u, nil
}

func (s *InMemoryUserStore) FindByEmail(_ context.Context, tenantID id.TenantID, email string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	userID, ok := s.byEmail[emailKey{tenantID: tenantID, email: strings.ToLower(email)}]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	u := *s.byID[userID]
	return &u, nil
}

func (s *InMemoryUserStore) Update(_ context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.byID[user.ID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if existing.Email != user.Email {
		oldKey := emailKey{tenantID: existing.TenantID, email: strings.ToLower(existing.Email)}
		newKey := emailKey{tenantID: user.TenantID, email: strings.ToLower(user.Email)}
		if owner, taken := s.byEmail[newKey]; taken && owner != user.ID {
			return sentinel.ErrConflict
		}
		delete(s.byEmail, oldKey)
		s.byEmail[newKey] = user.ID
	}
	u := *user
	s.byID[user.ID] = &u
	return nil
}

func (s *InMemoryUserStore) CountByTenant(_ context.Context, tenantID id.TenantID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, user := range s.byID {
		if user.TenantID == tenantID {
			count++
		}
	}
	return count, nil
}

type InMemoryMFAStore struct {
	mu    sync.RWMutex
	creds map[id.UserID]*models.MFACredential
}

func NewInMemoryMFAStore() *InMemoryMFAStore {
	return &InMemoryMFAStore{creds: make(map[id.UserID]*models.MFACredential)}
}

func (s *InMemoryMFAStore) Upsert(_ context.Context, cred *models.MFACredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *cred
	c.BackupCodeHashes = append([]string(nil), cred.BackupCodeHashes...)
	s.creds[cred.UserID] = &c
	return nil
}

func (s *InMemoryMFAStore) Find(_ context.Context, userID id.UserID) (*models.MFACredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cred, ok := s.creds[userID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	c := *cred
	c.BackupCodeHashes = append([]string(nil), cred.BackupCodeHashes...)
	return &c, nil
}

func (s *InMemoryMFAStore) ConsumeBackupCode(_ context.Context, userID id.UserID, hash string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := s.creds[userID]
	if !ok {
		return 0, sentinel.ErrNotFound
	}
	for i, h := range cred.BackupCodeHashes {
		if h == hash {
			cred.BackupCodeHashes = append(cred.BackupCodeHashes[:i], cred.BackupCodeHashes[i+1:]...)
			return len(cred.BackupCodeHashes), nil
		}
	}
	return 0, sentinel.ErrNotFound
}

func (s *InMemoryMFAStore) Delete(_ context.Context, userID id.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.creds, userID)
	return nil
}
