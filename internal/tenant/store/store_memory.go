package store

import (
	"context"
	"sync"

	"aegis/internal/tenant/models"
	id "aegis/pkg/domain"
	"aegis/pkg/platform/sentinel"
)

// InMemoryTenantStore keeps tenants in process memory. It intentionally
// favors clarity over performance and is the test and single-node
// implementation.
type InMemoryTenantStore struct {
	mu      sync.RWMutex
	byID    map[id.TenantID]*models.Tenant
	bySlug  map[string]id.TenantID
}

func NewInMemoryTenantStore() *InMemoryTenantStore {
	return &InMemoryTenantStore{
		byID:   make(map[id.TenantID]*models.Tenant),
		bySlug: make(map[string]id.TenantID),
	}
}

func (s *InMemoryTenantStore) CreateIfSlugAvailable(_ context.Context, t *models.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.bySlug[t.Slug]; taken {
		return sentinel.ErrConflict
	}
	cp := *t
	s.byID[t.ID] = &cp
	s.bySlug[t.Slug] = t.ID
	return nil
}

func (s *InMemoryTenantStore) FindByID(_ context.Context, tenantID id.TenantID) (*models.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.byID[tenantID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *InMemoryTenantStore) FindBySlug(_ context.Context, slug string) (*models.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tenantID, ok := s.bySlug[slug]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *s.byID[tenantID]
	return &cp, nil
}

func (s *InMemoryTenantStore) Update(_ context.Context, t *models.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[t.ID]; !ok {
		return sentinel.ErrNotFound
	}
	cp := *t
	s.byID[t.ID] = &cp
	return nil
}

func (s *InMemoryTenantStore) List(_ context.Context) ([]*models.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Tenant, 0, len(s.byID))
	for _, t := range s.byID {
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}
