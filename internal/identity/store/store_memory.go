package store

import (
	"context"
	"sort"
	"sync"

	"aegis/internal/identity/models"
	id "aegis/pkg/domain"
	"aegis/pkg/platform/sentinel"
)

type nameKey struct {
	tenantID id.TenantID
	name     string
}

type InMemoryProviderStore struct {
	mu     sync.RWMutex
	byID   map[id.ProviderID]*models.ProviderConfig
	byName map[nameKey]id.ProviderID
}

func NewInMemoryProviderStore() *InMemoryProviderStore {
	return &InMemoryProviderStore{
		byID:   make(map[id.ProviderID]*models.ProviderConfig),
		byName: make(map[nameKey]id.ProviderID),
	}
}

func (s *InMemoryProviderStore) Create(_ context.Context, cfg *models.ProviderConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := nameKey{tenantID: cfg.TenantID, name: cfg.Name}
	if _, exists := s.byName[key]; exists {
		return sentinel.ErrConflict
	}
	c := copyConfig(cfg)
	s.byID[cfg.ID] = c
	s.byName[key] = cfg.ID
	return nil
}

func (s *InMemoryProviderStore) FindByID(_ context.Context, providerID id.ProviderID) (*models.ProviderConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.byID[providerID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return copyConfig(cfg), nil
}

func (s *InMemoryProviderStore) FindByName(_ context.Context, tenantID id.TenantID, name string) (*models.ProviderConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	providerID, ok := s.byName[nameKey{tenantID: tenantID, name: name}]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return copyConfig(s.byID[providerID]), nil
}

func (s *InMemoryProviderStore) ListByTenant(_ context.Context, tenantID id.TenantID) ([]*models.ProviderConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var configs []*models.ProviderConfig
	for _, cfg := range s.byID {
		if cfg.TenantID == tenantID {
			configs = append(configs, copyConfig(cfg))
		}
	}
	sort.Slice(configs, func(i, j int) bool { return configs[i].Name < configs[j].Name })
	return configs, nil
}

func (s *InMemoryProviderStore) Delete(_ context.Context, providerID id.ProviderID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.byID[providerID]
	if !ok {
		return sentinel.ErrNotFound
	}
	delete(s.byName, nameKey{tenantID: cfg.TenantID, name: cfg.Name})
	delete(s.byID, providerID)
	return nil
}

func (s *InMemoryProviderStore) DeleteByTenant(_ context.Context, tenantID id.TenantID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for providerID, cfg := range s.byID {
		if cfg.TenantID == tenantID {
			delete(s.byName, nameKey{tenantID: tenantID, name: cfg.Name})
			delete(s.byID, providerID)
		}
	}
	return nil
}

func copyConfig(cfg *models.ProviderConfig) *models.ProviderConfig {
	c := *cfg
	c.Scopes = append([]string(nil), cfg.Scopes...)
	c.AllowedDomains = append([]string(nil), cfg.AllowedDomains...)
	c.GroupMappings = append([]models.GroupMapping(nil), cfg.GroupMappings...)
	return &c
}
