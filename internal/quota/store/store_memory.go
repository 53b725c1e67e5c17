package store

import (
	"context"
	"sync"
	"time"

	"aegis/internal/quota/models"
	id "aegis/pkg/domain"
	"aegis/pkg/platform/sentinel"
)

type counterKey struct {
	tenantID id.TenantID
	metric   models.Metric
	window   time.Time
}

type InMemoryQuotaStore struct {
	mu       sync.Mutex
	limits   map[id.TenantID]models.Limits
	counters map[counterKey]int64
}

func NewInMemoryQuotaStore() *InMemoryQuotaStore {
	return &InMemoryQuotaStore{
		limits:   make(map[id.TenantID]models.Limits),
		counters: make(map[counterKey]int64),
	}
}

func (s *InMemoryQuotaStore) ApplyLimits(_ context.Context, tenantID id.TenantID, limits models.Limits) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limits[tenantID] = limits
	return nil
}

func (s *InMemoryQuotaStore) GetLimits(_ context.Context, tenantID id.TenantID) (models.Limits, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	limits, ok := s.limits[tenantID]
	if !ok {
		return models.Limits{}, sentinel.ErrNotFound
	}
	return limits, nil
}

func (s *InMemoryQuotaStore) CheckAndReserve(_ context.Context, tenantID id.TenantID, metric models.Metric, amount, limit int64, window time.Time) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.limits[tenantID]; !ok {
		return 0, false, sentinel.ErrNotFound
	}

	key := counterKey{tenantID: tenantID, metric: metric, window: window.UTC()}
	used := s.counters[key]
	if used+amount > limit {
		return used, false, nil
	}
	used += amount
	s.counters[key] = used
	return used, true, nil
}

func (s *InMemoryQuotaStore) Release(_ context.Context, tenantID id.TenantID, metric models.Metric, amount int64, window time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := counterKey{tenantID: tenantID, metric: metric, window: window.UTC()}
	used := s.counters[key] - amount
	if used < 0 {
		used = 0
	}
	s.counters[key] = used
	return nil
}

func (s *InMemoryQuotaStore) Used(_ context.Context, tenantID id.TenantID, metric models.Metric, window time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[counterKey{tenantID: tenantID, metric: metric, window: window.UTC()}], nil
}
