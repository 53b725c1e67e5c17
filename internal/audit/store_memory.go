package audit

import (
	"context"
	"sync"

	id "aegis/pkg/domain"
)

// InMemoryStore keeps events per tenant. It intentionally favors clarity over
// performance and is the test and single-node implementation.
type InMemoryStore struct {
	mu     sync.RWMutex
	events map[id.TenantID][]Event
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{events: make(map[id.TenantID][]Event)}
}

func (s *InMemoryStore) Append(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[event.TenantID] = append(s.events[event.TenantID], event)
	return nil
}

func (s *InMemoryStore) Search(_ context.Context, q Query) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Event
	for _, e := range s.events[q.TenantID] {
		if q.Matches(e) {
			out = append(out, e)
		}
	}
	return out, nil
}
