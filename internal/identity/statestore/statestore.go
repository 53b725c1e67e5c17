package statestore

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	id "aegis/pkg/domain"
	"aegis/pkg/platform/sentinel"
	"aegis/pkg/requestcontext"
)

// StateStore holds outstanding SSO state nonces. Each nonce maps back to
// the provider that issued it and is consumed exactly once: a second
// Consume, or one after the TTL, returns sentinel.ErrNotFound.
type StateStore interface {
	Issue(ctx context.Context, state string, providerID id.ProviderID, ttl time.Duration) error
	Consume(ctx context.Context, state string) (id.ProviderID, error)
}

type memoryEntry struct {
	providerID id.ProviderID
	expiresAt  time.Time
}

type InMemoryStateStore struct {
	mu     sync.Mutex
	states map[string]memoryEntry
}

func NewInMemoryStateStore() *InMemoryStateStore {
	return &InMemoryStateStore{states: make(map[string]memoryEntry)}
}

func (s *InMemoryStateStore) Issue(ctx context.Context, state string, providerID id.ProviderID, ttl time.Duration) error {
	now := requestcontext.Now(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, entry := range s.states {
		if now.After(entry.expiresAt) {
			delete(s.states, k)
		}
	}
	s.states[state] = memoryEntry{providerID: providerID, expiresAt: now.Add(ttl)}
	return nil
}

func (s *InMemoryStateStore) Consume(ctx context.Context, state string) (id.ProviderID, error) {
	now := requestcontext.Now(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.states[state]
	if !ok {
		return id.ProviderID{}, sentinel.ErrNotFound
	}
	delete(s.states, state)
	if now.After(entry.expiresAt) {
		return id.ProviderID{}, sentinel.ErrNotFound
	}
	return entry.providerID, nil
}

const stateKeyPrefix = "sso:state:"

type RedisStateStore struct {
	client *redis.Client
}

func NewRedisStateStore(client *redis.Client) *RedisStateStore {
	return &RedisStateStore{client: client}
}

func (s *RedisStateStore) Issue(ctx context.Context, state string, providerID id.ProviderID, ttl time.Duration) error {
	return s.client.Set(ctx, stateKeyPrefix+state, providerID.String(), ttl).Err()
}

func (s *RedisStateStore) Consume(ctx context.Context, state string) (id.ProviderID, error) {
	val, err := s.client.GetDel(ctx, stateKeyPrefix+state).Result()
	if err == redis.Nil {
		return id.ProviderID{}, sentinel.ErrNotFound
	}
	if err != nil {
		return id.ProviderID{}, err
	}
	providerID, err := id.ParseProviderID(val)
	if err != nil {
		return id.ProviderID{}, err
	}
	return providerID, nil
}
