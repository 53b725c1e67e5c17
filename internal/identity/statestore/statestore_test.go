package statestore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	id "aegis/pkg/domain"
	"aegis/pkg/platform/sentinel"
	"aegis/pkg/requestcontext"
	"aegis/pkg/testutil"
)

func TestMemoryStateConsumedExactlyOnce(t *testing.T) {
	s := NewInMemoryStateStore()
	ctx := context.Background()
	providerID := id.NewProviderID()

	if err := s.Issue(ctx, "nonce-1", providerID, 10*time.Minute); err != nil {
		t.Fatalf("issue: %v", err)
	}

	got, err := s.Consume(ctx, "nonce-1")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if got != providerID {
		t.Fatalf("wrong provider id")
	}
	if _, err := s.Consume(ctx, "nonce-1"); !errors.Is(err, sentinel.ErrNotFound) {
		t.Fatalf("second consume must miss, got %v", err)
	}
}

func TestMemoryStateExpires(t *testing.T) {
	s := NewInMemoryStateStore()
	providerID := id.NewProviderID()
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	issueCtx := requestcontext.WithNow(context.Background(), base)
	if err := s.Issue(issueCtx, "nonce-1", providerID, 10*time.Minute); err != nil {
		t.Fatalf("issue: %v", err)
	}

	late := requestcontext.WithNow(context.Background(), base.Add(11*time.Minute))
	if _, err := s.Consume(late, "nonce-1"); !errors.Is(err, sentinel.ErrNotFound) {
		t.Fatalf("expected expiry, got %v", err)
	}
}

func TestMemoryStateConcurrentConsumeHasOneWinner(t *testing.T) {
	s := NewInMemoryStateStore()
	ctx := context.Background()
	providerID := id.NewProviderID()

	if err := s.Issue(ctx, "nonce-1", providerID, 10*time.Minute); err != nil {
		t.Fatalf("issue: %v", err)
	}

	result := testutil.RunConcurrent(8, func(int) error {
		_, err := s.Consume(ctx, "nonce-1")
		return err
	})
	if result.Successes != 1 || result.NotFounds != 7 {
		t.Fatalf("expected exactly one winner, got %+v", result)
	}
}

func TestRedisStateConsumedExactlyOnce(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	s := NewRedisStateStore(client)

	ctx := context.Background()
	providerID := id.NewProviderID()

	if err := s.Issue(ctx, "nonce-1", providerID, 10*time.Minute); err != nil {
		t.Fatalf("issue: %v", err)
	}

	got, err := s.Consume(ctx, "nonce-1")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if got != providerID {
		t.Fatalf("wrong provider id")
	}
	if _, err := s.Consume(ctx, "nonce-1"); !errors.Is(err, sentinel.ErrNotFound) {
		t.Fatalf("second consume must miss, got %v", err)
	}
}

func TestRedisStateExpires(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	s := NewRedisStateStore(client)

	ctx := context.Background()
	if err := s.Issue(ctx, "nonce-1", id.NewProviderID(), time.Minute); err != nil {
		t.Fatalf("issue: %v", err)
	}
	mr.FastForward(2 * time.Minute)

	if _, err := s.Consume(ctx, "nonce-1"); !errors.Is(err, sentinel.ErrNotFound) {
		t.Fatalf("expected expiry, got %v", err)
	}
}
