package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"aegis/internal/quota/models"
	id "aegis/pkg/domain"
	"aegis/pkg/platform/sentinel"
)

func newRedisStore(t *testing.T) *RedisQuotaStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisQuotaStore(client)
}

func TestRedisLimitsRoundTrip(t *testing.T) {
	s := newRedisStore(t)
	ctx := context.Background()
	tenantID := id.NewTenantID()

	limits, _ := models.LimitsForPlan("team")
	if err := s.ApplyLimits(ctx, tenantID, limits); err != nil {
		t.Fatalf("apply limits: %v", err)
	}
	got, err := s.GetLimits(ctx, tenantID)
	if err != nil {
		t.Fatalf("get limits: %v", err)
	}
	if got != limits {
		t.Fatalf("limits round trip mismatch: %+v != %+v", got, limits)
	}

	if _, err := s.GetLimits(ctx, id.NewTenantID()); !errors.Is(err, sentinel.ErrNotFound) {
		t.Fatalf("expected not found for unknown tenant, got %v", err)
	}
}

func TestRedisCheckAndReserveStopsAtLimit(t *testing.T) {
	s := newRedisStore(t)
	ctx := context.Background()
	tenantID := id.NewTenantID()
	limits, _ := models.LimitsForPlan("developer")
	if err := s.ApplyLimits(ctx, tenantID, limits); err != nil {
		t.Fatalf("apply limits: %v", err)
	}

	var granted int
	for i := 0; i < 4; i++ {
		_, ok, err := s.CheckAndReserve(ctx, tenantID, models.MetricProjects, 1, limits.Projects, time.Time{})
		if err != nil {
			t.Fatalf("reserve %d: %v", i, err)
		}
		if ok {
			granted++
		}
	}
	if granted != 3 {
		t.Fatalf("expected 3 grants within the limit, got %d", granted)
	}

	used, err := s.Used(ctx, tenantID, models.MetricProjects, time.Time{})
	if err != nil {
		t.Fatalf("used: %v", err)
	}
	if used != 3 {
		t.Fatalf("rejections must not move the counter, got %d", used)
	}
}

func TestRedisWindowedKeysAreIndependent(t *testing.T) {
	s := newRedisStore(t)
	ctx := context.Background()
	tenantID := id.NewTenantID()
	limits, _ := models.LimitsForPlan("developer")
	if err := s.ApplyLimits(ctx, tenantID, limits); err != nil {
		t.Fatalf("apply limits: %v", err)
	}

	march := models.WindowStart(time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC))
	april := models.WindowStart(time.Date(2026, 4, 15, 0, 0, 0, 0, time.UTC))

	if _, ok, err := s.CheckAndReserve(ctx, tenantID, models.MetricAPICalls, limits.APICalls, limits.APICalls, march); err != nil || !ok {
		t.Fatalf("fill march: ok=%v err=%v", ok, err)
	}
	if _, ok, err := s.CheckAndReserve(ctx, tenantID, models.MetricAPICalls, 1, limits.APICalls, march); err != nil || ok {
		t.Fatalf("march should be full: ok=%v err=%v", ok, err)
	}
	if _, ok, err := s.CheckAndReserve(ctx, tenantID, models.MetricAPICalls, 1, limits.APICalls, april); err != nil || !ok {
		t.Fatalf("april window should be fresh: ok=%v err=%v", ok, err)
	}
}

func TestRedisReleaseClampsAtZero(t *testing.T) {
	s := newRedisStore(t)
	ctx := context.Background()
	tenantID := id.NewTenantID()
	limits, _ := models.LimitsForPlan("developer")
	if err := s.ApplyLimits(ctx, tenantID, limits); err != nil {
		t.Fatalf("apply limits: %v", err)
	}

	if _, _, err := s.CheckAndReserve(ctx, tenantID, models.MetricConcurrentSessions, 1, limits.ConcurrentSessions, time.Time{}); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := s.Release(ctx, tenantID, models.MetricConcurrentSessions, 5, time.Time{}); err != nil {
		t.Fatalf("release: %v", err)
	}
	used, err := s.Used(ctx, tenantID, models.MetricConcurrentSessions, time.Time{})
	if err != nil {
		t.Fatalf("used: %v", err)
	}
	if used != 0 {
		t.Fatalf("expected counter clamped at zero, got %d", used)
	}
}
