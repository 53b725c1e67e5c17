package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"aegis/internal/quota/models"
	id "aegis/pkg/domain"
	"aegis/pkg/platform/sentinel"
)

const (
	limitsKeyPrefix  = "quota:limits:"
	counterKeyPrefix = "quota:used:"

	// windowRetention keeps windowed counters around past rollover so
	// late readers still see the closing month before the key expires.
	windowRetention = 40 * 24 * time.Hour
)

// reserveScript performs the check-and-increment atomically on the server.
// KEYS[1] counter key, ARGV[1] amount, ARGV[2] limit, ARGV[3] ttl seconds
// (0 for absolute metrics). Returns {used, granted}.
var reserveScript = redis.NewScript(`
local used = tonumber(redis.call("GET", KEYS[1]) or "0")
local amount = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
if used + amount > limit then
	return {used, 0}
end
used = redis.call("INCRBY", KEYS[1], amount)
local ttl = tonumber(ARGV[3])
if ttl > 0 and redis.call("TTL", KEYS[1]) < 0 then
	redis.call("EXPIRE", KEYS[1], ttl)
end
return {used, 1}
`)

// releaseScript decrements without going below zero.
var releaseScript = redis.NewScript(`
local used = redis.call("DECRBY", KEYS[1], tonumber(ARGV[1]))
if used < 0 then
	redis.call("SET", KEYS[1], "0", "KEEPTTL")
	used = 0
end
return used
`)

type RedisQuotaStore struct {
	client *redis.Client
}

func NewRedisQuotaStore(client *redis.Client) *RedisQuotaStore {
	return &RedisQuotaStore{client: client}
}

func limitsKey(tenantID id.TenantID) string {
	return limitsKeyPrefix + tenantID.String()
}

// counterKeyFor stamps windowed metrics with the window start so month
// rollover is just a key change, never a reset race.
func counterKeyFor(tenantID id.TenantID, metric models.Metric, window time.Time) string {
	if window.IsZero() {
		return fmt.Sprintf("%s%s:%s", counterKeyPrefix, tenantID.String(), metric)
	}
	return fmt.Sprintf("%s%s:%s:%d", counterKeyPrefix, tenantID.String(), metric, window.UTC().Unix())
}

func (s *RedisQuotaStore) ApplyLimits(ctx context.Context, tenantID id.TenantID, limits models.Limits) error {
	data, err := json.Marshal(limits)
	if err != nil {
		return fmt.Errorf("marshal limits: %w", err)
	}
	if err := s.client.Set(ctx, limitsKey(tenantID), data, 0).Err(); err != nil {
		return fmt.Errorf("set limits: %w", err)
	}
	return nil
}

func (s *RedisQuotaStore) GetLimits(ctx context.Context, tenantID id.TenantID) (models.Limits, error) {
	data, err := s.client.Get(ctx, limitsKey(tenantID)).Bytes()
	if err == redis.Nil {
		return models.Limits{}, sentinel.ErrNotFound
	}
	if err != nil {
		return models.Limits{}, fmt.Errorf("get limits: %w", err)
	}
	var limits models.Limits
	if err := json.Unmarshal(data, &limits); err != nil {
		return models.Limits{}, fmt.Errorf("unmarshal limits: %w", err)
	}
	return limits, nil
}

func (s *RedisQuotaStore) CheckAndReserve(ctx context.Context, tenantID id.TenantID, metric models.Metric, amount, limit int64, window time.Time) (int64, bool, error) {
	exists, err := s.client.Exists(ctx, limitsKey(tenantID)).Result()
	if err != nil {
		return 0, false, fmt.Errorf("check limits: %w", err)
	}
	if exists == 0 {
		return 0, false, sentinel.ErrNotFound
	}

	var ttl int64
	if !window.IsZero() {
		ttl = int64(windowRetention.Seconds())
	}
	key := counterKeyFor(tenantID, metric, window)
	res, err := reserveScript.Run(ctx, s.client, []string{key}, amount, limit, ttl).Int64Slice()
	if err != nil {
		return 0, false, fmt.Errorf("reserve: %w", err)
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("reserve: unexpected script reply %v", res)
	}
	return res[0], res[1] == 1, nil
}

func (s *RedisQuotaStore) Release(ctx context.Context, tenantID id.TenantID, metric models.Metric, amount int64, window time.Time) error {
	key := counterKeyFor(tenantID, metric, window)
	if err := releaseScript.Run(ctx, s.client, []string{key}, amount).Err(); err != nil {
		return fmt.Errorf("release: %w", err)
	}
	return nil
}

func (s *RedisQuotaStore) Used(ctx context.Context, tenantID id.TenantID, metric models.Metric, window time.Time) (int64, error) {
	val, err := s.client.Get(ctx, counterKeyFor(tenantID, metric, window)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get counter: %w", err)
	}
	used, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse counter: %w", err)
	}
	return used, nil
}
