package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindowScript prunes, counts and conditionally records a hit in one
// server-side step. Scores are unix milliseconds.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
local allowed = 0
if count < limit then
  redis.call('ZADD', key, now, ARGV[4])
  count = count + 1
  allowed = 1
end
if count > 0 then
  redis.call('PEXPIRE', key, window)
end
local oldest = now
local first = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if first[2] then
  oldest = tonumber(first[2])
end
return {allowed, count, oldest}
`)

// RedisBackend shares hit counts between processes through redis sorted sets.
type RedisBackend struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisBackend creates a backend storing keys under prefix.
func NewRedisBackend(client redis.UniversalClient, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "ratelimit:"
	}
	return &RedisBackend{client: client, prefix: prefix}
}

// Acquire runs the sliding window script for key.
func (r *RedisBackend) Acquire(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Decision, error) {
	res, err := slidingWindowScript.Run(ctx, r.client,
		[]string{r.prefix + key},
		now.UnixMilli(), window.Milliseconds(), limit, strconv.FormatInt(now.UnixNano(), 10)+"-"+uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("failed to run rate limit script: %w", err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("unexpected rate limit script reply: %v", res)
	}
	return Decision{
		Allowed: res[0] == 1,
		Count:   int(res[1]),
		Oldest:  time.UnixMilli(res[2]),
	}, nil
}

// Count returns the hits for key strictly inside the window.
func (r *RedisBackend) Count(ctx context.Context, key string, window time.Duration, now time.Time) (int, error) {
	lower := "(" + strconv.FormatInt(now.Add(-window).UnixMilli(), 10)
	n, err := r.client.ZCount(ctx, r.prefix+key, lower, "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count rate limit hits: %w", err)
	}
	return int(n), nil
}
