package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"qazna.org/gateway/internal/ids"
	"qazna.org/gateway/internal/tier"
)

// slidingScript prunes, counts and conditionally records one request atomically.
// Returns {allowed, count, oldestMillis}.
var slidingScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', '(' .. (now - window))
local count = redis.call('ZCARD', key)
local allowed = 0
if count < limit then
  redis.call('ZADD', key, now, ARGV[4])
  redis.call('PEXPIRE', key, window)
  count = count + 1
  allowed = 1
end
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local first = now
if oldest[2] then first = tonumber(oldest[2]) end
return {allowed, count, first}
`)

func redisKey(prefix, key string) string {
	return prefix + strings.ReplaceAll(key, " ", "_")
}

// RedisSlidingWindow keeps each identity's window in a sorted set so replicas share counts.
type RedisSlidingWindow struct {
	client redis.UniversalClient
	prefix string
	window time.Duration
	quotas Quotas
	now    func() time.Time
}

func NewRedisSlidingWindow(client redis.UniversalClient, cfg Config, opts ...Option) *RedisSlidingWindow {
	cfg.normalize()
	o := buildOptions(opts)
	return &RedisSlidingWindow{client: client, prefix: cfg.RedisPrefix, window: cfg.Window, quotas: cfg.Quotas, now: o.now}
}

func (r *RedisSlidingWindow) Allow(ctx context.Context, key string, t tier.Tier) (Decision, error) {
	limit := r.quotas.For(t)
	now := r.now()
	nowMs := now.UnixMilli()

	res, err := slidingScript.Run(ctx, r.client, []string{redisKey(r.prefix, key)},
		nowMs, r.window.Milliseconds(), limit, fmt.Sprintf("%d-%s", nowMs, ids.New())).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: redis sliding window: %w", err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("ratelimit: unexpected script reply %v", res)
	}

	count := int(res[1])
	resetAt := time.UnixMilli(res[2]).Add(r.window)
	d := Decision{
		Allowed:   res[0] == 1,
		Limit:     limit,
		Remaining: max(limit-count, 0),
		ResetAt:   resetAt,
	}
	if !d.Allowed {
		d.Remaining = 0
		d.RetryAfter = retryAfter(resetAt.Sub(now))
	}
	observe(StrategyRedisSliding, t, d)
	return d, nil
}

// RedisFixedWindow is the INCR+EXPIRE counter.
type RedisFixedWindow struct {
	client redis.UniversalClient
	prefix string
	window time.Duration
	quotas Quotas
	now    func() time.Time
}

func NewRedisFixedWindow(client redis.UniversalClient, cfg Config, opts ...Option) *RedisFixedWindow {
	cfg.normalize()
	o := buildOptions(opts)
	return &RedisFixedWindow{client: client, prefix: cfg.RedisPrefix, window: cfg.Window, quotas: cfg.Quotas, now: o.now}
}

func (r *RedisFixedWindow) Allow(ctx context.Context, key string, t tier.Tier) (Decision, error) {
	limit := r.quotas.For(t)
	now := r.now().UTC()
	winStart := now.Truncate(r.window)
	k := fmt.Sprintf("%s:%d", redisKey(r.prefix, key), winStart.Unix())

	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.ExpireNX(ctx, k, r.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("ratelimit: redis fixed window: %w", err)
	}

	hits := int(incr.Val())
	resetAt := winStart.Add(r.window)
	d := Decision{
		Allowed:   hits <= limit,
		Limit:     limit,
		Remaining: max(limit-hits, 0),
		ResetAt:   resetAt,
	}
	if !d.Allowed {
		d.RetryAfter = retryAfter(resetAt.Sub(now))
	}
	observe(StrategyRedisFixed, t, d)
	return d, nil
}
