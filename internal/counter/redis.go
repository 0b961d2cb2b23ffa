package counter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/keyrelay/gateway/internal/core"
)

// rateScript increments the window counter and stamps the window start
// on first hit, returning {count, windowStartMs}. Running it as a script
// keeps increment and expiry atomic for multi-node gateways.
var rateScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  redis.call('SET', KEYS[1] .. ':start', ARGV[2], 'PX', ARGV[1])
end
local start = redis.call('GET', KEYS[1] .. ':start')
return {count, start}
`)

// budgetScript performs the conditional increment: deny without
// incrementing when used+1 would exceed the limit.
var budgetScript = redis.NewScript(`
local used = tonumber(redis.call('GET', KEYS[1]) or '0')
if used + 1 > tonumber(ARGV[1]) then
  return {0, used}
end
used = redis.call('INCR', KEYS[1])
if used == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return {1, used}
`)

// RedisStore backs the counters with Redis, the external atomic counter
// service for multi-node deployments.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore connects and verifies the Redis instance.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}
	return &RedisStore{rdb: rdb}, nil
}

// Client exposes the underlying client so the nonce store can share the
// connection pool.
func (s *RedisStore) Client() *redis.Client { return s.rdb }

// Close shuts down the client.
func (s *RedisStore) Close() error { return s.rdb.Close() }

func (s *RedisStore) CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (RateResult, error) {
	now := time.Now()
	res, err := rateScript.Run(ctx, s.rdb, []string{key},
		window.Milliseconds(), now.UnixMilli()).Slice()
	if err != nil {
		return RateResult{}, fmt.Errorf("rate script: %w", err)
	}

	count, _ := res[0].(int64)
	windowStart := now
	if raw, ok := res[1].(string); ok {
		var ms int64
		if _, err := fmt.Sscanf(raw, "%d", &ms); err == nil {
			windowStart = time.UnixMilli(ms)
		}
	}
	resetAt := windowStart.Add(window)

	if int(count) > limit {
		return RateResult{Allowed: false, Remaining: 0, ResetAt: resetAt}, nil
	}
	return RateResult{Allowed: true, Remaining: limit - int(count), ResetAt: resetAt}, nil
}

func (s *RedisStore) CheckBudget(ctx context.Context, key string, limit int64, resetAt time.Time) (bool, int64, error) {
	ttl := time.Until(resetAt)
	if ttl <= 0 {
		ttl = time.Second
	}
	res, err := budgetScript.Run(ctx, s.rdb, []string{key}, limit, ttl.Milliseconds()).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("budget script: %w", err)
	}
	allowed, _ := res[0].(int64)
	used, _ := res[1].(int64)
	return allowed == 1, used, nil
}

func (s *RedisStore) AddTokens(ctx context.Context, key string, usage core.Usage) error {
	pipe := s.rdb.Pipeline()
	pipe.HIncrBy(ctx, key, "input_tokens", usage.InputTokens)
	pipe.HIncrBy(ctx, key, "output_tokens", usage.OutputTokens)
	pipe.HIncrBy(ctx, key, "total_tokens", usage.TotalTokens)
	pipe.Expire(ctx, key, TokenCounterRetention)
	_, err := pipe.Exec(ctx)
	return err
}
