package pop

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisNonceStore backs nonce reservation with Redis SET NX EX, giving
// multi-node gateways the same at-most-once guarantee.
type RedisNonceStore struct {
	rdb *redis.Client
}

// NewRedisNonceStore wraps an existing client.
func NewRedisNonceStore(rdb *redis.Client) *RedisNonceStore {
	return &RedisNonceStore{rdb: rdb}
}

// Reserve implements NonceStore. SETNX either claims the key for the TTL
// or reports it already present (replay).
func (s *RedisNonceStore) Reserve(ctx context.Context, appID, nonce string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, "nonce:"+nonceKey(appID, nonce), 1, ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}
