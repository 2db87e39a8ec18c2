package repository

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisIdempotency keeps control-command responses in Redis with a TTL.
type RedisIdempotency struct {
	Client *redis.Client
	Prefix string
}

func (r *RedisIdempotency) key(k string) string {
	if r.Prefix == "" {
		return "idem:" + k
	}
	return r.Prefix + k
}

func (r *RedisIdempotency) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := r.Client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (r *RedisIdempotency) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return r.Client.SetNX(ctx, r.key(key), value, ttl).Result()
}

var _ IdempotencyStore = (*RedisIdempotency)(nil)
