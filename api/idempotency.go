package api

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"lending-api/internal/consts"
)

const pendingMarker = "-"

// RedisDeduper stores idempotency keys in Redis so every instance answers a
// retried create with the entity created the first time.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeduper creates a deduper using the provided Redis client and TTL.
func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func (r *RedisDeduper) key(userID, key string) string {
	return consts.IdempotencyKeyPrefix + userID + ":" + key
}

func (r *RedisDeduper) Claim(ctx context.Context, userID, key string) (bool, string, error) {
	k := r.key(userID, key)
	ok, err := r.client.SetNX(ctx, k, pendingMarker, r.ttl).Result()
	if err != nil || ok {
		return ok, "", err
	}
	val, err := r.client.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		// Expired or released in between; try once more.
		ok, err = r.client.SetNX(ctx, k, pendingMarker, r.ttl).Result()
		return ok, "", err
	}
	if err != nil {
		return false, "", err
	}
	if val == pendingMarker {
		return false, "", nil
	}
	return false, val, nil
}

func (r *RedisDeduper) Complete(ctx context.Context, userID, key, entityID string) error {
	return r.client.Set(ctx, r.key(userID, key), entityID, r.ttl).Err()
}

func (r *RedisDeduper) Release(ctx context.Context, userID, key string) error {
	return r.client.Del(ctx, r.key(userID, key)).Err()
}
