package cache

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisCache implements Cache against go-redis/v9, the client the teacher
// already wires for coordination (store/redis.go). Hash-field TTL uses the
// HEXPIRE family (Redis 7.4+), required here because skald registration
// hashes need per-field expiry independent of the hash key itself.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache dials addr and verifies connectivity before returning.
func NewRedisCache(addr, password string, db int) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisCache{client: client}, nil
}

func (c *RedisCache) Close() error { return c.client.Close() }

// Ping reports whether the cache is currently reachable, used by
// GET /api/system/health (spec §6).
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) SetString(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCache) GetString(ctx context.Context, key string) (string, error) {
	val, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrMissing
	}
	return val, err
}

func (c *RedisCache) SetHashField(ctx context.Context, key, field, value string, fieldTTL time.Duration) error {
	if err := c.client.HSet(ctx, key, field, value).Err(); err != nil {
		return errors.Wrap(err, "cache: hset")
	}
	if fieldTTL <= 0 {
		return nil
	}
	// HExpire sets a per-field TTL independent of the hash key's own TTL.
	if err := c.client.HExpire(ctx, key, fieldTTL, field).Err(); err != nil {
		return errors.Wrap(err, "cache: hexpire")
	}
	return nil
}

func (c *RedisCache) GetHashField(ctx context.Context, key, field string) (string, error) {
	val, err := c.client.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrMissing
	}
	return val, err
}

func (c *RedisCache) GetAllHashFields(ctx context.Context, key string) (map[string]string, error) {
	vals, err := c.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, errors.Wrap(err, "cache: hgetall")
	}
	if len(vals) == 0 {
		return nil, ErrMissing
	}
	return vals, nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

func (c *RedisCache) PushList(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.client.RPush(ctx, key, value).Err(); err != nil {
		return err
	}
	if ttl > 0 {
		return c.client.Expire(ctx, key, ttl).Err()
	}
	return nil
}

func (c *RedisCache) ReadList(ctx context.Context, key string, start, end int64) ([]string, error) {
	vals, err := c.client.LRange(ctx, key, start, end).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, ErrMissing
	}
	return vals, nil
}
