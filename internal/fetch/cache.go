package fetch

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache stores raw response bodies keyed by request path.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// RedisCache is a Cache backed by redis.
type RedisCache struct {
	rc     *redis.Client
	prefix string
}

// NewRedisCache connects to the redis instance at addr. Keys are namespaced
// under "aqmap:fetch:".
func NewRedisCache(addr, password string, db int) *RedisCache {
	return NewRedisCacheFromClient(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}))
}

// NewRedisCacheFromClient wraps an existing client.
func NewRedisCacheFromClient(rc *redis.Client) *RedisCache {
	return &RedisCache{rc: rc, prefix: "aqmap:fetch:"}
}

// Ping checks the connection.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.rc.Ping(ctx).Err()
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := c.rc.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.rc.Set(ctx, c.prefix+key, value, ttl).Err()
}

// Close releases the connection pool.
func (c *RedisCache) Close() error {
	return c.rc.Close()
}
