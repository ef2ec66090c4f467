package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cuemby/collective/pkg/fault"
)

// RedisCache backs the TTL cache with a redis instance, for machines
// that share one with other local tooling.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects to the redis URL and verifies the connection
// with a ping.
func NewRedisCache(url string) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fault.Validationf("parse redis url: %v", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fault.Unavailablef(err, "connect to redis")
	}
	return &RedisCache{client: client}, nil
}

// Get returns the value when present and unexpired.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fault.Unavailablef(err, "redis get %s", key)
	}
	return data, true, nil
}

// Set stores value for ttl.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fault.Unavailablef(err, "redis set %s", key)
	}
	return nil
}

// Delete drops the key if present.
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fault.Unavailablef(err, "redis del %s", key)
	}
	return nil
}

// Close releases the connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
