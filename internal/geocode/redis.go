package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const redisKeyPrefix = "geocode:"

// RedisCache shares resolved addresses between dispatch workers.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

// NewRedisCacheFromURL connects using a redis:// URL and verifies the connection.
func NewRedisCacheFromURL(ctx context.Context, rawURL string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("error parsing redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("error while pinging redis: %w", err)
	}

	return NewRedisCache(client, ttl), nil
}

func (c *RedisCache) Get(ctx context.Context, key string) (*Address, bool, error) {
	raw, err := c.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var addr Address
	if err := json.Unmarshal(raw, &addr); err != nil {
		return nil, false, fmt.Errorf("error decoding cached address: %w", err)
	}
	return &addr, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, addr *Address) error {
	raw, err := json.Marshal(addr)
	if err != nil {
		return fmt.Errorf("error encoding address: %w", err)
	}
	return c.client.Set(ctx, redisKeyPrefix+key, raw, c.ttl).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
