package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultRedisKey holds the listing when RedisConfig.Key is empty.
	DefaultRedisKey = "copilotpool:models"
	// DefaultRedisTTL expires the listing when RedisConfig.TTL is zero.
	DefaultRedisTTL = time.Hour

	redisDialTimeout = 5 * time.Second
)

// RedisConfig selects the server and key for RedisCache.
type RedisConfig struct {
	// URL in go-redis form, e.g. redis://:password@host:6379/0.
	URL string
	Key string
	TTL time.Duration
}

// RedisCache shares the listing between every proxy pointed at the same
// server. The key expires with the configured TTL.
type RedisCache struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedisCache connects and pings the server. The client is closed again
// when the ping fails.
func NewRedisCache(cfg RedisConfig) (*RedisCache, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), redisDialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	c := &RedisCache{client: client, key: cfg.Key, ttl: cfg.TTL}
	if c.key == "" {
		c.key = DefaultRedisKey
	}
	if c.ttl == 0 {
		c.ttl = DefaultRedisTTL
	}
	slog.Info("redis cache connected", "addr", opts.Addr, "key", c.key, "ttl", c.ttl)
	return c, nil
}

// Get fetches the listing. A missing or expired key is a miss.
func (c *RedisCache) Get(ctx context.Context) (*ModelCache, error) {
	data, err := c.client.Get(ctx, c.key).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("failed to read %s from redis: %w", c.key, err)
	}
	return decodeEntry(data, "redis key "+c.key)
}

// Set stores the listing with the configured expiry.
func (c *RedisCache) Set(ctx context.Context, entry *ModelCache) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal cache: %w", err)
	}
	if err := c.client.Set(ctx, c.key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write %s to redis: %w", c.key, err)
	}
	return nil
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}
