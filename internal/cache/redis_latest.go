package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// LatestCache mirrors each session's latest stream event into Redis so it
// outlives a short process restart.
type LatestCache struct {
	client redis.Cmdable
	prefix string
}

// NewLatestCache creates a Redis-backed latest-event mirror. Keys are
// namespaced with prefix when it is non-empty.
func NewLatestCache(client redis.Cmdable, prefix string) *LatestCache {
	return &LatestCache{
		client: client,
		prefix: prefix,
	}
}

// Connect parses url, connects and pings Redis
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return client, nil
}

// SetLatest stores data under key with the given TTL
func (c *LatestCache) SetLatest(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, c.key(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// GetLatest returns the stored value, or false if the key is missing or expired
func (c *LatestCache) GetLatest(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := c.client.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}
	return data, true, nil
}

func (c *LatestCache) key(key string) string {
	if c.prefix == "" {
		return key
	}
	return c.prefix + ":" + key
}
