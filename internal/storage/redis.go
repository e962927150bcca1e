package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/forgebuild/cachet/internal/fingerprint"
)

// RedisConfig configures the Redis-backed key-value store.
type RedisConfig struct {
	// URL is a redis:// connection URL, credentials included.
	URL string

	// TTL expires entries server-side; zero means no expiry.
	TTL time.Duration
}

// redisAPI is the slice of the Redis client the cache uses.
type redisAPI interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// RedisCache is a Backend storing entries as opaque values in Redis.
type RedisCache struct {
	client   redisAPI
	location string
	ttl      time.Duration
	retry    RetryPolicy
}

// NewRedisCache builds a Redis backend from cfg.
func NewRedisCache(cfg RedisConfig, retry RetryPolicy) (*RedisCache, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	return &RedisCache{
		client:   redis.NewClient(opts),
		location: opts.Addr,
		ttl:      cfg.TTL,
		retry:    retry,
	}, nil
}

// Location implements Backend.
func (c *RedisCache) Location() string {
	return fmt.Sprintf("redis (%s)", c.location)
}

// Get implements Backend.
func (c *RedisCache) Get(ctx context.Context, key fingerprint.Key) (*Entry, error) {
	var entry *Entry

	err := withRetry(ctx, c.retry, func() error {
		data, err := c.client.Get(ctx, key.String()).Bytes()
		if err != nil {
			return classifyRedisError("get", err)
		}

		entry, err = DecodeEntryBytes(data)
		if err != nil {
			return ioErr("get", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return entry, nil
}

// Put implements Backend.
func (c *RedisCache) Put(ctx context.Context, key fingerprint.Key, entry *Entry) error {
	data, err := EncodeEntry(entry)
	if err != nil {
		return ioErr("put", err)
	}

	return withRetry(ctx, c.retry, func() error {
		if err := c.client.Set(ctx, key.String(), data, c.ttl).Err(); err != nil {
			return classifyRedisError("put", err)
		}
		return nil
	})
}

func classifyRedisError(op string, err error) error {
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	return netErr(op, err)
}
