package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRedis struct {
	mu     sync.Mutex
	values map[string][]byte
	ttls   map[string]time.Duration
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{values: make(map[string][]byte), ttls: make(map[string]time.Duration)}
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()

	cmd := redis.NewStringCmd(ctx)
	if v, ok := f.values[key]; ok {
		cmd.SetVal(string(v))
	} else {
		cmd.SetErr(redis.Nil)
	}
	return cmd
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.values[key] = value.([]byte)
	f.ttls[key] = expiration

	cmd := redis.NewStatusCmd(ctx)
	cmd.SetVal("OK")
	return cmd
}

func testRedisCache(fake *fakeRedis, ttl time.Duration) *RedisCache {
	return &RedisCache{
		client:   fake,
		location: "localhost:6379",
		ttl:      ttl,
		retry:    fastPolicy(3),
	}
}

func TestRedisCache_PutGetRoundTrip(t *testing.T) {
	fake := newFakeRedis()
	c := testRedisCache(fake, 0)
	ctx := context.Background()

	key := testKey("redis")
	entry := entryOfSize(t, 150)
	require.NoError(t, c.Put(ctx, key, entry))

	got, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, entry.Outputs, got.Outputs)
}

func TestRedisCache_NilIsMiss(t *testing.T) {
	c := testRedisCache(newFakeRedis(), 0)

	_, err := c.Get(context.Background(), testKey("gone"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisCache_ExpirySetOnPut(t *testing.T) {
	fake := newFakeRedis()
	c := testRedisCache(fake, 10*time.Minute)
	ctx := context.Background()

	key := testKey("ttl")
	require.NoError(t, c.Put(ctx, key, entryOfSize(t, 32)))

	assert.Equal(t, 10*time.Minute, fake.ttls[key.String()])
}

func TestNewRedisCache_InvalidURL(t *testing.T) {
	_, err := NewRedisCache(RedisConfig{URL: "not a url"}, DefaultRetryPolicy())
	assert.Error(t, err)
}
