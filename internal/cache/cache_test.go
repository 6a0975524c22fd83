package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/isoflow/internal/runtime/logging"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestMemoryCache_Expiry(t *testing.T) {
	ctx := context.Background()
	clock := &manualClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := NewMemoryCache(WithClock(clock.Now))

	require.NoError(t, c.Set(ctx, "short", []byte("a"), time.Second))
	require.NoError(t, c.Set(ctx, "forever", []byte("b"), 0))

	v, ok := c.Get(ctx, "short")
	require.True(t, ok)
	assert.Equal(t, []byte("a"), v)

	clock.Advance(time.Second)
	_, ok = c.Get(ctx, "short")
	assert.False(t, ok)
	_, ok = c.Get(ctx, "forever")
	assert.True(t, ok)

	require.NoError(t, c.Delete(ctx, "forever"))
	_, ok = c.Get(ctx, "forever")
	assert.False(t, ok)
}

func TestMemoryCache_CopiesValues(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()
	buf := []byte("abc")
	require.NoError(t, c.Set(ctx, "k", buf, time.Minute))
	buf[0] = 'x'

	v, _ := c.Get(ctx, "k")
	assert.Equal(t, "abc", string(v))
	v[0] = 'y'
	again, _ := c.Get(ctx, "k")
	assert.Equal(t, "abc", string(again))
}

func TestMemoryCache_Purge(t *testing.T) {
	ctx := context.Background()
	clock := &manualClock{now: time.Unix(0, 0)}
	c := NewMemoryCache(WithClock(clock.Now))
	require.NoError(t, c.Set(ctx, "a", nil, time.Second))
	require.NoError(t, c.Set(ctx, "b", nil, time.Hour))
	clock.Advance(time.Minute)
	assert.Equal(t, 1, c.Purge())
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()

	type status struct {
		Success bool   `json:"success"`
		Result  string `json:"result"`
	}
	require.NoError(t, SetJSON(ctx, c, "status:1", status{Success: true, Result: "SETTLED"}, time.Minute))

	got, ok := GetJSON[status](ctx, c, "status:1")
	require.True(t, ok)
	assert.Equal(t, status{Success: true, Result: "SETTLED"}, got)

	_, ok = GetJSON[status](ctx, c, "missing")
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "garbage", []byte("{not json"), time.Minute))
	_, ok = GetJSON[status](ctx, c, "garbage")
	assert.False(t, ok)
}

func TestRedisCache_BackendFailureIsMiss(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	rec := logging.NewRecorder()
	c := NewRedisCache(client, WithKeyPrefix("test:"), WithLogger(rec))
	t.Cleanup(func() { _ = c.Close() })

	_, ok := c.Get(context.Background(), "k")
	assert.False(t, ok)
	assert.Equal(t, 1, rec.Count("error"))
	assert.Equal(t, "test:k", c.key("k"))

	assert.Error(t, c.Set(context.Background(), "k", []byte("v"), time.Second))
}

func TestDialRedis_InvalidURL(t *testing.T) {
	_, err := DialRedis(context.Background(), "http://nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid redis url")
}
