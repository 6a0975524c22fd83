// Package cache provides short lived key/value caching for schema
// definitions and network status lookups. A miss, including a backend
// failure, is always reported as absence.
package cache

import (
	"context"
	"time"

	"github.com/drblury/isoflow/internal/runtime/jsoncodec"
)

// Cache stores opaque values with a time to live. A zero ttl keeps the
// value until it is deleted or evicted.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// GetJSON decodes the cached value at key into T. Undecodable values count
// as a miss.
func GetJSON[T any](ctx context.Context, c Cache, key string) (T, bool) {
	var out T
	raw, ok := c.Get(ctx, key)
	if !ok {
		return out, false
	}
	if err := jsoncodec.Unmarshal(raw, &out); err != nil {
		var zero T
		return zero, false
	}
	return out, true
}

// SetJSON encodes v and stores it under key.
func SetJSON(ctx context.Context, c Cache, key string, v any, ttl time.Duration) error {
	raw, err := jsoncodec.Marshal(v)
	if err != nil {
		return err
	}
	return c.Set(ctx, key, raw, ttl)
}
