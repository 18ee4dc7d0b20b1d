// Package cache defines the byte-oriented store the tile cache writes to.
package cache

import (
	"context"
	"time"
)

// Interface is satisfied by redisstore.Client.
type Interface interface {
	MGet(ctx context.Context, keys []string) (map[string][]byte, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}
