// Package cache holds short-lived counters: per-sender rate windows and unread
// notification counts.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache miss")

// Store is a TTL key/value store of integer counters.
type Store interface {
	Get(ctx context.Context, key string) (int64, error)
	Set(ctx context.Context, key string, value int64, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// IncrWithExpiry increments key and starts its expiry when the increment
	// created it. Later increments do not extend the window.
	IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error)
}
