// Package ratelimit caps how many chat messages a sender may submit per window.
package ratelimit

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.uber.org/zap"

	"chat-delivery/internal/cache"
)

const (
	DefaultLimit  = 10
	DefaultWindow = 60 * time.Second
	keyPrefix     = "chat_rate_limit:"
)

// ErrRateLimited is reported to senders over their limit.
var ErrRateLimited = errors.New("rate limited")

// Config configures a Limiter.
type Config struct {
	Store  cache.Store
	Limit  int
	Window time.Duration
	Logger *zap.Logger
}

// Limiter is a fixed window counter per sender. The window starts with the first
// message and resets when its key expires.
type Limiter struct {
	store  cache.Store
	limit  int64
	window time.Duration
	logger *zap.Logger
}

// New constructs a Limiter with defaults for unset values.
func New(cfg Config) *Limiter {
	limit := cfg.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	window := cfg.Window
	if window <= 0 {
		window = DefaultWindow
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{store: cfg.Store, limit: int64(limit), window: window, logger: logger}
}

// Allow counts one attempt for senderID and reports whether it is within the limit.
// Cache failures let the message through.
func (l *Limiter) Allow(ctx context.Context, senderID int64) bool {
	count, err := l.store.IncrWithExpiry(ctx, keyPrefix+strconv.FormatInt(senderID, 10), l.window)
	if err != nil {
		l.logger.Warn("rate limit counter unavailable, allowing", zap.Int64("user_id", senderID), zap.Error(err))
		return true
	}
	return count <= l.limit
}
