package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis provides counters backed by a Redis server.
type Redis struct {
	cli *redis.Client
}

// ConnectRedis connects to the Redis server and pings it to ensure the
// connection is working.
func ConnectRedis(ctx context.Context, addr string) (*Redis, error) {
	cli := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	if err := cli.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Redis{cli: cli}, nil
}

// NewRedis wraps an existing client.
func NewRedis(cli *redis.Client) *Redis {
	return &Redis{cli: cli}
}

func (r *Redis) Get(ctx context.Context, key string) (int64, error) {
	val, err := r.cli.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, ErrMiss
	}
	if err != nil {
		return 0, fmt.Errorf("get %s: %w", key, err)
	}
	return val, nil
}

func (r *Redis) Set(ctx context.Context, key string, value int64, ttl time.Duration) error {
	if err := r.cli.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.cli.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("del %s: %w", key, err)
	}
	return nil
}

// IncrWithExpiry runs INCR and EXPIRE NX in one MULTI block, so the window
// starts with the first increment and is never extended.
func (r *Redis) IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var incr *redis.IntCmd
	_, err := r.cli.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.ExpireNX(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	return incr.Val(), nil
}

// Close releases the client.
func (r *Redis) Close() error {
	return r.cli.Close()
}
