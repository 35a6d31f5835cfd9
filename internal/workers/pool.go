// Package workers bounds how many store and cache operations socket sessions
// run at once.
package workers

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
)

const DefaultSize = 64

// Pool limits concurrent work across all sessions. Callers block until a slot
// is free, which keeps a session's frames in order.
type Pool struct {
	sem  *semaphore.Weighted
	size int64
}

// NewPool returns a pool with size slots; size <= 0 uses DefaultSize.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = DefaultSize
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size)), size: int64(size)}
}

// Do runs fn on the caller's goroutine once a slot is acquired.
func (p *Pool) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire worker slot: %w", err)
	}
	defer p.sem.Release(1)
	return fn(ctx)
}

// Size reports the number of slots.
func (p *Pool) Size() int {
	return int(p.size)
}
