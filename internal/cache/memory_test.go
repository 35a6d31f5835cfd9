package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time { return f.now }

func (f *fakeClock) Advance(d time.Duration) { f.now = f.now.Add(d) }

func TestMemoryGetMissAndSet(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := NewMemory(clock.Now)
	ctx := context.Background()

	_, err := store.Get(ctx, "unread_count:1")
	assert.ErrorIs(t, err, ErrMiss)

	require.NoError(t, store.Set(ctx, "unread_count:1", 4, 30*time.Second))
	val, err := store.Get(ctx, "unread_count:1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), val)

	clock.Advance(30 * time.Second)
	_, err = store.Get(ctx, "unread_count:1")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestMemoryDelete(t *testing.T) {
	store := NewMemory(nil)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", 1, time.Minute))
	require.NoError(t, store.Delete(ctx, "k"))
	_, err := store.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestMemoryIncrWindowIsNotExtended(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := NewMemory(clock.Now)
	ctx := context.Background()

	n, err := store.IncrWithExpiry(ctx, "rate:7", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	clock.Advance(59 * time.Second)
	n, err = store.IncrWithExpiry(ctx, "rate:7", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	clock.Advance(time.Second)
	n, err = store.IncrWithExpiry(ctx, "rate:7", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "window expired, counter restarts")
}
