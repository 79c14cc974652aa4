package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestInMemorySetGet(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c := NewInMemory(WithClock(clock.Now))

	_, found, err := c.Get(ctx, "test")
	assert.NoError(t, err)
	assert.False(t, found)

	assert.NoError(t, c.Set(ctx, "test", []byte("value"), time.Minute))
	e, found, err := c.Get(ctx, "test")
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("value"), e.Payload)
	assert.Equal(t, "test", e.Key)
	assert.True(t, e.TTLKnown)
	assert.Equal(t, time.Minute, e.TTL)
	assert.Equal(t, clock.Now(), e.CreatedAt)

	clock.Advance(20 * time.Second)
	e, found, err = c.Get(ctx, "test")
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 40*time.Second, e.TTL)
}

func TestInMemoryLazyEviction(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c := NewInMemory(WithClock(clock.Now))

	assert.NoError(t, c.Set(ctx, "a", []byte("1"), time.Second))
	assert.NoError(t, c.Set(ctx, "b", []byte("2"), time.Second))
	clock.Advance(2 * time.Second)

	// nothing is purged until read
	assert.Equal(t, 2, c.Len())

	_, found, err := c.Get(ctx, "a")
	assert.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, 1, c.Len())
}

func TestInMemoryExpiresExactlyAtDeadline(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c := NewInMemory(WithClock(clock.Now))
	assert.NoError(t, c.Set(ctx, "k", []byte("v"), time.Second))
	clock.Advance(time.Second)
	_, found, err := c.Get(ctx, "k")
	assert.NoError(t, err)
	assert.False(t, found)
}

func TestInMemoryNoExpiry(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c := NewInMemory(WithClock(clock.Now))
	assert.NoError(t, c.Set(ctx, "forever", []byte("v"), 0))
	clock.Advance(24 * 365 * time.Hour)
	e, found, err := c.Get(ctx, "forever")
	assert.NoError(t, err)
	assert.True(t, found)
	assert.False(t, e.TTLKnown)
	assert.True(t, e.ExpireAt.IsZero())
}

func TestInMemoryClear(t *testing.T) {
	ctx := context.Background()
	c := NewInMemory()
	for _, k := range []string{"p:a:1", "p:a:2", "p:b:1", "other"} {
		require.NoError(t, c.Set(ctx, k, []byte(k), time.Minute))
	}

	n, err := c.Clear(ctx, "", "p:b:1")
	assert.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = c.Clear(ctx, "", "missing")
	assert.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = c.Clear(ctx, "p:a:", "")
	assert.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, c.Len())

	n, err = c.Clear(ctx, "", "")
	assert.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, c.Len())
}

func TestInMemoryCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := NewInMemory()
	assert.ErrorIs(t, c.Set(ctx, "k", []byte("v"), time.Minute), context.Canceled)
	_, _, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestInMemoryConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	c := NewInMemory()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("key-%d", i%5)
			for j := 0; j < 100; j++ {
				_ = c.Set(ctx, key, []byte("v"), time.Minute)
				_, _, _ = c.Get(ctx, key)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 5, c.Len())
}
