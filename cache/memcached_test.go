package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/stretchr/testify/assert"
)

type fakeMemcache struct {
	mu    sync.Mutex
	items map[string]*memcache.Item
	err   error
}

func newFakeMemcache() *fakeMemcache {
	return &fakeMemcache{items: make(map[string]*memcache.Item)}
}

func (f *fakeMemcache) Get(key string) (*memcache.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	item, ok := f.items[key]
	if !ok {
		return nil, memcache.ErrCacheMiss
	}
	return item, nil
}

func (f *fakeMemcache) Set(item *memcache.Item) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.items[item.Key] = item
	return nil
}

func (f *fakeMemcache) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if _, ok := f.items[key]; !ok {
		return memcache.ErrCacheMiss
	}
	delete(f.items, key)
	return nil
}

func TestMemcachedSetGet(t *testing.T) {
	ctx := context.Background()
	fake := newFakeMemcache()
	c := NewMemcached(fake)

	_, found, err := c.Get(ctx, "key")
	assert.NoError(t, err)
	assert.False(t, found)

	assert.NoError(t, c.Set(ctx, "key", []byte("value"), 90*time.Second))
	e, found, err := c.Get(ctx, "key")
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("value"), e.Payload)
	assert.False(t, e.TTLKnown)
	assert.Equal(t, int32(90), fake.items["key"].Expiration)
}

func TestMemcachedExpiration(t *testing.T) {
	ctx := context.Background()
	fake := newFakeMemcache()
	clock := newFakeClock()
	c := NewMemcached(fake, WithClock(clock.Now))

	assert.NoError(t, c.Set(ctx, "none", []byte("v"), 0))
	assert.Equal(t, int32(0), fake.items["none"].Expiration)

	assert.NoError(t, c.Set(ctx, "short", []byte("v"), 500*time.Millisecond))
	assert.Equal(t, int32(1), fake.items["short"].Expiration)

	long := 60 * 24 * time.Hour
	assert.NoError(t, c.Set(ctx, "long", []byte("v"), long))
	assert.Equal(t, int32(clock.Now().Add(long).Unix()), fake.items["long"].Expiration)
}

func TestMemcachedClear(t *testing.T) {
	ctx := context.Background()
	fake := newFakeMemcache()
	c := NewMemcached(fake)
	assert.NoError(t, c.Set(ctx, "key", []byte("v"), time.Minute))

	n, err := c.Clear(ctx, "", "key")
	assert.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = c.Clear(ctx, "", "key")
	assert.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = c.Clear(ctx, "ns:", "")
	assert.ErrorIs(t, err, ErrClearUnsupported)
}

func TestMemcachedUnavailable(t *testing.T) {
	ctx := context.Background()
	fake := newFakeMemcache()
	fake.err = errors.New("dial tcp: connection refused")
	c := NewMemcached(fake)

	_, _, err := c.Get(ctx, "key")
	assert.ErrorIs(t, err, ErrBackendUnavailable)
	assert.Contains(t, err.Error(), "connection refused")
	assert.ErrorIs(t, c.Set(ctx, "key", []byte("v"), 0), ErrBackendUnavailable)
}
