package cache

import (
	"context"
	"time"
)

type compositeCache struct {
	backends []Backend
}

var _ Backend = (*compositeCache)(nil)

// NewComposite returns a Backend that chains multiple backends together,
// for example an in-memory L1 in front of a shared Redis L2.
// Get checks backends in order and returns the first hit.
// Set writes to all backends.
// Clear clears all backends and returns the total removed.
// At least one backend must be provided; panics if empty.
func NewComposite(backends ...Backend) Backend {
	if len(backends) == 0 {
		panic("cache: NewComposite requires at least one backend")
	}
	return &compositeCache{backends: backends}
}

func (c *compositeCache) Get(ctx context.Context, key string) (Entry, bool, error) {
	for _, b := range c.backends {
		e, found, err := b.Get(ctx, key)
		if err != nil {
			return Entry{}, false, err
		}
		if found {
			return e, true, nil
		}
	}
	return Entry{}, false, nil
}

func (c *compositeCache) Set(ctx context.Context, key string, payload []byte, expire time.Duration) error {
	var firstErr error
	for _, b := range c.backends {
		if err := b.Set(ctx, key, payload, expire); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *compositeCache) Clear(ctx context.Context, namespace, key string) (int, error) {
	var total int
	for _, b := range c.backends {
		n, err := b.Clear(ctx, namespace, key)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}
