package cache

import (
	"context"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/cockroachdb/errors"
)

// maxRelativeExpiration is the largest expiration memcached reads as an
// offset in seconds; larger values are taken as a unix timestamp.
const maxRelativeExpiration = 30 * 24 * time.Hour

// MemcacheClient is the subset of *memcache.Client the Memcached backend uses.
type MemcacheClient interface {
	Get(key string) (*memcache.Item, error)
	Set(item *memcache.Item) error
	Delete(key string) error
}

var _ MemcacheClient = (*memcache.Client)(nil)

type memcachedCache struct {
	client MemcacheClient
	cfg    config
}

var _ Backend = (*memcachedCache)(nil)

// NewMemcached returns a Backend stored in memcached. Memcached cannot report
// the remaining TTL of an item, so entries are always returned with an
// unknown TTL, and it cannot enumerate keys, so Clear only works by key.
func NewMemcached(client MemcacheClient, opts ...Option) Backend {
	return &memcachedCache{
		client: client,
		cfg:    applyOptions(opts),
	}
}

func (c *memcachedCache) Get(ctx context.Context, key string) (Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, false, err
	}
	item, err := c.client.Get(key)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, unavailable(ctx, err, "memcached get")
	}
	return Entry{Key: key, Payload: item.Value}, true, nil
}

func (c *memcachedCache) Set(ctx context.Context, key string, payload []byte, expire time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	item := &memcache.Item{Key: key, Value: payload}
	switch {
	case expire <= 0:
	case expire > maxRelativeExpiration:
		item.Expiration = int32(c.cfg.now().Add(expire).Unix())
	default:
		// memcached works in whole seconds; never round a short TTL down to
		// zero, which would mean "no expiry".
		secs := int32((expire + time.Second - 1) / time.Second)
		item.Expiration = secs
	}
	if err := c.client.Set(item); err != nil {
		return unavailable(ctx, err, "memcached set")
	}
	return nil
}

func (c *memcachedCache) Clear(ctx context.Context, _ string, key string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if key == "" {
		return 0, ErrClearUnsupported
	}
	err := c.client.Delete(key)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return 0, nil
	}
	if err != nil {
		return 0, unavailable(ctx, err, "memcached delete")
	}
	return 1, nil
}
