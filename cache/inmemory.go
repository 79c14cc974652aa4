package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

type value struct {
	payload   []byte
	createdAt time.Time
	expires   time.Time
}

// InMemory is a Backend holding entries in a process-local map.
type InMemory struct {
	cache map[string]*value
	mutex sync.Mutex
	cfg   config
}

var _ Backend = (*InMemory)(nil)

// NewInMemory returns a new in-memory Backend.
//
// Expired entries are evicted lazily when they are next read. There is no
// background sweep, so memory held by an expired entry is only reclaimed
// by a Get of that key or by Clear.
func NewInMemory(opts ...Option) *InMemory {
	return &InMemory{
		cache: make(map[string]*value),
		cfg:   applyOptions(opts),
	}
}

func (c *InMemory) Get(ctx context.Context, key string) (Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, false, err
	}
	now := c.cfg.now()
	c.mutex.Lock()
	val, ok := c.cache[key]
	if ok && !val.expires.IsZero() && !val.expires.After(now) {
		delete(c.cache, key)
		ok = false
	}
	c.mutex.Unlock()
	if !ok {
		return Entry{}, false, nil
	}
	e := Entry{
		Key:       key,
		Payload:   val.payload,
		CreatedAt: val.createdAt,
		ExpireAt:  val.expires,
	}
	remaining(&e, now)
	return e, true, nil
}

func (c *InMemory) Set(ctx context.Context, key string, payload []byte, expire time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := c.cfg.now()
	v := &value{payload: payload, createdAt: now}
	if expire > 0 {
		v.expires = now.Add(expire)
	}
	c.mutex.Lock()
	c.cache[key] = v
	c.mutex.Unlock()
	return nil
}

func (c *InMemory) Clear(ctx context.Context, namespace, key string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if key != "" {
		if _, ok := c.cache[key]; ok {
			delete(c.cache, key)
			return 1, nil
		}
		return 0, nil
	}
	var count int
	for k := range c.cache {
		if strings.HasPrefix(k, namespace) {
			delete(c.cache, k)
			count++
		}
	}
	return count, nil
}

// Len returns the number of entries physically held, expired or not.
func (c *InMemory) Len() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.cache)
}
