package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// scanBatch is the COUNT hint used when clearing by namespace.
const scanBatch = 500

type redisCache struct {
	client redis.UniversalClient
	cfg    config
}

var _ Backend = (*redisCache)(nil)

// NewRedis returns a Backend stored in Redis. Expiry uses native Redis TTL.
// The caller owns the client lifecycle.
//
// go-redis only honors context deadlines on socket I/O when the client was
// built with Options.ContextTimeoutEnabled; without it WithQueryTimeout is
// bounded by the client's ReadTimeout and WriteTimeout instead.
func NewRedis(client redis.UniversalClient, opts ...Option) Backend {
	return &redisCache{
		client: client,
		cfg:    applyOptions(opts),
	}
}

func (c *redisCache) Get(ctx context.Context, key string) (Entry, bool, error) {
	qctx, cancel := c.cfg.queryCtx(ctx)
	defer cancel()
	pipe := c.client.Pipeline()
	get := pipe.Get(qctx, key)
	pttl := pipe.PTTL(qctx, key)
	_, err := pipe.Exec(qctx)
	if err != nil && err != redis.Nil {
		return Entry{}, false, unavailable(ctx, err, "redis get")
	}
	data, err := get.Bytes()
	if err == redis.Nil {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, unavailable(ctx, err, "redis get")
	}
	e := Entry{Key: key, Payload: data}
	// PTTL is -1 for keys without expiry and -2 if the key vanished between
	// the two commands; both leave the TTL unknown.
	if ttl, err := pttl.Result(); err == nil && ttl > 0 {
		e.TTL = ttl
		e.TTLKnown = true
		e.ExpireAt = c.cfg.now().Add(ttl)
	}
	return e, true, nil
}

func (c *redisCache) Set(ctx context.Context, key string, payload []byte, expire time.Duration) error {
	qctx, cancel := c.cfg.queryCtx(ctx)
	defer cancel()
	if expire < 0 {
		expire = 0
	}
	if err := c.client.Set(qctx, key, payload, expire).Err(); err != nil {
		return unavailable(ctx, err, "redis set")
	}
	return nil
}

func (c *redisCache) Clear(ctx context.Context, namespace, key string) (int, error) {
	qctx, cancel := c.cfg.queryCtx(ctx)
	defer cancel()
	if key != "" {
		n, err := c.client.Del(qctx, key).Result()
		if err != nil {
			return 0, unavailable(ctx, err, "redis del")
		}
		return int(n), nil
	}
	var (
		cursor uint64
		count  int
	)
	for {
		keys, next, err := c.client.Scan(qctx, cursor, escapeGlob(namespace)+"*", scanBatch).Result()
		if err != nil {
			return count, unavailable(ctx, err, "redis scan")
		}
		if len(keys) > 0 {
			n, err := c.client.Unlink(qctx, keys...).Result()
			if err != nil {
				return count, unavailable(ctx, err, "redis unlink")
			}
			count += int(n)
		}
		if next == 0 {
			return count, nil
		}
		cursor = next
	}
}

// escapeGlob escapes the characters SCAN MATCH treats as patterns.
func escapeGlob(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '*', '?', '[', ']', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
