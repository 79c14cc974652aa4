package cache

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisSetGet(t *testing.T) {
	ctx := context.Background()
	_, client := newTestRedis(t)
	c := NewRedis(client)

	_, found, err := c.Get(ctx, "key")
	assert.NoError(t, err)
	assert.False(t, found)

	payload := []byte{0x00, 0xff, 0x10, 'x'}
	assert.NoError(t, c.Set(ctx, "key", payload, time.Minute))
	e, found, err := c.Get(ctx, "key")
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, payload, e.Payload)
	assert.True(t, e.TTLKnown)
	assert.Equal(t, time.Minute, e.TTL)
}

func TestRedisExpiry(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	c := NewRedis(client)

	assert.NoError(t, c.Set(ctx, "key", []byte("value"), 2*time.Second))
	_, found, err := c.Get(ctx, "key")
	assert.NoError(t, err)
	assert.True(t, found)

	// Use miniredis FastForward to simulate time passing.
	mr.FastForward(3 * time.Second)

	_, found, err = c.Get(ctx, "key")
	assert.NoError(t, err)
	assert.False(t, found)
}

func TestRedisNoExpiry(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	c := NewRedis(client)

	assert.NoError(t, c.Set(ctx, "key", []byte("value"), 0))
	assert.Equal(t, time.Duration(0), mr.TTL("key"))
	e, found, err := c.Get(ctx, "key")
	assert.NoError(t, err)
	assert.True(t, found)
	assert.False(t, e.TTLKnown)
}

func TestRedisClear(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	c := NewRedis(client)

	for _, k := range []string{"app:ns:f:1", "app:ns:f:2", "app:other:f:1", "app:n*:f:1"} {
		require.NoError(t, c.Set(ctx, k, []byte("v"), time.Minute))
	}

	n, err := c.Clear(ctx, "", "app:other:f:1")
	assert.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, mr.Exists("app:other:f:1"))

	// glob characters in the namespace are matched literally
	n, err = c.Clear(ctx, "app:n*:", "")
	assert.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, mr.Exists("app:ns:f:1"))

	n, err = c.Clear(ctx, "app:", "")
	assert.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, mr.Keys())
}

func TestRedisUnavailable(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	c := NewRedis(client, WithQueryTimeout(time.Second))
	mr.Close()

	_, _, err := c.Get(ctx, "key")
	assert.ErrorIs(t, err, ErrBackendUnavailable)
	assert.ErrorIs(t, c.Set(ctx, "key", []byte("v"), time.Minute), ErrBackendUnavailable)
	_, err = c.Clear(ctx, "", "")
	assert.ErrorIs(t, err, ErrBackendUnavailable)
}

func TestEscapeGlob(t *testing.T) {
	assert.Equal(t, `a\*b\?c\[d\]e\\`, escapeGlob(`a*b?c[d]e\`))
	assert.Equal(t, "plain:ns:", escapeGlob("plain:ns:"))
}

// silentServer accepts connections and never answers.
func silentServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	var mu sync.Mutex
	var conns []net.Conn
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, conn := range conns {
			conn.Close()
		}
	})
	return ln.Addr().String()
}

func TestRedisQueryTimeout(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:                  silentServer(t),
		ContextTimeoutEnabled: true,
	})
	t.Cleanup(func() { client.Close() })
	c := NewRedis(client, WithQueryTimeout(20*time.Millisecond))

	start := time.Now()
	_, _, err := c.Get(context.Background(), "key")
	assert.ErrorIs(t, err, ErrBackendUnavailable)
	err = c.Set(context.Background(), "key", []byte("v"), time.Minute)
	assert.ErrorIs(t, err, ErrBackendUnavailable)
	assert.Less(t, time.Since(start), 2*time.Second, "query timeout bounds socket reads")
}
