package config

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/agentuity/go-resultcache/cache"
	"github.com/agentuity/go-resultcache/logger"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(vals map[string]string) func(string) (string, bool) {
	return func(name string) (string, bool) {
		v, ok := vals[name]
		return v, ok
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cache.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := load("", env(nil))
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Driver)
	assert.Equal(t, "json", cfg.Coder)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, cache.DefaultQueryTimeout, cfg.QueryTimeout.Duration())
	assert.Zero(t, cfg.DefaultExpire)
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, `
driver: tiered
prefix: svc
coder: msgpack
query_timeout: 2s
default_expire: 1d12h
tiers: [memory, redis]
redis:
  url: redis://cache:6379/2
memcached:
  servers: [a:11211, b:11211]
  timeout: 500ms
dynamodb:
  table: results
  region: eu-west-1
`)
	cfg, err := load(path, env(nil))
	require.NoError(t, err)
	assert.Equal(t, "tiered", cfg.Driver)
	assert.Equal(t, "svc", cfg.Prefix)
	assert.Equal(t, "msgpack", cfg.Coder)
	assert.Equal(t, 2*time.Second, cfg.QueryTimeout.Duration())
	assert.Equal(t, 36*time.Hour, cfg.DefaultExpire.Duration())
	assert.Equal(t, []string{"memory", "redis"}, cfg.Tiers)
	assert.Equal(t, "redis://cache:6379/2", cfg.Redis.URL)
	assert.Equal(t, []string{"a:11211", "b:11211"}, cfg.Memcached.Servers)
	assert.Equal(t, 500*time.Millisecond, cfg.Memcached.Timeout.Duration())
	assert.Equal(t, "results", cfg.DynamoDB.Table)
	assert.Equal(t, "eu-west-1", cfg.DynamoDB.Region)
	assert.True(t, cfg.Enabled, "unset keys keep their defaults")
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, "driver: redis\nprefix: file\n")
	cfg, err := load(path, env(map[string]string{
		"RESULTCACHE_DRIVER":            "memcached",
		"RESULTCACHE_PREFIX":            "env",
		"RESULTCACHE_ENABLED":           "false",
		"RESULTCACHE_DEFAULT_EXPIRE":    "1w",
		"RESULTCACHE_MEMCACHED_SERVERS": "x:1, y:2,",
		"RESULTCACHE_SQLITE_PATH":       "/tmp/cache.db",
	}))
	require.NoError(t, err)
	assert.Equal(t, "memcached", cfg.Driver)
	assert.Equal(t, "env", cfg.Prefix)
	assert.False(t, cfg.Enabled)
	assert.Equal(t, 7*24*time.Hour, cfg.DefaultExpire.Duration())
	assert.Equal(t, []string{"x:1", "y:2"}, cfg.Memcached.Servers)
	assert.Equal(t, "/tmp/cache.db", cfg.SQLite.Path)
}

func TestLoadErrors(t *testing.T) {
	_, err := load(filepath.Join(t.TempDir(), "missing.yaml"), env(nil))
	assert.Error(t, err)

	_, err = load(writeConfig(t, "driver: [nope"), env(nil))
	assert.Error(t, err)

	_, err = load("", env(map[string]string{"RESULTCACHE_QUERY_TIMEOUT": "soon"}))
	assert.Error(t, err)

	_, err = load("", env(map[string]string{"RESULTCACHE_ENABLED": "maybe"}))
	assert.Error(t, err)

	_, err = load("", env(map[string]string{"RESULTCACHE_DRIVER": "postgres"}))
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = load("", env(map[string]string{"RESULTCACHE_CODER": "xml"}))
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = load("", env(map[string]string{"RESULTCACHE_DRIVER": "tiered"}))
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = load("", env(map[string]string{"RESULTCACHE_DRIVER": "tiered", "RESULTCACHE_TIERS": "memory,tiered"}))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestNewCoder(t *testing.T) {
	for name, want := range map[string]cache.Coder{
		"":        cache.JSONCoder{},
		"json":    cache.JSONCoder{},
		"msgpack": cache.MsgpackCoder{},
		"gob":     cache.GobCoder{},
	} {
		c, err := (&Config{Coder: name}).NewCoder()
		require.NoError(t, err)
		assert.Equal(t, want, c)
	}
}

func TestBackendMemory(t *testing.T) {
	b, closer, err := Default().Backend(context.Background())
	require.NoError(t, err)
	defer closer.Close()
	assert.IsType(t, &cache.InMemory{}, b)
}

func TestBackendSQLite(t *testing.T) {
	ctx := context.Background()
	cfg := Default()
	cfg.Driver = "sqlite"
	cfg.SQLite.Path = filepath.Join(t.TempDir(), "cache.db")
	b, closer, err := cfg.Backend(ctx)
	require.NoError(t, err)
	require.NoError(t, b.Set(ctx, "k", []byte("v"), time.Minute))
	e, found, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("v"), e.Payload)
	assert.NoError(t, closer.Close())
}

func TestBackendTieredRedis(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	cfg := Default()
	cfg.Driver = "tiered"
	cfg.Tiers = []string{"memory", "redis"}
	cfg.Redis.URL = "redis://" + mr.Addr() + "/0"

	b, closer, err := cfg.Backend(ctx)
	require.NoError(t, err)
	defer closer.Close()
	require.NoError(t, b.Set(ctx, "k", []byte("v"), time.Minute))
	assert.True(t, mr.Exists("k"))
}

func TestBackendBreaker(t *testing.T) {
	cfg, err := load("", env(map[string]string{
		"RESULTCACHE_BREAKER_MAX_FAILURES": "3",
		"RESULTCACHE_BREAKER_TIMEOUT":      "1m",
	}))
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Breaker.MaxFailures)
	assert.Equal(t, time.Minute, cfg.Breaker.Timeout.Duration())

	b, closer, err := cfg.Backend(context.Background())
	require.NoError(t, err)
	defer closer.Close()
	br, ok := b.(*cache.Breaker)
	require.True(t, ok)
	assert.Equal(t, cache.BreakerClosed, br.State())
}

func TestBackendRemoteDriversBuild(t *testing.T) {
	ctx := context.Background()

	cfg := Default()
	cfg.Driver = "memcached"
	_, closer, err := cfg.Backend(ctx)
	require.NoError(t, err)
	assert.NoError(t, closer.Close())

	cfg = Default()
	cfg.Driver = "dynamodb"
	cfg.DynamoDB.Endpoint = "http://localhost:8000"
	cfg.DynamoDB.AccessKeyID = "test"
	cfg.DynamoDB.SecretAccessKey = "test"
	_, closer, err = cfg.Backend(ctx)
	require.NoError(t, err)
	assert.NoError(t, closer.Close())

	cfg = Default()
	cfg.Driver = "redis"
	cfg.Redis.URL = "http://not-redis"
	_, _, err = cfg.Backend(ctx)
	assert.Error(t, err)
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()
	cfg := Default()
	cfg.Prefix = "svc"
	cfg.Coder = "msgpack"
	cfg.Enabled = false

	reg, closer, err := cfg.Registry(ctx, logger.NewTestLogger())
	require.NoError(t, err)
	defer closer.Close()
	st, err := reg.State()
	require.NoError(t, err)
	assert.Equal(t, "svc", st.Prefix)
	assert.Equal(t, cache.MsgpackCoder{}, st.Coder)
	assert.False(t, reg.Enabled())
}

func TestDurationYAMLRoundTrip(t *testing.T) {
	d, err := ParseDuration("1d2h")
	require.NoError(t, err)
	assert.Equal(t, 26*time.Hour, d.Duration())
	out, err := d.MarshalYAML()
	require.NoError(t, err)
	back, err := ParseDuration(out.(string))
	require.NoError(t, err)
	assert.Equal(t, d, back)
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

func TestBackendRedisQueryTimeout(t *testing.T) {
	ctx := context.Background()
	cfg := Default()
	cfg.Driver = "redis"
	cfg.Redis.URL = "redis://" + silentServer(t) + "/0"
	cfg.QueryTimeout = Duration(20 * time.Millisecond)

	ropts, err := cfg.redisOptions()
	require.NoError(t, err)
	assert.True(t, ropts.ContextTimeoutEnabled)

	b, closer, err := cfg.Backend(ctx)
	require.NoError(t, err)
	defer closer.Close()
	start := time.Now()
	_, _, err = b.Get(ctx, "k")
	assert.ErrorIs(t, err, cache.ErrBackendUnavailable)
	assert.Less(t, time.Since(start), 2*time.Second)
}
