// Package config loads the result cache configuration and builds the
// configured Backend and Registry from it.
//
// Values are read from an optional YAML file and then overridden by
// environment variables. A .env file in the working directory is loaded
// first when present.
//
// Environment Variables:
//
//   - RESULTCACHE_DRIVER: memory, redis, memcached, dynamodb, sqlite or tiered (default: memory)
//   - RESULTCACHE_PREFIX: key prefix (default: empty)
//   - RESULTCACHE_CODER: json, msgpack or gob (default: json)
//   - RESULTCACHE_ENABLED: false bypasses caching (default: true)
//   - RESULTCACHE_QUERY_TIMEOUT: per-operation backend timeout (default: 5s)
//   - RESULTCACHE_DEFAULT_EXPIRE: TTL used by callers that do not pick one (default: 0, no expiry)
//   - RESULTCACHE_REDIS_URL: redis:// or rediss:// URL (default: redis://localhost:6379/0)
//   - RESULTCACHE_MEMCACHED_SERVERS: comma separated host:port list (default: localhost:11211)
//   - RESULTCACHE_DYNAMODB_TABLE, RESULTCACHE_DYNAMODB_REGION, RESULTCACHE_DYNAMODB_ENDPOINT
//   - RESULTCACHE_SQLITE_PATH: database file, empty or :memory: for in-memory
//   - RESULTCACHE_TIERS: comma separated drivers for the tiered driver, nearest first
//   - RESULTCACHE_BREAKER_MAX_FAILURES, RESULTCACHE_BREAKER_TIMEOUT: circuit breaker around the backend
//
// Durations accept day and week units, for example "1d12h".
package config

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/agentuity/go-resultcache/cache"
	"github.com/agentuity/go-resultcache/logger"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/bradfitz/gomemcache/memcache"
	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/xhit/go-str2duration/v2"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "RESULTCACHE_"

var ErrInvalidConfig = errors.New("invalid cache configuration")

// Duration is a time.Duration that reads from strings such as "90s" or "1d".
type Duration time.Duration

func ParseDuration(s string) (Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := str2duration.ParseDuration(s)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid duration %q", s)
	}
	return Duration(d), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := ParseDuration(s)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return str2duration.String(time.Duration(d)), nil
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

type RedisConfig struct {
	URL string `yaml:"url"`
}

type MemcachedConfig struct {
	Servers []string `yaml:"servers"`
	Timeout Duration `yaml:"timeout"`
}

type DynamoDBConfig struct {
	Table           string `yaml:"table"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
}

// BreakerConfig wraps the backend in a circuit breaker when MaxFailures > 0.
type BreakerConfig struct {
	MaxFailures int      `yaml:"max_failures"`
	Timeout     Duration `yaml:"timeout"`
}

type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// Config is the complete cache configuration.
type Config struct {
	Driver        string          `yaml:"driver"`
	Prefix        string          `yaml:"prefix"`
	Coder         string          `yaml:"coder"`
	Enabled       bool            `yaml:"enabled"`
	QueryTimeout  Duration        `yaml:"query_timeout"`
	DefaultExpire Duration        `yaml:"default_expire"`
	Tiers         []string        `yaml:"tiers"`
	Redis         RedisConfig     `yaml:"redis"`
	Memcached     MemcachedConfig `yaml:"memcached"`
	DynamoDB      DynamoDBConfig  `yaml:"dynamodb"`
	SQLite        SQLiteConfig    `yaml:"sqlite"`
	Breaker       BreakerConfig   `yaml:"breaker"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Driver:       "memory",
		Coder:        "json",
		Enabled:      true,
		QueryTimeout: Duration(cache.DefaultQueryTimeout),
		Redis:        RedisConfig{URL: "redis://localhost:6379/0"},
		Memcached:    MemcachedConfig{Servers: []string{"localhost:11211"}},
		DynamoDB:     DynamoDBConfig{Table: "resultcache", Region: "us-east-1"},
	}
}

// Load reads path (skipped when empty) and applies environment overrides.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()
	if path != "" {
		buf, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read config %s", path)
		}
		if err := yaml.Unmarshal(buf, cfg); err != nil {
			return nil, errors.Wrapf(err, "failed to parse config %s", path)
		}
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func splitList(val string) []string {
	var out []string
	for _, s := range strings.Split(val, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	dur := func(name string, dst *Duration) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			return nil
		}
		d, err := ParseDuration(v)
		if err != nil {
			return errors.Wrapf(err, "%s%s", EnvPrefix, name)
		}
		*dst = d
		return nil
	}
	list := func(name string, dst *[]string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = splitList(v)
		}
	}

	str("DRIVER", &c.Driver)
	str("PREFIX", &c.Prefix)
	str("CODER", &c.Coder)
	if v, ok := lookup(EnvPrefix + "ENABLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errors.Wrapf(err, "%sENABLED", EnvPrefix)
		}
		c.Enabled = b
	}
	if err := dur("QUERY_TIMEOUT", &c.QueryTimeout); err != nil {
		return err
	}
	if err := dur("DEFAULT_EXPIRE", &c.DefaultExpire); err != nil {
		return err
	}
	list("TIERS", &c.Tiers)
	str("REDIS_URL", &c.Redis.URL)
	list("MEMCACHED_SERVERS", &c.Memcached.Servers)
	str("DYNAMODB_TABLE", &c.DynamoDB.Table)
	str("DYNAMODB_REGION", &c.DynamoDB.Region)
	str("DYNAMODB_ENDPOINT", &c.DynamoDB.Endpoint)
	str("SQLITE_PATH", &c.SQLite.Path)
	if v, ok := lookup(EnvPrefix + "BREAKER_MAX_FAILURES"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(err, "%sBREAKER_MAX_FAILURES", EnvPrefix)
		}
		c.Breaker.MaxFailures = n
	}
	return dur("BREAKER_TIMEOUT", &c.Breaker.Timeout)
}

var drivers = map[string]bool{
	"memory":    true,
	"redis":     true,
	"memcached": true,
	"dynamodb":  true,
	"sqlite":    true,
	"tiered":    true,
}

// Validate checks the configuration without connecting to anything.
func (c *Config) Validate() error {
	if !drivers[c.Driver] {
		return errors.Wrapf(ErrInvalidConfig, "unknown driver %q", c.Driver)
	}
	if _, err := c.NewCoder(); err != nil {
		return err
	}
	if c.QueryTimeout < 0 || c.DefaultExpire < 0 {
		return errors.Wrap(ErrInvalidConfig, "durations must not be negative")
	}
	if c.Driver == "tiered" {
		if len(c.Tiers) == 0 {
			return errors.Wrap(ErrInvalidConfig, "tiered driver requires tiers")
		}
		for _, t := range c.Tiers {
			if t == "tiered" || !drivers[t] {
				return errors.Wrapf(ErrInvalidConfig, "invalid tier %q", t)
			}
		}
	}
	return nil
}

// NewCoder returns the configured Coder.
func (c *Config) NewCoder() (cache.Coder, error) {
	switch c.Coder {
	case "", "json":
		return cache.JSONCoder{}, nil
	case "msgpack":
		return cache.MsgpackCoder{}, nil
	case "gob":
		return cache.GobCoder{}, nil
	}
	return nil, errors.Wrapf(ErrInvalidConfig, "unknown coder %q", c.Coder)
}

// Closer releases the connections opened by Backend.
type Closer []func() error

func (c Closer) Close() error {
	var errs []error
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Backend builds the configured driver. The returned Closer must be closed
// when the backend is no longer used.
func (c *Config) Backend(ctx context.Context) (cache.Backend, Closer, error) {
	b, closer, err := c.backend(ctx)
	if err != nil || c.Breaker.MaxFailures <= 0 {
		return b, closer, err
	}
	return cache.NewBreaker(b, cache.BreakerConfig{
		MaxFailures: c.Breaker.MaxFailures,
		Timeout:     c.Breaker.Timeout.Duration(),
	}), closer, nil
}

func (c *Config) backend(ctx context.Context) (cache.Backend, Closer, error) {
	var closer Closer
	if c.Driver != "tiered" {
		b, err := c.driver(ctx, c.Driver, &closer)
		if err != nil {
			_ = closer.Close()
			return nil, nil, err
		}
		return b, closer, nil
	}
	tiers := make([]cache.Backend, 0, len(c.Tiers))
	for _, name := range c.Tiers {
		b, err := c.driver(ctx, name, &closer)
		if err != nil {
			_ = closer.Close()
			return nil, nil, err
		}
		tiers = append(tiers, b)
	}
	return cache.NewComposite(tiers...), closer, nil
}

// redisOptions parses the redis URL. Context deadlines are enabled so the
// query timeout bounds socket I/O.
func (c *Config) redisOptions() (*redis.Options, error) {
	ropts, err := redis.ParseURL(c.Redis.URL)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid redis url")
	}
	ropts.ContextTimeoutEnabled = true
	return ropts, nil
}

func (c *Config) driver(ctx context.Context, name string, closer *Closer) (cache.Backend, error) {
	opts := []cache.Option{cache.WithQueryTimeout(c.QueryTimeout.Duration())}
	switch name {
	case "memory":
		return cache.NewInMemory(opts...), nil
	case "redis":
		ropts, err := c.redisOptions()
		if err != nil {
			return nil, err
		}
		client := redis.NewClient(ropts)
		*closer = append(*closer, client.Close)
		return cache.NewRedis(client, opts...), nil
	case "memcached":
		if len(c.Memcached.Servers) == 0 {
			return nil, errors.Wrap(ErrInvalidConfig, "memcached requires at least one server")
		}
		client := memcache.New(c.Memcached.Servers...)
		if c.Memcached.Timeout > 0 {
			client.Timeout = c.Memcached.Timeout.Duration()
		}
		*closer = append(*closer, client.Close)
		return cache.NewMemcached(client, opts...), nil
	case "dynamodb":
		client, err := c.dynamoClient(ctx)
		if err != nil {
			return nil, err
		}
		return cache.NewDynamoDB(client, c.DynamoDB.Table, opts...), nil
	case "sqlite":
		db, err := cache.NewSQLite(ctx, c.SQLite.Path, opts...)
		if err != nil {
			return nil, err
		}
		*closer = append(*closer, db.Close)
		return db, nil
	}
	return nil, errors.Wrapf(ErrInvalidConfig, "unknown driver %q", name)
}

func (c *Config) dynamoClient(ctx context.Context) (*dynamodb.Client, error) {
	loadOpts := []func(*awsConfig.LoadOptions) error{awsConfig.WithRegion(c.DynamoDB.Region)}
	if c.DynamoDB.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsConfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			c.DynamoDB.AccessKeyID,
			c.DynamoDB.SecretAccessKey,
			c.DynamoDB.SessionToken,
		)))
	}
	awsCfg, err := awsConfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load AWS config")
	}
	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if c.DynamoDB.Endpoint != "" {
			o.BaseEndpoint = aws.String(c.DynamoDB.Endpoint)
		}
	}), nil
}

// InitOptions returns the Registry options implied by the configuration.
func (c *Config) InitOptions(log logger.Logger) ([]cache.InitOption, error) {
	coder, err := c.NewCoder()
	if err != nil {
		return nil, err
	}
	opts := []cache.InitOption{cache.WithCoder(coder), cache.WithPrefix(c.Prefix)}
	if log != nil {
		opts = append(opts, cache.WithLogger(log))
	}
	return opts, nil
}

// Registry builds the backend and returns a Registry initialized with it.
func (c *Config) Registry(ctx context.Context, log logger.Logger) (*cache.Registry, Closer, error) {
	backend, closer, err := c.Backend(ctx)
	if err != nil {
		return nil, nil, err
	}
	opts, err := c.InitOptions(log)
	if err != nil {
		_ = closer.Close()
		return nil, nil, err
	}
	reg := cache.NewRegistry()
	if err := reg.Init(backend, opts...); err != nil {
		_ = closer.Close()
		return nil, nil, err
	}
	reg.SetEnabled(c.Enabled)
	return reg, closer, nil
}
