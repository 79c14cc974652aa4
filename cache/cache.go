package cache

import (
	"context"
	"time"
)

// Backend is the storage contract every driver implements. Payloads are
// opaque bytes produced by a Coder and must be returned byte-for-byte.
type Backend interface {
	// Get returns the entry for key. The bool is false on a miss, including
	// when the store reports the entry as expired.
	Get(ctx context.Context, key string) (Entry, bool, error)

	// Set stores payload under key. If expire <= 0 the entry does not expire.
	Set(ctx context.Context, key string, payload []byte, expire time.Duration) error

	// Clear removes entries. A non-empty key removes exactly that entry,
	// otherwise every entry whose key starts with namespace is removed (an
	// empty namespace removes everything). It returns the number removed.
	Clear(ctx context.Context, namespace, key string) (int, error)
}

// Entry is a stored cache record as seen through a Backend.
type Entry struct {
	Key     string
	Payload []byte
	// CreatedAt and ExpireAt are zero when the store does not report them.
	CreatedAt time.Time
	ExpireAt  time.Time
	// TTL is the remaining lifetime. TTLKnown is false when the entry never
	// expires or the store cannot report a remaining TTL.
	TTL      time.Duration
	TTLKnown bool
}

// DefaultQueryTimeout is the per-operation timeout for backends that perform
// network I/O (Redis, DynamoDB, SQLite).
const DefaultQueryTimeout = 5 * time.Second

// config holds the resolved configuration for a Backend implementation.
type config struct {
	queryTimeout time.Duration
	now          func() time.Time
}

// Option configures a Backend implementation.
type Option func(*config)

func defaultConfig() config {
	return config{
		queryTimeout: DefaultQueryTimeout,
		now:          time.Now,
	}
}

func applyOptions(opts []Option) config {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithQueryTimeout sets the per-operation timeout for I/O-backed stores.
// Defaults to DefaultQueryTimeout (5 seconds). Zero disables the timeout.
func WithQueryTimeout(d time.Duration) Option {
	return func(c *config) { c.queryTimeout = d }
}

// WithClock replaces the time source used for expiry bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}

func (c config) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	if c.queryTimeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, c.queryTimeout)
}

// remaining computes the TTL fields of an entry from its absolute expiry.
func remaining(e *Entry, now time.Time) {
	if e.ExpireAt.IsZero() {
		return
	}
	e.TTL = e.ExpireAt.Sub(now)
	e.TTLKnown = true
}
