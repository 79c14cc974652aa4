package cache

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// ErrBreakerOpen is returned while a Breaker rejects calls. It is also
// marked ErrBackendUnavailable.
var ErrBreakerOpen = errors.New("cache: circuit breaker is open")

// BreakerState is the state of a Breaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerHalfOpen
	BreakerOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	case BreakerOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerConfig configures a Breaker.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive unavailable errors that open
	// the circuit.
	MaxFailures int
	// Timeout is how long the circuit stays open before a probe is allowed.
	Timeout time.Duration
	// SuccessThreshold is the number of successful probes that close it again.
	SuccessThreshold int
}

// DefaultBreakerConfig returns the configuration used for zero fields.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxFailures:      5,
		Timeout:          30 * time.Second,
		SuccessThreshold: 1,
	}
}

// Breaker is a Backend that stops calling a failing store. Only errors
// marked ErrBackendUnavailable count as failures; misses, decode problems
// and cancellations do not. While open, calls fail fast so a dead remote
// store costs a decorated call nothing but the computation itself.
type Breaker struct {
	backend Backend
	config  BreakerConfig
	now     func() time.Time

	mu        sync.Mutex
	state     BreakerState
	failures  int
	successes int
	probing   bool
	openedAt  time.Time
}

var _ Backend = (*Breaker)(nil)

// NewBreaker wraps backend. Only WithClock is honored among opts.
func NewBreaker(backend Backend, config BreakerConfig, opts ...Option) *Breaker {
	def := DefaultBreakerConfig()
	if config.MaxFailures <= 0 {
		config.MaxFailures = def.MaxFailures
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = def.SuccessThreshold
	}
	return &Breaker{
		backend: backend,
		config:  config,
		now:     applyOptions(opts).now,
	}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && !b.now().Before(b.openedAt.Add(b.config.Timeout)) {
		return BreakerHalfOpen
	}
	return b.state
}

func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerOpen:
		if b.now().Before(b.openedAt.Add(b.config.Timeout)) {
			return mark(ErrBreakerOpen, ErrBackendUnavailable)
		}
		b.state = BreakerHalfOpen
		b.successes = 0
		fallthrough
	case BreakerHalfOpen:
		// one probe at a time
		if b.probing {
			return mark(ErrBreakerOpen, ErrBackendUnavailable)
		}
		b.probing = true
	}
	return nil
}

// after records the outcome of a call. Errors seen after the caller gave up
// say nothing about the store; query timeouts do.
func (b *Breaker) after(ctx context.Context, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	half := b.state == BreakerHalfOpen
	if half {
		b.probing = false
	}
	if err != nil && ctx.Err() != nil {
		return
	}
	if errors.Is(err, ErrBackendUnavailable) {
		b.failures++
		if half || b.failures >= b.config.MaxFailures {
			b.state = BreakerOpen
			b.openedAt = b.now()
		}
		return
	}
	if half {
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.state = BreakerClosed
			b.failures = 0
		}
		return
	}
	b.failures = 0
}

func (b *Breaker) Get(ctx context.Context, key string) (Entry, bool, error) {
	if err := b.before(); err != nil {
		return Entry{}, false, err
	}
	e, found, err := b.backend.Get(ctx, key)
	b.after(ctx, err)
	return e, found, err
}

func (b *Breaker) Set(ctx context.Context, key string, payload []byte, expire time.Duration) error {
	if err := b.before(); err != nil {
		return err
	}
	err := b.backend.Set(ctx, key, payload, expire)
	b.after(ctx, err)
	return err
}

func (b *Breaker) Clear(ctx context.Context, namespace, key string) (int, error) {
	if err := b.before(); err != nil {
		return 0, err
	}
	n, err := b.backend.Clear(ctx, namespace, key)
	b.after(ctx, err)
	return n, err
}
