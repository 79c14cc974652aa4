package cache

import (
	"context"
	"sync"

	"github.com/agentuity/go-resultcache/logger"
)

// State is the configuration bound by Registry.Init.
type State struct {
	Backend    Backend
	Coder      Coder
	KeyBuilder KeyBuilder
	Prefix     string
	Logger     logger.Logger
}

// InitOption configures the State bound by Registry.Init.
type InitOption func(*State)

// WithCoder sets the default Coder. Defaults to JSONCoder.
func WithCoder(c Coder) InitOption {
	return func(s *State) { s.Coder = c }
}

// WithKeyBuilder sets the default KeyBuilder. Defaults to DefaultKeyBuilder.
func WithKeyBuilder(kb KeyBuilder) InitOption {
	return func(s *State) { s.KeyBuilder = kb }
}

// WithPrefix sets the prefix every key starts with. Defaults to empty.
func WithPrefix(p string) InitOption {
	return func(s *State) { s.Prefix = p }
}

// WithLogger sets the logger for hit/miss tracing and store failures.
func WithLogger(l logger.Logger) InitOption {
	return func(s *State) { s.Logger = l }
}

// Registry binds a Backend, Coder, KeyBuilder and key prefix. Decorators keep
// a reference to their Registry and read its state on every call, so an Init
// after decoration activates caching for decorators built earlier.
type Registry struct {
	mu       sync.RWMutex
	state    *State
	disabled bool
}

// Default is the process-wide Registry used when no other is supplied.
var Default = NewRegistry()

// NewRegistry returns an uninitialized Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Init binds state. Calling Init again without Reset returns
// ErrAlreadyInitialized and leaves the bound state unchanged.
func (r *Registry) Init(backend Backend, opts ...InitOption) error {
	if backend == nil {
		return ErrNilBackend
	}
	s := &State{
		Backend:    backend,
		Coder:      JSONCoder{},
		KeyBuilder: DefaultKeyBuilder{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.Logger == nil {
		s.Logger = logger.NewNoop()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != nil {
		return ErrAlreadyInitialized
	}
	r.state = s
	return nil
}

// Reset clears the bound state and re-enables caching.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.state = nil
	r.disabled = false
	r.mu.Unlock()
}

// State returns the bound state or ErrNotInitialized.
func (r *Registry) State() (*State, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.state == nil {
		return nil, ErrNotInitialized
	}
	return r.state, nil
}

// SetEnabled turns caching on or off. While disabled, decorated calls run the
// wrapped computation directly and set no cache headers.
func (r *Registry) SetEnabled(enabled bool) {
	r.mu.Lock()
	r.disabled = !enabled
	r.mu.Unlock()
}

// Enabled reports whether caching is on.
func (r *Registry) Enabled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return !r.disabled
}

// Clear removes cached entries. A non-empty key removes that key; otherwise
// a namespace removes every entry of that namespace, and neither removes
// everything under the registry prefix.
func (r *Registry) Clear(ctx context.Context, namespace, key string) (int, error) {
	s, err := r.State()
	if err != nil {
		return 0, err
	}
	if key != "" {
		return s.Backend.Clear(ctx, "", key)
	}
	if namespace != "" {
		return s.Backend.Clear(ctx, s.Prefix+":"+namespace+":", "")
	}
	return s.Backend.Clear(ctx, s.Prefix+":", "")
}

type registryKey struct{}

// NewContext returns a context carrying r.
func NewContext(ctx context.Context, r *Registry) context.Context {
	return context.WithValue(ctx, registryKey{}, r)
}

// FromContext returns the Registry carried by ctx, or Default.
func FromContext(ctx context.Context) *Registry {
	if r, ok := ctx.Value(registryKey{}).(*Registry); ok && r != nil {
		return r
	}
	return Default
}
