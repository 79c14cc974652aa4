package cache

import (
	"context"
	"reflect"
	"runtime"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

var tracer = otel.Tracer("@agentuity/go-resultcache/cache")

// Status reports how a decorated call was served.
type Status string

const (
	StatusHit  Status = "HIT"
	StatusMiss Status = "MISS"
	// StatusBypass means caching was disabled on the Registry.
	StatusBypass Status = "BYPASS"
)

const (
	// DefaultInjectedNamespace scopes the request and response header the
	// HTTP wrappers place in the context.
	DefaultInjectedNamespace = "__fastcache"
	// DefaultStatusHeader is the response header carrying HIT or MISS.
	DefaultStatusHeader = "X-Cache-Status"
)

// Func is a computation that can be cached.
type Func[T any] func(ctx context.Context, args Args) (T, error)

// Result is the outcome of one decorated call.
type Result[T any] struct {
	Value  T
	Status Status
	Key    string
	// ETag is the quoted strong validator of the encoded value.
	ETag string
	// TTL is the remaining lifetime when TTLKnown is set.
	TTL      time.Duration
	TTLKnown bool
}

type settings struct {
	expire            time.Duration
	namespace         string
	coder             Coder
	keyBuilder        KeyBuilder
	identity          string
	injectedNamespace string
	statusHeader      string
	singleflight      bool
}

// DecoratorOption configures a Decorator. Settings are fixed once the
// Decorator is built.
type DecoratorOption func(*settings)

// Expire sets the TTL of stored results. Zero (the default) stores entries
// without expiration.
func Expire(d time.Duration) DecoratorOption {
	return func(s *settings) { s.expire = d }
}

// Namespace partitions keys. Defaults to "".
func Namespace(ns string) DecoratorOption {
	return func(s *settings) { s.namespace = ns }
}

// UseCoder overrides the Registry's Coder for this Decorator.
func UseCoder(c Coder) DecoratorOption {
	return func(s *settings) { s.coder = c }
}

// UseKeyBuilder overrides the Registry's KeyBuilder for this Decorator.
func UseKeyBuilder(kb KeyBuilder) DecoratorOption {
	return func(s *settings) { s.keyBuilder = kb }
}

// Identity names the computation in its keys. Defaults to the qualified
// name of the wrapped function.
func Identity(name string) DecoratorOption {
	return func(s *settings) { s.identity = name }
}

// InjectedDependencyNamespace changes the namespace under which the HTTP
// wrappers inject the request and response header into the context.
func InjectedDependencyNamespace(ns string) DecoratorOption {
	return func(s *settings) { s.injectedNamespace = ns }
}

// CacheStatusHeader changes the name of the HIT/MISS response header.
func CacheStatusHeader(name string) DecoratorOption {
	return func(s *settings) { s.statusHeader = name }
}

// Singleflight collapses concurrent misses of the same key within this
// process into one execution. It is off by default: without it concurrent
// misses each run the computation and the last write wins. The shared
// execution runs with the context of the first caller.
func Singleflight() DecoratorOption {
	return func(s *settings) { s.singleflight = true }
}

// Decorator memoizes a Func through a Registry.
type Decorator[T any] struct {
	reg   *Registry
	fn    Func[T]
	cfg   settings
	group singleflight.Group
}

// Cached wraps fn. If reg is nil the Registry is taken from the call's
// context (see NewContext), falling back to Default.
func Cached[T any](reg *Registry, fn Func[T], opts ...DecoratorOption) *Decorator[T] {
	cfg := settings{
		identity:          funcName(fn),
		injectedNamespace: DefaultInjectedNamespace,
		statusHeader:      DefaultStatusHeader,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Decorator[T]{reg: reg, fn: fn, cfg: cfg}
}

func funcName(fn any) string {
	if f := runtime.FuncForPC(reflect.ValueOf(fn).Pointer()); f != nil {
		return f.Name()
	}
	return ""
}

func (d *Decorator[T]) registry(ctx context.Context) *Registry {
	if d.reg != nil {
		return d.reg
	}
	return FromContext(ctx)
}

// Call runs the decorated computation and returns its value.
func (d *Decorator[T]) Call(ctx context.Context, args Args) (T, error) {
	res, err := d.Do(ctx, args)
	return res.Value, err
}

// Do runs the decorated computation and reports how it was served.
func (d *Decorator[T]) Do(ctx context.Context, args Args) (Result[T], error) {
	reg := d.registry(ctx)
	st, err := reg.State()
	if err != nil {
		return Result[T]{}, err
	}
	if !reg.Enabled() {
		v, err := d.fn(ctx, args)
		return Result[T]{Value: v, Status: StatusBypass}, err
	}
	return d.run(ctx, st, args, true, true)
}

// run is one invocation. read=false skips the lookup, store=false skips the
// write; both are used for request Cache-Control directives.
func (d *Decorator[T]) run(ctx context.Context, st *State, args Args, read, store bool) (Result[T], error) {
	ctx, span := tracer.Start(ctx, "cache.Call", trace.WithAttributes(
		attribute.String("cache.identity", d.cfg.identity),
		attribute.String("cache.namespace", d.cfg.namespace),
	))
	defer span.End()

	res, err := d.serve(ctx, st, args, read, store)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return res, err
	}
	span.SetAttributes(attribute.String("cache.key", res.Key), attribute.String("cache.status", string(res.Status)))
	return res, nil
}

func (d *Decorator[T]) serve(ctx context.Context, st *State, args Args, read, store bool) (Result[T], error) {
	coder := d.cfg.coder
	if coder == nil {
		coder = st.Coder
	}
	kb := d.cfg.keyBuilder
	if kb == nil {
		kb = st.KeyBuilder
	}
	key, err := kb.BuildKey(ctx, Call{
		Identity:  d.cfg.identity,
		Namespace: d.cfg.namespace,
		Prefix:    st.Prefix,
		Args:      args,
	})
	if err != nil {
		return Result[T]{}, err
	}

	if read {
		e, found, err := st.Backend.Get(ctx, key)
		if err != nil {
			return Result[T]{}, err
		}
		if found {
			var v T
			if err := coder.Decode(e.Payload, &v); err != nil {
				return Result[T]{}, err
			}
			st.Logger.Trace("cache hit %s", key)
			return Result[T]{
				Value:    v,
				Status:   StatusHit,
				Key:      key,
				ETag:     ETag(e.Payload),
				TTL:      e.TTL,
				TTLKnown: e.TTLKnown,
			}, nil
		}
	}

	st.Logger.Trace("cache miss %s", key)
	v, payload, err := d.execute(ctx, st, coder, key, args, store)
	if err != nil {
		return Result[T]{Value: v}, err
	}
	return Result[T]{
		Value:    v,
		Status:   StatusMiss,
		Key:      key,
		ETag:     ETag(payload),
		TTL:      d.cfg.expire,
		TTLKnown: d.cfg.expire > 0,
	}, nil
}

type executed[T any] struct {
	value   T
	payload []byte
}

func (d *Decorator[T]) execute(ctx context.Context, st *State, coder Coder, key string, args Args, store bool) (T, []byte, error) {
	if !d.cfg.singleflight {
		return d.executeOnce(ctx, st, coder, key, args, store)
	}
	out, err, _ := d.group.Do(key+"|"+strconv.FormatBool(store), func() (any, error) {
		v, payload, err := d.executeOnce(ctx, st, coder, key, args, store)
		return executed[T]{v, payload}, err
	})
	r, _ := out.(executed[T])
	return r.value, r.payload, err
}

// executeOnce runs the computation and stores the encoded result. Failed
// or cancelled executions are never stored.
func (d *Decorator[T]) executeOnce(ctx context.Context, st *State, coder Coder, key string, args Args, store bool) (T, []byte, error) {
	v, err := d.fn(ctx, args)
	if err != nil {
		return v, nil, err
	}
	if err := ctx.Err(); err != nil {
		return v, nil, err
	}
	payload, err := coder.Encode(v)
	if err != nil {
		return v, nil, err
	}
	if store {
		if err := st.Backend.Set(ctx, key, payload, d.cfg.expire); err != nil {
			st.Logger.Error("cache store failed for %s: %s", key, err)
			return v, nil, err
		}
	}
	return v, payload, nil
}
