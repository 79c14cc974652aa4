// Package cache memoizes the results of functions and HTTP handlers in a
// pluggable key-value Backend.
//
// # Registry
//
// A [Registry] binds a [Backend], a [Coder], a [KeyBuilder] and a key prefix.
// It is initialized once with [Registry.Init]; a second Init without
// [Registry.Reset] returns [ErrAlreadyInitialized]. Decorators keep a
// reference to their Registry and read its state on every call, so they can
// be built before Init runs:
//
//	reg := cache.NewRegistry()
//	getUser := cache.Cached(reg, loadUser, cache.Expire(time.Minute), cache.Namespace("users"))
//	_ = reg.Init(cache.NewRedis(client), cache.WithPrefix("api"))
//	user, err := getUser.Call(ctx, cache.Args{Positional: []any{42}})
//
// Calls made before Init fail with [ErrNotInitialized].
//
// # Backends
//
//   - [NewInMemory]: process-local map behind one mutex. Expired entries are
//     evicted when next read; there is no background sweep.
//   - [NewRedis]: native Redis TTL, remaining TTL read with PTTL.
//   - [NewMemcached]: native memcached expiration. Remaining TTL is always
//     unknown and Clear only works by key.
//   - [NewDynamoDB]: items carry an expire_at attribute suitable for the
//     table's TTL feature.
//   - [NewSQLite]: single-node persistence with modernc.org/sqlite.
//   - [NewComposite]: tiers several backends, first hit wins.
//   - [NewBreaker]: wraps a backend and fails fast after repeated
//     unavailable errors.
//
// Backend I/O failures are marked with [ErrBackendUnavailable] and returned
// to the caller. There is no fallback to uncached execution.
//
// # Keys
//
// [DefaultKeyBuilder] produces {prefix}:{namespace}:{identity}:{hash}, where
// the hash covers the identity, namespace, positional arguments in order and
// keyword arguments sorted by name.
//
// # HTTP
//
// [Handler] and [Middleware] cache GET and HEAD responses. They set the
// cache status header (HIT or MISS), an ETag and, when the entry expires,
// Cache-Control: max-age. A hit whose ETag matches If-None-Match is answered
// with 304 Not Modified. The request is available to the wrapped code via
// [RequestFromContext] and the outgoing headers via [ResponseHeaderFromContext].
//
// # Stampedes
//
// Concurrent misses of one key each execute the computation and the last
// write wins, unless the Decorator is built with [Singleflight].
package cache
