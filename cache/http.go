package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
)

// ETag returns the quoted strong validator of an encoded payload.
func ETag(payload []byte) string {
	return `"` + strconv.FormatUint(xxhash.Sum64(payload), 16) + `"`
}

// ETagMatches reports whether an If-None-Match header value matches etag.
// The header may list several validators or be "*". Weak prefixes and
// missing quotes are normalized before the exact comparison.
func ETagMatches(ifNoneMatch, etag string) bool {
	if ifNoneMatch == "" || etag == "" {
		return false
	}
	for _, candidate := range strings.Split(ifNoneMatch, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" {
			return true
		}
		candidate = strings.TrimPrefix(candidate, "W/")
		if !strings.HasPrefix(candidate, `"`) {
			candidate = `"` + strings.Trim(candidate, `"`) + `"`
		}
		if candidate == etag {
			return true
		}
	}
	return false
}

type injectedKey struct{ namespace string }

type injected struct {
	request *http.Request
	header  http.Header
}

// InjectedRequest returns the request injected under namespace.
func InjectedRequest(ctx context.Context, namespace string) (*http.Request, bool) {
	v, ok := ctx.Value(injectedKey{namespace}).(*injected)
	if !ok {
		return nil, false
	}
	return v.request, true
}

// InjectedResponseHeader returns the response header injected under
// namespace. Values set on it are sent with the response.
func InjectedResponseHeader(ctx context.Context, namespace string) (http.Header, bool) {
	v, ok := ctx.Value(injectedKey{namespace}).(*injected)
	if !ok {
		return nil, false
	}
	return v.header, true
}

// RequestFromContext returns the request injected by a cached handler
// using DefaultInjectedNamespace.
func RequestFromContext(ctx context.Context) (*http.Request, bool) {
	return InjectedRequest(ctx, DefaultInjectedNamespace)
}

// ResponseHeaderFromContext returns the response header injected by a
// cached handler using DefaultInjectedNamespace.
func ResponseHeaderFromContext(ctx context.Context) (http.Header, bool) {
	return InjectedResponseHeader(ctx, DefaultInjectedNamespace)
}

// inject adds r and header to ctx unless ctx already carries them for the
// namespace.
func inject(ctx context.Context, namespace string, r *http.Request, header http.Header) context.Context {
	if _, ok := ctx.Value(injectedKey{namespace}).(*injected); ok {
		return ctx
	}
	return context.WithValue(ctx, injectedKey{namespace}, &injected{request: r, header: header})
}

func cacheableMethod(r *http.Request) bool {
	return r.Method == http.MethodGet || r.Method == http.MethodHead
}

// requestPolicy applies the request's Cache-Control directives: no-store
// bypasses the cache entirely, no-cache refreshes the stored entry.
func requestPolicy(r *http.Request) (read, store bool) {
	read, store = true, true
	for _, directive := range strings.Split(r.Header.Get("Cache-Control"), ",") {
		switch strings.ToLower(strings.TrimSpace(directive)) {
		case "no-store":
			read, store = false, false
		case "no-cache":
			read = false
		}
	}
	return read, store
}

// requestArgs keys a request by method, path and query. HEAD shares the
// entry of GET.
func requestArgs(r *http.Request) Args {
	method := r.Method
	if method == http.MethodHead {
		method = http.MethodGet
	}
	query := r.URL.Query()
	kw := make(map[string]any, len(query))
	for k, v := range query {
		kw[k] = v
	}
	return Args{Positional: []any{method, r.URL.Path}, Keyword: kw}
}

func writeCacheHeaders[T any](h http.Header, statusHeader string, res Result[T]) {
	h.Set(statusHeader, string(res.Status))
	h.Set("ETag", res.ETag)
	if res.TTLKnown {
		// round up so a fresh hit advertises the same lifetime as the miss
		secs := int64((res.TTL + time.Second - 1) / time.Second)
		if secs < 0 {
			secs = 0
		}
		h.Set("Cache-Control", "max-age="+strconv.FormatInt(secs, 10))
	}
}

// StatusCoder is implemented by errors that carry an HTTP status.
type StatusCoder interface {
	StatusCode() int
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	var sc StatusCoder
	if errors.As(err, &sc) {
		code = sc.StatusCode()
	}
	http.Error(w, http.StatusText(code), code)
}

// HandlerFunc produces the value of a typed HTTP endpoint.
type HandlerFunc[T any] func(ctx context.Context, r *http.Request) (T, error)

type cachedHandler[T any] struct {
	d  *Decorator[T]
	fn HandlerFunc[T]
}

// Handler returns an http.Handler serving fn's value as JSON with its result
// cached per method, path and query. GET and HEAD requests are cached;
// other methods call fn directly. A cache hit whose ETag matches the
// request's If-None-Match is answered with 304 Not Modified.
func Handler[T any](reg *Registry, fn HandlerFunc[T], opts ...DecoratorOption) http.Handler {
	h := &cachedHandler[T]{fn: fn}
	var d *Decorator[T]
	call := func(ctx context.Context, _ Args) (T, error) {
		r, _ := InjectedRequest(ctx, d.cfg.injectedNamespace)
		return fn(ctx, r.WithContext(ctx))
	}
	d = Cached(reg, call, append([]DecoratorOption{Identity(funcName(fn))}, opts...)...)
	h.d = d
	return h
}

func (h *cachedHandler[T]) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	d := h.d
	ctx := inject(r.Context(), d.cfg.injectedNamespace, r, w.Header())
	r = r.WithContext(ctx)

	reg := d.registry(ctx)
	if !cacheableMethod(r) || !reg.Enabled() {
		v, err := h.fn(ctx, r)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, r, http.StatusOK, v)
		return
	}
	st, err := reg.State()
	if err != nil {
		writeError(w, err)
		return
	}
	read, store := requestPolicy(r)
	res, err := d.run(ctx, st, requestArgs(r), read, store)
	if err != nil {
		writeError(w, err)
		return
	}
	writeCacheHeaders(w.Header(), d.cfg.statusHeader, res)
	if res.Status == StatusHit && ETagMatches(r.Header.Get("If-None-Match"), res.ETag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	writeJSON(w, r, http.StatusOK, res.Value)
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	if r.Method != http.MethodHead {
		_, _ = w.Write(body)
	}
}

// Response is a complete HTTP response as cached by Middleware.
type Response struct {
	Status int         `json:"status" msgpack:"status"`
	Header http.Header `json:"header" msgpack:"header"`
	Body   []byte      `json:"body" msgpack:"body"`
}

// uncacheable carries a non-2xx response out of the cached computation so
// it is served but never stored.
type uncacheable struct {
	resp Response
}

func (u *uncacheable) Error() string {
	return "cache: response status " + strconv.Itoa(u.resp.Status) + " is not cacheable"
}

type recorder struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (rec *recorder) Header() http.Header { return rec.header }

func (rec *recorder) WriteHeader(code int) {
	if rec.status == 0 {
		rec.status = code
	}
}

func (rec *recorder) Write(p []byte) (int, error) {
	if rec.status == 0 {
		rec.status = http.StatusOK
	}
	return rec.body.Write(p)
}

// Middleware caches complete responses (status, headers and body) of GET
// and HEAD requests. Only 2xx responses are stored. The identity defaults
// to "http"; keys include method, path and query.
func Middleware(reg *Registry, opts ...DecoratorOption) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		var d *Decorator[Response]
		call := func(ctx context.Context, _ Args) (Response, error) {
			r, _ := InjectedRequest(ctx, d.cfg.injectedNamespace)
			rec := &recorder{header: make(http.Header)}
			// headers set through the context must land in the stored response
			ctx = context.WithValue(ctx, injectedKey{d.cfg.injectedNamespace}, &injected{request: r, header: rec.header})
			r = r.WithContext(ctx)
			if r.Method == http.MethodHead {
				// HEAD shares the GET entry, so record the full body
				r.Method = http.MethodGet
			}
			next.ServeHTTP(rec, r)
			if rec.status == 0 {
				rec.status = http.StatusOK
			}
			resp := Response{Status: rec.status, Header: rec.header, Body: rec.body.Bytes()}
			if resp.Status < 200 || resp.Status > 299 {
				return resp, &uncacheable{resp}
			}
			return resp, nil
		}
		d = Cached(reg, call, append([]DecoratorOption{Identity("http")}, opts...)...)

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reg := d.registry(r.Context())
			if !cacheableMethod(r) || !reg.Enabled() {
				next.ServeHTTP(w, r)
				return
			}
			st, err := reg.State()
			if err != nil {
				writeError(w, err)
				return
			}
			ctx := inject(r.Context(), d.cfg.injectedNamespace, r, w.Header())
			read, store := requestPolicy(r)
			res, err := d.run(ctx, st, requestArgs(r), read, store)
			var u *uncacheable
			if errors.As(err, &u) {
				writeResponse(w, r, u.resp)
				return
			}
			if err != nil {
				writeError(w, err)
				return
			}
			writeCacheHeaders(w.Header(), d.cfg.statusHeader, res)
			if res.Status == StatusHit && ETagMatches(r.Header.Get("If-None-Match"), res.ETag) {
				w.WriteHeader(http.StatusNotModified)
				return
			}
			writeResponse(w, r, res.Value)
		})
	}
}

func writeResponse(w http.ResponseWriter, r *http.Request, resp Response) {
	h := w.Header()
	for k, v := range resp.Header {
		if _, set := h[k]; set {
			continue
		}
		h[k] = v
	}
	w.WriteHeader(resp.Status)
	if r.Method != http.MethodHead {
		_, _ = w.Write(resp.Body)
	}
}
