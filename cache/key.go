package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"reflect"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
)

// Args are the inputs of one call of a cached computation.
type Args struct {
	Positional []any
	Keyword    map[string]any
}

// Call describes one invocation to a KeyBuilder.
type Call struct {
	Identity  string
	Namespace string
	Prefix    string
	Args      Args
}

// KeyBuilder derives the cache key for a call.
//
// Contract:
// - Determinism: same call must produce the same key, regardless of map or
// keyword ordering.
// - Concurrency: implementations must be safe for concurrent use.
type KeyBuilder interface {
	BuildKey(ctx context.Context, call Call) (string, error)
}

// KeyBuilderFunc adapts a function to a KeyBuilder. Custom builders are free
// to ignore the identity and key on request attributes instead.
type KeyBuilderFunc func(ctx context.Context, call Call) (string, error)

func (f KeyBuilderFunc) BuildKey(ctx context.Context, call Call) (string, error) {
	return f(ctx, call)
}

// DefaultKeyBuilder hashes a canonical rendering of the call.
// Format: {prefix}:{namespace}:{identity}:{hash}
// where hash is the first 16 bytes of SHA-256 in hex.
type DefaultKeyBuilder struct{}

var _ KeyBuilder = DefaultKeyBuilder{}

func (DefaultKeyBuilder) BuildKey(_ context.Context, call Call) (string, error) {
	var sb strings.Builder
	sb.WriteString(call.Identity)
	sb.WriteByte('|')
	sb.WriteString(call.Namespace)
	sb.WriteByte('|')
	for i, arg := range call.Args.Positional {
		if i > 0 {
			sb.WriteByte(',')
		}
		if err := canonicalize(&sb, arg); err != nil {
			return "", errors.Wrapf(err, "cache: failed to canonicalize argument %d", i)
		}
	}
	sb.WriteByte('|')
	names := make([]string, 0, len(call.Args.Keyword))
	for name := range call.Args.Keyword {
		names = append(names, name)
	}
	sort.Strings(names)
	for i, name := range names {
		if i > 0 {
			sb.WriteByte(',')
		}
		if err := writeCanonicalJSON(&sb, name); err != nil {
			return "", err
		}
		sb.WriteByte('=')
		if err := canonicalize(&sb, call.Args.Keyword[name]); err != nil {
			return "", errors.Wrapf(err, "cache: failed to canonicalize argument %q", name)
		}
	}
	sum := sha256.Sum256([]byte(sb.String()))
	return call.Prefix + ":" + call.Namespace + ":" + call.Identity + ":" + hex.EncodeToString(sum[:16]), nil
}

// canonicalize writes a deterministic JSON rendering of v. Maps of any key
// type are emitted sorted by their rendered key.
func canonicalize(sb *strings.Builder, v any) error {
	if v == nil {
		sb.WriteString("null")
		return nil
	}
	switch val := v.(type) {
	case map[string]any:
		return canonicalizeMap(sb, reflect.ValueOf(val))
	case []any:
		return canonicalizeSlice(sb, reflect.ValueOf(val))
	case json.Marshaler:
		return writeCanonicalJSON(sb, v)
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		return canonicalizeMap(sb, rv)
	case reflect.Slice, reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return writeCanonicalJSON(sb, v)
		}
		return canonicalizeSlice(sb, rv)
	case reflect.Pointer:
		if rv.IsNil() {
			sb.WriteString("null")
			return nil
		}
		return canonicalize(sb, rv.Elem().Interface())
	}
	// Structs have a fixed field order, so standard encoding is stable.
	return writeCanonicalJSON(sb, v)
}

func writeCanonicalJSON(sb *strings.Builder, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	sb.Write(data)
	return nil
}

func canonicalizeMap(sb *strings.Builder, rv reflect.Value) error {
	type pair struct {
		key string
		val reflect.Value
	}
	pairs := make([]pair, 0, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		var kb strings.Builder
		if err := canonicalize(&kb, iter.Key().Interface()); err != nil {
			return err
		}
		pairs = append(pairs, pair{kb.String(), iter.Value()})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].key < pairs[j].key })

	sb.WriteByte('{')
	for i, p := range pairs {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(p.key)
		sb.WriteByte(':')
		if err := canonicalize(sb, p.val.Interface()); err != nil {
			return err
		}
	}
	sb.WriteByte('}')
	return nil
}

func canonicalizeSlice(sb *strings.Builder, rv reflect.Value) error {
	sb.WriteByte('[')
	for i := 0; i < rv.Len(); i++ {
		if i > 0 {
			sb.WriteByte(',')
		}
		if err := canonicalize(sb, rv.Index(i).Interface()); err != nil {
			return err
		}
	}
	sb.WriteByte(']')
	return nil
}
