package cache

import (
	"context"

	"github.com/cockroachdb/errors"
)

var (
	// ErrNotInitialized is returned when a Registry is used before Init.
	ErrNotInitialized = errors.New("cache: registry is not initialized")
	// ErrAlreadyInitialized is returned by Init when called twice without Reset.
	ErrAlreadyInitialized = errors.New("cache: registry is already initialized")
	// ErrNilBackend is returned by Init when no Backend is given.
	ErrNilBackend = errors.New("cache: backend is required")
	// ErrBackendUnavailable marks any I/O fault reported by a Backend.
	ErrBackendUnavailable = errors.New("cache: backend unavailable")
	// ErrEncode marks a value the Coder could not represent.
	ErrEncode = errors.New("cache: encode failed")
	// ErrDecode marks a payload the Coder could not read.
	ErrDecode = errors.New("cache: decode failed")
	// ErrClearUnsupported is returned by backends that cannot enumerate keys.
	ErrClearUnsupported = errors.New("cache: clear by namespace is not supported by this backend")
)

// markedError attaches a sentinel to a cause. Both are reachable through
// Unwrap, so errors.Is matches either one from the standard library as well
// as from cockroachdb/errors.
type markedError struct {
	cause error
	mark  error
}

func (e *markedError) Error() string { return e.cause.Error() }

func (e *markedError) Unwrap() []error { return []error{e.mark, e.cause} }

func (e *markedError) Is(target error) bool { return target == e.mark }

func mark(err, sentinel error) error {
	return &markedError{cause: err, mark: sentinel}
}

// unavailable wraps a driver error so that errors.Is matches both
// ErrBackendUnavailable and the original cause. Errors caused by the caller's
// own cancellation are passed through untouched; a query timeout that fires
// while the caller is still waiting is a backend fault.
func unavailable(ctx context.Context, err error, op string) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return ctxErr
	}
	return mark(errors.Wrap(err, op), ErrBackendUnavailable)
}

func encodeError(err error, v any) error {
	return mark(errors.Wrapf(err, "cache: cannot encode %T", v), ErrEncode)
}

func decodeError(err error, out any) error {
	return mark(errors.Wrapf(err, "cache: cannot decode into %T", out), ErrDecode)
}
