// Package errors provides error handling for documo.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - PII-safe error formatting
//
// On top of that it defines the error taxonomy the ingestion pipeline is
// built around: rejection sentinels for the webhook boundary, permanent
// failure sentinels for pipeline stages, and transient/retry-after marking
// used by the stage retry loops.
//
// Usage:
//
//	// Create new error
//	err := errors.New("something went wrong")
//
//	// Wrap with context
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "failed to do something")
//	}
//
//	// Classify for retry
//	if errors.IsTransient(err) {
//	    // back off and try again
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	"time"

	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Error inspection
var (
	Is        = crdb.Is
	IsAny     = crdb.IsAny
	As        = crdb.As
	Unwrap    = crdb.Unwrap
	UnwrapAll = crdb.UnwrapAll
)

// Sentinel errors for the ingestion boundary and pipeline stages.
// Use these with errors.Is() for type-safe checking; wrap them with
// errors.Wrap() to add context while preserving the type.
var (
	// ErrUnauthorized indicates a delivery failed signature verification.
	// Never retried; the body is never parsed.
	ErrUnauthorized = New("unauthorized")

	// ErrMalformed indicates a delivery body could not be normalized into
	// an event. Never retried; acknowledged upstream to stop redelivery.
	ErrMalformed = New("malformed delivery")

	// ErrOverloaded indicates the dispatch queue is at capacity. The
	// webhook boundary translates this into a retryable response so the
	// host redelivers later.
	ErrOverloaded = New("dispatcher overloaded")

	// ErrNotFound indicates a repository or revision does not exist.
	ErrNotFound = New("not found")

	// ErrAccessDenied indicates the repository exists but is not reachable
	// with the configured credentials.
	ErrAccessDenied = New("access denied")

	// ErrRateLimited indicates a downstream provider rejected a call for
	// quota reasons. Usually carries a retry-after hint.
	ErrRateLimited = New("rate limited")

	// ErrSynthesisFailed indicates the synthesis collaborator produced
	// output that failed validation even after scope reduction.
	ErrSynthesisFailed = New("synthesis failed")
)

// IsUnauthorized checks if an error is or wraps ErrUnauthorized
func IsUnauthorized(err error) bool {
	return err != nil && Is(err, ErrUnauthorized)
}

// IsMalformed checks if an error is or wraps ErrMalformed
func IsMalformed(err error) bool {
	return err != nil && Is(err, ErrMalformed)
}

// IsOverloaded checks if an error is or wraps ErrOverloaded
func IsOverloaded(err error) bool {
	return err != nil && Is(err, ErrOverloaded)
}

// IsNotFound checks if an error is or wraps ErrNotFound
func IsNotFound(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsAccessDenied checks if an error is or wraps ErrAccessDenied
func IsAccessDenied(err error) bool {
	return err != nil && Is(err, ErrAccessDenied)
}

// IsRateLimited checks if an error is or wraps ErrRateLimited
func IsRateLimited(err error) bool {
	return err != nil && Is(err, ErrRateLimited)
}

// IsSynthesisFailed checks if an error is or wraps ErrSynthesisFailed
func IsSynthesisFailed(err error) bool {
	return err != nil && Is(err, ErrSynthesisFailed)
}

// transientMarker marks an error as retryable at the stage level.
type transientMarker struct {
	cause error
}

func (t *transientMarker) Error() string { return t.cause.Error() }
func (t *transientMarker) Unwrap() error { return t.cause }

// MarkTransient marks err as transient: a stage retry loop may attempt the
// stage again with backoff.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &transientMarker{cause: err}
}

// Transientf creates a new transient error with a formatted message.
func Transientf(format string, args ...interface{}) error {
	return MarkTransient(Newf(format, args...))
}

// IsTransient reports whether err (or anything it wraps) was marked
// transient. Rate-limit errors are transient by definition.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var marker *transientMarker
	if As(err, &marker) {
		return true
	}
	return Is(err, ErrRateLimited)
}

// retryAfterError carries a provider-supplied retry-after hint.
type retryAfterError struct {
	cause error
	after time.Duration
}

func (r *retryAfterError) Error() string { return r.cause.Error() }
func (r *retryAfterError) Unwrap() error { return r.cause }

// WithRetryAfter attaches a provider-supplied retry-after hint to err.
// The stage retry loop honors the hint over its computed backoff.
func WithRetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return &retryAfterError{cause: err, after: after}
}

// RetryAfterHint returns the retry-after hint attached to err, if any.
func RetryAfterHint(err error) (time.Duration, bool) {
	var ra *retryAfterError
	if As(err, &ra) {
		return ra.after, true
	}
	return 0, false
}
