package memtier

import (
	"errors"
	"fmt"
)

// Sentinel errors for common engine error conditions.
// These errors can be used with errors.Is() for error checking.
var (
	// ErrTierUnavailable indicates a tier backend could not be reached.
	ErrTierUnavailable = errors.New("tier unavailable")

	// ErrConflictUnresolved indicates consolidation could not settle an
	// entity into a single canonical view.
	ErrConflictUnresolved = errors.New("conflict unresolved")

	// ErrCacheCorruption indicates a cached entry failed validation on
	// read.
	ErrCacheCorruption = errors.New("cache entry corrupt")

	// ErrQueryTimeout indicates a query deadline expired before every
	// target tier answered.
	ErrQueryTimeout = errors.New("query timeout")

	// ErrInvalidConfig indicates the provided configuration is invalid
	// or incomplete. It is the only error New returns.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrClosed indicates an operation was attempted on a closed engine.
	ErrClosed = errors.New("engine closed")
)

// Error kinds categorize errors by their type.
const (
	// KindTierUnavailable represents errors reaching a tier backend.
	KindTierUnavailable = "tier_unavailable"

	// KindConflictUnresolved represents consolidation failures.
	KindConflictUnresolved = "conflict_unresolved"

	// KindCacheCorruption represents corrupt cache entries.
	KindCacheCorruption = "cache_corruption"

	// KindQueryTimeout represents query deadline expiry.
	KindQueryTimeout = "query_timeout"

	// KindConfiguration represents errors related to configuration.
	KindConfiguration = "configuration_invalid"

	// KindValidation represents errors related to input validation.
	KindValidation = "validation"

	// KindInternal represents internal engine errors.
	KindInternal = "internal"
)

// Error is a structured error type that wraps underlying errors with
// additional context about the operation that failed and the category of
// error.
//
// Error implements the error interface and supports error unwrapping,
// making it compatible with errors.Is() and errors.As().
//
// Example usage:
//
//	err := &Error{
//		Op:   "Engine.Query",
//		Kind: KindTierUnavailable,
//		Err:  ErrTierUnavailable,
//	}
type Error struct {
	// Op is the operation that failed (e.g., "Engine.Write", "Engine.Consolidate").
	Op string

	// Kind categorizes the error (e.g., KindTierUnavailable, KindConfiguration).
	Kind string

	// Err is the underlying error that caused this error.
	Err error

	// Context provides additional context about the error (optional).
	// This can include record IDs, tier names, or other debugging information.
	Context map[string]any
}

// Error implements the error interface, returning a formatted error
// message that includes the operation, kind, and underlying error.
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("memtier: %s: %s", e.Op, e.Kind)
	}

	if len(e.Context) > 0 {
		return fmt.Sprintf("memtier: %s (%s): %v [context: %+v]", e.Op, e.Kind, e.Err, e.Context)
	}

	return fmt.Sprintf("memtier: %s (%s): %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying error, allowing errors.Is() and
// errors.As() to work correctly with wrapped errors.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements error matching for Error, allowing comparison based on
// the underlying error or the Error itself.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}

	// Match another *Error by Kind, and by Op when the target sets one.
	if t, ok := target.(*Error); ok {
		if t.Kind != "" && e.Kind == t.Kind {
			if t.Op == "" || e.Op == t.Op {
				return true
			}
		}
	}

	return errors.Is(e.Err, target)
}

// WithContext returns a new Error with the provided context added.
// This is useful for adding debugging information to errors.
//
// Example:
//
//	err := &Error{
//		Op:   "Engine.Consolidate",
//		Kind: KindConflictUnresolved,
//		Err:  ErrConflictUnresolved,
//	}
//	err = err.WithContext(map[string]any{
//		"entity_id": "e-alice",
//	})
func (e *Error) WithContext(ctx map[string]any) *Error {
	newErr := *e
	if newErr.Context == nil {
		newErr.Context = make(map[string]any)
	}
	for k, v := range ctx {
		newErr.Context[k] = v
	}
	return &newErr
}

// NewTierUnavailableError creates a new Error with KindTierUnavailable.
func NewTierUnavailableError(op string, err error) *Error {
	return &Error{
		Op:   op,
		Kind: KindTierUnavailable,
		Err:  err,
	}
}

// NewConfigurationError creates a new Error with KindConfiguration.
func NewConfigurationError(op string, err error) *Error {
	return &Error{
		Op:   op,
		Kind: KindConfiguration,
		Err:  err,
	}
}

// NewValidationError creates a new Error with KindValidation.
func NewValidationError(op string, err error) *Error {
	return &Error{
		Op:   op,
		Kind: KindValidation,
		Err:  err,
	}
}

// NewTimeoutError creates a new Error with KindQueryTimeout.
func NewTimeoutError(op string, err error) *Error {
	return &Error{
		Op:   op,
		Kind: KindQueryTimeout,
		Err:  err,
	}
}

// NewInternalError creates a new Error with KindInternal.
func NewInternalError(op string, err error) *Error {
	return &Error{
		Op:   op,
		Kind: KindInternal,
		Err:  err,
	}
}
