// Package errs classifies core errors into the recoverable/fatal taxonomy
// the pipeline controller acts on: InvalidInput, InvalidGeometry,
// BackendFailure, ProjectionFailure, ResourceExhausted, InternalInvariant.
package errs

import (
	"errors"
	"fmt"
)

// Kind is one of the taxonomy categories a core error falls into.
type Kind int

const (
	InvalidInput Kind = iota
	InvalidGeometry
	BackendFailure
	ProjectionFailure
	ResourceExhausted
	InternalInvariant
)

func (k Kind) String() string {
	switch k {
	case InvalidInput:
		return "invalid_input"
	case InvalidGeometry:
		return "invalid_geometry"
	case BackendFailure:
		return "backend_failure"
	case ProjectionFailure:
		return "projection_failure"
	case ResourceExhausted:
		return "resource_exhausted"
	case InternalInvariant:
		return "internal_invariant"
	default:
		return "unknown"
	}
}

// Recoverable reports whether the pipeline may log and continue past an
// error of this kind rather than aborting (§7's propagation policy).
func (k Kind) Recoverable() bool {
	switch k {
	case InvalidGeometry, ProjectionFailure, ResourceExhausted:
		return true
	default:
		return false
	}
}

// Error wraps an underlying cause with a taxonomy Kind.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an Error for op, wrapping err (which may be nil).
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Wrap is a convenience for New when the message is built with fmt.Errorf
// elsewhere and only needs a kind and operation label attached.
func Wrap(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error, defaulting to InternalInvariant for unrecognised errors — an
// error this core didn't classify is treated as the least forgiving kind.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return InternalInvariant
}

// Recoverable reports whether err should be logged and skipped rather than
// aborting the pipeline.
func Recoverable(err error) bool {
	return KindOf(err).Recoverable()
}
