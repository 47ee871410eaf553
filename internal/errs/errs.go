// Package errs defines the error taxonomy the engine reasons about (§7).
// These are kinds, not concrete exception types: idiomatic Go code returns
// plain error values that additionally satisfy the Classified interface so
// callers can branch on Kind() without type-asserting to a concrete type.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error into one of the six taxonomy members from §7.
type Kind int

const (
	// UserError is human-readable and never retried: a missing file, a
	// misconfiguration, or a rule that reported invalid inputs.
	UserError Kind = iota
	// StepFailure means a rule step returned non-success; fatal to that
	// rule, propagates as the rule's result.
	StepFailure
	// Interrupted means cooperative cancellation or an external signal
	// fired. Never swallowed; always marked and rethrown at a task
	// boundary.
	Interrupted
	// IOFailure covers errors handling metadata or artifacts on disk;
	// best-effort cleanup is attempted and the rule's build fails.
	IOFailure
	// CacheTransient is a fetch/store error that is demoted to a cache
	// Miss and logged; it must never fail a build.
	CacheTransient
	// Internal marks a programmer-error invariant violation (e.g. build
	// info missing immediately after a reported success); always fatal.
	Internal
)

func (k Kind) String() string {
	switch k {
	case UserError:
		return "user error"
	case StepFailure:
		return "step failure"
	case Interrupted:
		return "interrupted"
	case IOFailure:
		return "io failure"
	case CacheTransient:
		return "cache transient"
	case Internal:
		return "internal error"
	default:
		return "unknown error"
	}
}

// Classified is satisfied by any error that can report its taxonomy Kind.
type Classified interface {
	error
	Kind() Kind
}

// Error is the concrete error type produced by this package's
// constructors. It wraps an optional underlying cause.
type Error struct {
	kind  Kind
	msg   string
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s", e.msg, e.cause)
	}
	return e.msg
}

// Kind returns the taxonomy classification of this error.
func (e *Error) Kind() Kind { return e.kind }

// Unwrap allows errors.Is/errors.As to see through to the cause.
func (e *Error) Unwrap() error { return e.cause }

func newErr(kind Kind, msg string, cause error) *Error {
	return &Error{kind: kind, msg: msg, cause: cause}
}

// NewUserError builds a non-retried, human-readable error.
func NewUserError(msg string, cause error) *Error { return newErr(UserError, msg, cause) }

// NewStepFailure builds an error representing a failed rule step.
func NewStepFailure(msg string, cause error) *Error { return newErr(StepFailure, msg, cause) }

// NewInterrupted builds an error representing cooperative cancellation.
func NewInterrupted(msg string) *Error { return newErr(Interrupted, msg, nil) }

// NewIOFailure builds an error representing a metadata/artifact I/O
// failure.
func NewIOFailure(msg string, cause error) *Error { return newErr(IOFailure, msg, cause) }

// NewCacheTransient builds an error representing a fetch/store failure
// that must be demoted to a Miss, never fatal.
func NewCacheTransient(msg string, cause error) *Error { return newErr(CacheTransient, msg, cause) }

// NewInternal builds an error representing a programmer-error invariant
// violation. Callers should generally treat these as unrecoverable.
func NewInternal(msg string) *Error { return newErr(Internal, msg, nil) }

// KindOf returns the Kind of err if it (or something it wraps) is
// Classified, and Internal otherwise — an error of unknown provenance is
// treated conservatively as fatal rather than silently swallowed.
func KindOf(err error) Kind {
	var c Classified
	if errors.As(err, &c) {
		return c.Kind()
	}
	return Internal
}

// IsTransientCache reports whether err should be demoted to a cache Miss
// rather than failing the build (§7 propagation policy: "transient cache
// errors never fail a build").
func IsTransientCache(err error) bool {
	return err != nil && KindOf(err) == CacheTransient
}
