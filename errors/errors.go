// Package errors provides error handling for Bindery.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - Network portability for distributed systems
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
//	// Check errors
//	if errors.Is(err, errors.ErrNotFound) {
//	    // handle not found
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
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
	Is     = crdb.Is
	IsAny  = crdb.IsAny
	As     = crdb.As
	Unwrap = crdb.Unwrap
)

// Sentinel errors forming the service error taxonomy. Every error that
// crosses a package boundary is one of these, or wraps one of these.
// Use errors.Is() to classify; use errors.Wrap() to add context while
// preserving the kind.
var (
	// ErrNotFound indicates the requested job or artifact does not exist
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates the request was malformed or invalid
	ErrInvalidRequest = New("invalid request")

	// ErrUnauthorized indicates the request lacks a valid API key
	ErrUnauthorized = New("unauthorized")

	// ErrConflict indicates an invalid state transition was attempted
	// (e.g., cancelling a job that already holds a lease)
	ErrConflict = New("resource conflict")

	// ErrNotReady indicates a result was requested before the job completed
	ErrNotReady = New("result not ready")

	// ErrUnavailable indicates a dependency (state store or object store)
	// stayed unreachable after retries were exhausted
	ErrUnavailable = New("service unavailable")

	// ErrAlreadyExists indicates a job id collision on create
	ErrAlreadyExists = New("already exists")

	// ErrStaleState indicates a compare-and-swap lost to a concurrent
	// transition; the caller's view of the job is out of date
	ErrStaleState = New("stale state")

	// ErrLeaseHeld indicates an unexpired lease belongs to another owner
	ErrLeaseHeld = New("lease held by another owner")
)

// IsNotFound checks if an error is or wraps ErrNotFound
func IsNotFound(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsInvalidRequest checks if an error is or wraps ErrInvalidRequest
func IsInvalidRequest(err error) bool {
	return err != nil && Is(err, ErrInvalidRequest)
}

// IsUnavailable checks if an error is or wraps ErrUnavailable
func IsUnavailable(err error) bool {
	return err != nil && Is(err, ErrUnavailable)
}

// IsConflict checks if an error is or wraps ErrConflict
func IsConflict(err error) bool {
	return err != nil && Is(err, ErrConflict)
}

// NewNotFound creates a not-found error with a formatted message
func NewNotFound(format string, args ...interface{}) error {
	return Wrapf(ErrNotFound, format, args...)
}

// NewInvalidRequest creates an invalid-request error with a formatted message
func NewInvalidRequest(format string, args ...interface{}) error {
	return Wrapf(ErrInvalidRequest, format, args...)
}
