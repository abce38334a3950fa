// Package errors provides error handling for Harmony.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - Sentinel-based classification via errors.Is
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
//	if errors.Is(err, errors.ErrLeaseLost) {
//	    // lease was reclaimed, discard the result
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
	Is            = crdb.Is
	IsAny         = crdb.IsAny
	As            = crdb.As
	Unwrap        = crdb.Unwrap
	UnwrapAll     = crdb.UnwrapAll
	GetAllDetails = crdb.GetAllDetails
	GetAllHints   = crdb.GetAllHints
)

// Common sentinel errors for use across Harmony.
// Use these with errors.Is() for type-safe error checking.
// Wrap these with errors.Wrap() to add context while preserving the type.
var (
	// ErrNotFound indicates the requested resource does not exist
	ErrNotFound = New("not found")

	// ErrConflict indicates a resource conflict (e.g., duplicate key)
	ErrConflict = New("resource conflict")

	// ErrTimeout indicates an operation timed out
	ErrTimeout = New("operation timed out")
)

// Failure taxonomy sentinels. Every job failure is classified into one of
// these before it reaches the job store, so retry decisions and dead-letter
// reasons stay consistent across handlers.
var (
	// ErrValidation marks malformed payloads or non-conforming provider
	// responses. Never retried: the input will not become valid on its own.
	ErrValidation = New("validation error")

	// ErrDependency marks transient provider failures (timeout, rate limit,
	// 5xx). Retried per policy.
	ErrDependency = New("dependency error")

	// ErrLeaseLost marks a stale lease acknowledgment. The job was already
	// reclaimed and requeued, so the caller discards its result.
	ErrLeaseLost = New("lease lost")

	// ErrInternal marks unexpected handler failures. Retryable with a bounded
	// budget so a persistent bug dead-letters instead of retrying forever.
	ErrInternal = New("internal error")
)

// IsNotFound checks if an error is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsLeaseLost checks if an error is or wraps ErrLeaseLost.
func IsLeaseLost(err error) bool {
	return err != nil && Is(err, ErrLeaseLost)
}
