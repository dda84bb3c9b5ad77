// Package errors provides error handling for loom.
//
// It re-exports github.com/cockroachdb/errors so the rest of the codebase
// gets stack traces, wrapping, and structured detail without importing the
// upstream package everywhere.
//
// Usage:
//
//	if err := store.CreateJob(job); err != nil {
//	    return errors.Wrap(err, "failed to create job")
//	}
//
//	if errors.Is(err, errors.ErrNotFound) {
//	    // handle not found
//	}
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
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	FlattenDetails = crdb.FlattenDetails
)

// Common sentinel errors for use across loom.
// Use these with errors.Is() for type-safe checks and wrap them with
// errors.Wrap() to add context while preserving the type.
var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = New("not found")

	// ErrNotImplemented indicates a deliberately unimplemented code path,
	// such as storage-handle-typed task parameters.
	ErrNotImplemented = New("not implemented")

	// ErrClosed indicates an operation against a service that has been
	// shut down (e.g. the lifecycle writer after Close).
	ErrClosed = New("closed")

	// ErrConflict indicates a uniqueness or claim conflict.
	ErrConflict = New("resource conflict")
)

// IsNotFoundError reports whether err is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}
