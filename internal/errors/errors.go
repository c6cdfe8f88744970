// Package errors re-exports github.com/cockroachdb/errors for tempora.
//
// Wrap with context and keep the sentinel reachable:
//
//	if err := tx.Commit(); err != nil {
//	    return errors.Mark(errors.Wrap(err, "commit write"), errors.ErrStoreUnavailable)
//	}
//
// Domain outcomes (conflicts, unknown answers, an unreachable LLM) are data, not errors.
// Only ErrStoreUnavailable is meant to reach a host as a fatal condition.
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
	Mark         = crdb.Mark
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
	UnwrapAll      = crdb.UnwrapAll
	GetAllHints    = crdb.GetAllHints
	FlattenHints   = crdb.FlattenHints
	FlattenDetails = crdb.FlattenDetails
)

// Sentinel errors. Check with errors.Is; attach with Mark or Wrap.
var (
	// ErrStoreUnavailable indicates the storage medium failed (open, I/O, commit)
	ErrStoreUnavailable = New("store unavailable")

	// ErrNotFound indicates the requested record does not exist
	ErrNotFound = New("not found")

	// ErrInvalidInput indicates a malformed draft or query argument
	ErrInvalidInput = New("invalid input")

	// ErrLLMUnavailable indicates the disambiguation service could not answer
	ErrLLMUnavailable = New("llm unavailable")

	// ErrTimeout indicates an operation timed out
	ErrTimeout = New("operation timed out")
)

// StoreFailure marks err as a storage-medium failure with the given context.
func StoreFailure(err error, msg string) error {
	if err == nil {
		return nil
	}
	return Mark(Wrap(err, msg), ErrStoreUnavailable)
}

// IsStoreUnavailable reports whether err is a storage-medium failure.
func IsStoreUnavailable(err error) bool {
	return err != nil && Is(err, ErrStoreUnavailable)
}
