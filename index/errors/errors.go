// Package errors defines the error kinds the index core must
// distinguish.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an Error so callers can distinguish failure modes
// without string-matching error text.
type Kind int

const (
	// KindDatabaseIO is an underlying storage-engine failure, surfaced
	// to the caller unchanged.
	KindDatabaseIO Kind = iota
	// KindVersionUnknown means the meta row was present but named a
	// schema version this build does not support; triggers
	// rename-and-create.
	KindVersionUnknown
	// KindNotFound means a row was missing where one was expected.
	KindNotFound
	// KindBusy means the engine reported a lock; retried via the busy
	// handler and never meant to surface to a caller.
	KindBusy
	// KindCorrupt means a super-block/signature mismatch during
	// filesystem probing; the probe returns "not this filesystem".
	KindCorrupt
	// KindForwarded means a slave RPC call failed; surfaced with the
	// remote's error text.
	KindForwarded
)

func (k Kind) String() string {
	switch k {
	case KindDatabaseIO:
		return "database-io"
	case KindVersionUnknown:
		return "version-unknown"
	case KindNotFound:
		return "not-found"
	case KindBusy:
		return "busy"
	case KindCorrupt:
		return "corrupt"
	case KindForwarded:
		return "forwarded"
	default:
		return "unknown"
	}
}

// Error is the index core's error type: a Kind plus a wrapped cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("index: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("index: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Kind, so
// callers can write errors.Is(err, errors.New(KindNotFound, "", nil)).
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// New constructs an *Error.
func New(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// ErrNotFound and friends are sentinel values usable with errors.Is
// when the caller only cares about the Kind, not the Op/Err.
var (
	ErrNotFound       = &Error{Kind: KindNotFound}
	ErrBusy           = &Error{Kind: KindBusy}
	ErrCorrupt        = &Error{Kind: KindCorrupt}
	ErrVersionUnknown = &Error{Kind: KindVersionUnknown}
	ErrForwarded      = &Error{Kind: KindForwarded}
	ErrDatabaseIO     = &Error{Kind: KindDatabaseIO}
)

// Of reports the Kind of err, or KindDatabaseIO if err is not an
// *Error (the conservative default: treat unrecognized failures as
// engine failures rather than silently swallowing them).
func Of(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindDatabaseIO
}
