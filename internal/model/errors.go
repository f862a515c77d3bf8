package model

import (
	"errors"
	"fmt"
)

// Kind classifies an operation failure. The kind is stable and
// machine-readable; callers branch on it, transports map it to status codes.
type Kind string

const (
	// KindInvalid rejects malformed input before any state is touched.
	KindInvalid Kind = "invalid"
	// KindConflict rejects an operation incompatible with current state
	// (event not tradeable, order not open, already resolved).
	KindConflict Kind = "conflict"
	// KindInsufficient rejects for lack of funds, shares, or collateral.
	// Nothing is debited.
	KindInsufficient Kind = "insufficient"
	// KindContended signals lock contention. Retryable with fresh state.
	KindContended Kind = "contended"
	// KindFault is an invariant violation (negative balance, collateral
	// shortfall). The operation aborts with no partial effect and the
	// condition is surfaced loudly, never clamped.
	KindFault Kind = "fault"
	// KindNotFound means the addressed entity does not exist.
	KindNotFound Kind = "not_found"
	// KindForbidden means the actor may not perform the operation.
	KindForbidden Kind = "forbidden"
)

// Error carries a stable kind plus human-readable detail.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	s := e.Op + ": " + string(e.Kind)
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// E builds an Error with a formatted message.
func E(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and operation to an underlying error.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the Kind from err, or KindFault for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindFault
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool { return KindOf(err) == kind }
