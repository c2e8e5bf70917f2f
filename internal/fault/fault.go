// Package fault defines the typed error taxonomy shared by every tandem
// component.
//
// Every failure surfaced to a caller carries a machine-checkable Kind plus
// human-readable text. Callers branch on the kind (via KindOf or the Is*
// helpers), never on message text. Nothing in tandem swallows a fault
// silently except the autosave controller, which logs and retries on the
// next tick.
package fault

import (
	"errors"
	"fmt"
)

// Kind categorizes a failure.
type Kind string

const (
	// NotSignedIn indicates no active identity; a fatal precondition for
	// every mutating or self-scoped operation.
	NotSignedIn Kind = "not-signed-in"

	// NotFound indicates a referenced record is absent.
	NotFound Kind = "not-found"

	// NotAllowed indicates the caller lacks the required role, or the
	// record is in the wrong state for the requested transition.
	NotAllowed Kind = "not-allowed"

	// Conflict indicates a concurrent write collided with an access rule,
	// e.g. a reverse-pending connection request already exists.
	Conflict Kind = "conflict"

	// Stale indicates a claim was attempted before the share acceptance
	// was durably observable.
	Stale Kind = "stale"

	// DocumentMissing indicates an accepted share references a document
	// that no longer exists. Distinct from NotFound so callers can tell
	// "try again" apart from "permanently gone".
	DocumentMissing Kind = "document-missing"
)

// Error is a typed, catchable failure.
type Error struct {
	Kind    Kind
	Message string
	Err     error // wrapped cause, may be nil
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a fault with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a fault with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a fault that records err as its cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of err, or "" if err is not a fault.
// Uses errors.As to handle wrapped errors.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// IsKind reports whether err is a fault of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsNotSignedIn reports whether err is a not-signed-in fault.
func IsNotSignedIn(err error) bool { return IsKind(err, NotSignedIn) }

// IsNotFound reports whether err is a not-found fault.
func IsNotFound(err error) bool { return IsKind(err, NotFound) }

// IsNotAllowed reports whether err is a not-allowed fault.
func IsNotAllowed(err error) bool { return IsKind(err, NotAllowed) }

// IsConflict reports whether err is a conflict fault.
func IsConflict(err error) bool { return IsKind(err, Conflict) }

// IsStale reports whether err is a stale fault.
func IsStale(err error) bool { return IsKind(err, Stale) }

// IsDocumentMissing reports whether err is a document-missing fault.
func IsDocumentMissing(err error) bool { return IsKind(err, DocumentMissing) }
