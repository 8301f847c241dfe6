// Package apperr defines the broker's transport-independent error kinds.
//
// Every rejection the core produces carries one of these kinds so that
// callers (the HTTP layer, the event pipeline, tests) can switch on cause
// without parsing error strings.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error independent of any transport.
type Kind string

const (
	ShapeInvalid    Kind = "shape_invalid"
	ScheduleInvalid Kind = "schedule_invalid"
	TemporalInvalid Kind = "temporal_invalid"
	UtxoUnavailable Kind = "utxo_unavailable"
	AssetMismatch   Kind = "asset_mismatch"
	UtxoInUse       Kind = "utxo_in_use"
	OracleTransient Kind = "oracle_transient"
	OracleFatal     Kind = "oracle_fatal"
	StoreConflict   Kind = "store_conflict"
	NotFound        Kind = "not_found"
)

// Error wraps a Kind with a message and an optional underlying cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New builds an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error of the given kind around cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind == kind
	}
	return false
}

// KindOf extracts the Kind carried by err, if any.
func KindOf(err error) (Kind, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind, true
	}
	return "", false
}
