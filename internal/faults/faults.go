// Package faults defines the error taxonomy shared by the registry, ledger,
// session supervisor and broadcast scheduler.
//
// All errors are value-returned; nothing in the core panics across an API
// boundary. The HTTP layer maps Kind to a status code.
package faults

import (
	"errors"
	"fmt"
)

type Kind string

const (
	// KindValidation marks bad or missing caller input. No state change.
	KindValidation Kind = "validation"
	// KindQuotaExceeded marks a category at its membership cap. No state change.
	KindQuotaExceeded Kind = "quota_exceeded"
	// KindNotFound marks an unknown account or category.
	KindNotFound Kind = "not_found"
	// KindConflict marks an operation racing an in-flight one
	// (e.g. starting a campaign on an account that already runs one).
	KindConflict Kind = "conflict"
	// KindTransport marks a failed transport-engine call.
	KindTransport Kind = "transport"
)

type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, msg string) *Error { return &Error{Kind: kind, Msg: msg} }

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the Kind of err, or "" when err carries none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

func IsKind(err error, kind Kind) bool { return KindOf(err) == kind }
