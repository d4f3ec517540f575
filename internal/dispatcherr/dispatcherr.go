// Package dispatcherr defines the error taxonomy shared across the dispatch
// core: every failure surfaces as exactly one Kind.
package dispatcherr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for the caller. Messages are human-readable but
// not part of the contract; callers should branch on Kind, not on text.
type Kind string

const (
	InvalidArgument Kind = "invalid_argument"
	Unauthorized    Kind = "unauthorized"
	Forbidden       Kind = "forbidden"
	NotFound        Kind = "not_found"
	Conflict        Kind = "conflict"
	Internal        Kind = "internal"
)

// Error wraps an underlying cause with a Kind so HTTP/gRPC boundaries can
// map it to the right status without inspecting message text.
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

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

func Invalid(msg string) *Error     { return New(InvalidArgument, msg) }
func Unauth(msg string) *Error      { return New(Unauthorized, msg) }
func Forbid(msg string) *Error      { return New(Forbidden, msg) }
func Missing(msg string) *Error     { return New(NotFound, msg) }
func Conflicting(msg string) *Error { return New(Conflict, msg) }
func Internally(err error) *Error   { return Wrap(Internal, "internal error", err) }

// As extracts the Kind of err, defaulting to Internal when err does not
// carry one (e.g. an unclassified driver error bubbling out of the Store).
func As(err error) Kind {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return Internal
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	return As(err) == kind
}
