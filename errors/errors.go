// Package errors defines the failure taxonomy shared by the client proxy, the
// server dispatcher and the transports.
//
// Every error that crosses a package boundary is an *Error carrying a Kind.
// Callers test for a kind with the standard library:
//
//	if errors.Is(err, rpcerr.ErrTimeout) { ... }
package errors

import (
	pkgerrors "github.com/pkg/errors"
)

// Kind is the category of an RPC failure.
type Kind string

const (
	// No descriptor is registered for the requested method key.
	MethodNotFound Kind = "method_not_found"
	// No reply arrived before the caller's deadline.
	Timeout Kind = "timeout"
	// The transport could not send the envelope.
	Network Kind = "network"
	// A value or an envelope could not be encoded or decoded.
	Serialization Kind = "serialization"
	// The target method failed, or a reply carried nothing usable.
	Invocation Kind = "invocation"
	// Ambiguous or invalid registrations, bad settings.
	Configuration Kind = "configuration"
)

// Sentinels for errors.Is. They match any *Error of the same kind.
var (
	ErrMethodNotFound = &Error{Kind: MethodNotFound}
	ErrTimeout        = &Error{Kind: Timeout}
	ErrNetwork        = &Error{Kind: Network}
	ErrSerialization  = &Error{Kind: Serialization}
	ErrInvocation     = &Error{Kind: Invocation}
	ErrConfiguration  = &Error{Kind: Configuration}
)

// Error is a categorised RPC failure.
type Error struct {
	Kind Kind
	// Remote is set when the failure was reported by the peer in a reply.
	Remote bool
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	if e.Remote {
		return "remote " + string(e.Kind) + ": " + e.Err.Error()
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New wraps err in an *Error of the given kind.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Newf builds an *Error of the given kind from a format string.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Err: pkgerrors.Errorf(format, args...)}
}

// Wrap annotates err with message and classifies it. A nil err yields nil.
func Wrap(kind Kind, err error, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: pkgerrors.Wrap(err, message)}
}

// Remote rebuilds a failure that the peer reported in a reply.
func Remote(kind Kind, message string) *Error {
	if kind == "" {
		kind = Invocation
	}
	return &Error{Kind: kind, Remote: true, Err: pkgerrors.New(message)}
}

// KindOf returns the kind of the first *Error in err's chain, or Invocation
// for unclassified errors. A nil err has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if pkgerrors.As(err, &e) {
		return e.Kind
	}
	return Invocation
}

func IsMethodNotFound(err error) bool {
	return pkgerrors.Is(err, ErrMethodNotFound)
}

func IsTimeout(err error) bool {
	return pkgerrors.Is(err, ErrTimeout)
}

func IsNetwork(err error) bool {
	return pkgerrors.Is(err, ErrNetwork)
}
