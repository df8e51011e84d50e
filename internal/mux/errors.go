// Package mux implements the bidirectional, length-prefixed, typed-frame
// multiplex protocol that rides on top of a single in-order byte-stream
// carrier (Bluetooth RFCOMM, or a TCP stand-in) and exposes many independent
// substreams.
package mux

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// Kind classifies an Error so callers can branch on failure category
// without string-matching messages.
type Kind int

const (
	// KindIO covers carrier read/write failures.
	KindIO Kind = iota
	// KindProtocol covers frame decode failures and wire-level violations.
	KindProtocol
	// KindAuth covers handshake authentication failures.
	KindAuth
	// KindTimeout covers keepalive idle-timeout teardown.
	KindTimeout
	// KindConfig covers invalid session/carrier configuration.
	KindConfig
	// KindUnsupported covers platform or feature gaps (e.g. RFCOMM on an
	// unsupported OS).
	KindUnsupported
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindProtocol:
		return "protocol"
	case KindAuth:
		return "auth"
	case KindTimeout:
		return "timeout"
	case KindConfig:
		return "config"
	case KindUnsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// Error is the session's single error type. It carries a Kind so callers
// (the HTTP/SOCKS collaborators, the reconnect loop) can react without
// parsing messages, and wraps an underlying cause via github.com/pkg/errors
// so %+v printing still yields a stack trace from where the error was
// first raised.
type Error struct {
	Kind  Kind
	cause error
}

func (e *Error) Error() string {
	if e.cause == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.cause)
}

func (e *Error) Unwrap() error { return e.cause }

// Cause returns the wrapped error via github.com/pkg/errors semantics so
// pkgerrors.Cause(err) unwinds to the root cause rather than stopping at the
// Kind wrapper.
func (e *Error) Cause() error { return e.cause }

func newErr(kind Kind, msg string) *Error {
	return &Error{Kind: kind, cause: pkgerrors.New(msg)}
}

func wrapErr(kind Kind, cause error, msg string) *Error {
	if cause == nil {
		return newErr(kind, msg)
	}
	return &Error{Kind: kind, cause: pkgerrors.Wrap(cause, msg)}
}

// NewError constructs a *Error for use by packages outside mux (the
// transport and collaborator layers) that need to report failures using the
// same Kind taxonomy as the session itself.
func NewError(kind Kind, msg string) *Error { return newErr(kind, msg) }

// WrapError wraps cause (which may be nil) in a *Error of the given Kind,
// for use by packages outside mux.
func WrapError(kind Kind, cause error, msg string) *Error { return wrapErr(kind, cause, msg) }

// IsKind reports whether err is a *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
