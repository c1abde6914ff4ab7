// Package bkerrors implements the engine's error taxonomy.
//
// Every failure surfaced across a package boundary carries one of the
// nine kinds below, so callers can branch on errors.Is/errors.As
// instead of string-matching. The wire protocol collapses all of this
// to a single "error <message>\n" line on the server side and
// reclassifies by message prefix on the client side (see
// internal/remoterepo), which is why Kind is a small closed set rather than
// an open string.
package bkerrors

import (
	"errors"
	"fmt"
)

// Kind enumerates the error taxonomy from the engine's design.
type Kind int

const (
	// NotFound means an object, ref, or path is missing.
	NotFound Kind = iota
	// AlreadyExists means a ref creation or file write collided with
	// existing state.
	AlreadyExists
	// CASFailure means a ref compare-and-swap lost the race.
	CASFailure
	// Corruption means an idx/pack self-check or AEAD authentication
	// failed.
	Corruption
	// ProtocolError means the wire protocol went out of sync or an
	// unknown server command was requested.
	ProtocolError
	// PermissionDenied means a configuration or server-mode
	// restriction was violated.
	PermissionDenied
	// ConfigError means a configuration value was invalid for its
	// declared type.
	ConfigError
	// IoError means an underlying file or network operation failed.
	IoError
	// Cancelled means a signal or an explicit abort interrupted the
	// operation.
	Cancelled
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "NotFound"
	case AlreadyExists:
		return "AlreadyExists"
	case CASFailure:
		return "CASFailure"
	case Corruption:
		return "Corruption"
	case ProtocolError:
		return "ProtocolError"
	case PermissionDenied:
		return "PermissionDenied"
	case ConfigError:
		return "ConfigError"
	case IoError:
		return "IoError"
	case Cancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type carried across package boundaries.
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

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, bkerrors.ErrNotFound) work by comparing
// kinds whenever the target is itself a *Error; message and cause are
// ignored, so a bare sentinel such as ErrNotFound matches any error of
// its kind.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// New builds an *Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error of the given kind around an existing cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// sentinel is a *Error with no message or cause, used only as a
// comparison target for errors.Is.
func sentinel(k Kind) *Error { return &Error{Kind: k} }

var (
	ErrNotFound         = sentinel(NotFound)
	ErrAlreadyExists    = sentinel(AlreadyExists)
	ErrCASFailure       = sentinel(CASFailure)
	ErrCorruption       = sentinel(Corruption)
	ErrProtocolError    = sentinel(ProtocolError)
	ErrPermissionDenied = sentinel(PermissionDenied)
	ErrConfigError      = sentinel(ConfigError)
	ErrIoError          = sentinel(IoError)
	ErrCancelled        = sentinel(Cancelled)
)

// Of reports the Kind of err if it (or something it wraps) is an
// *Error, and ok=false otherwise.
func Of(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, k Kind) bool {
	kind, ok := Of(err)
	return ok && kind == k
}
