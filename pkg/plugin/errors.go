package plugin

import (
	"errors"
	"fmt"
)

// Kind classifies every failure the plugin subsystem can produce. There
// is no opaque error path: all fallible operations return a *Error
// carrying one of these kinds.
type Kind int

const (
	KindNotFound Kind = iota
	KindLoad
	KindExecution
	KindSecurity
	KindDependency
	KindVersion
	KindConfig
	KindSignature
	KindPermission
	KindEncryption
	KindIO
	KindSerialization
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindLoad:
		return "load"
	case KindExecution:
		return "execution"
	case KindSecurity:
		return "security"
	case KindDependency:
		return "dependency"
	case KindVersion:
		return "version"
	case KindConfig:
		return "config"
	case KindSignature:
		return "signature"
	case KindPermission:
		return "permission"
	case KindEncryption:
		return "encryption"
	case KindIO:
		return "io"
	case KindSerialization:
		return "serialization"
	default:
		return "unknown"
	}
}

// ErrTimeout marks an execution aborted at the deadline. It is always
// wrapped inside a KindExecution error; use IsTimeout to test for it.
var ErrTimeout = errors.New("execution deadline exceeded")

// Error is the subsystem's typed error. Op names the failing operation
// ("manager.load", "sandbox.execute", ...), Plugin the affected id when
// one exists.
type Error struct {
	Kind   Kind
	Op     string
	Plugin ID
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	s := fmt.Sprintf("%s: plugin %s error", e.Op, e.Kind)
	if e.Plugin != "" {
		s += fmt.Sprintf(" [%s]", e.Plugin)
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds an *Error without an underlying cause.
func NewError(kind Kind, op string, id ID, msg string) *Error {
	return &Error{Kind: kind, Op: op, Plugin: id, Msg: msg}
}

// WrapError builds an *Error around an underlying cause.
func WrapError(kind Kind, op string, id ID, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Plugin: id, Msg: msg, Err: err}
}

// KindOf extracts the Kind from err, or KindExecution when err is not a
// subsystem error (callers should not rely on that fallback).
func KindOf(err error) (Kind, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	return KindExecution, false
}

// IsKind reports whether err is a subsystem error of the given kind.
func IsKind(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// IsNotFound reports whether err is a KindNotFound error.
func IsNotFound(err error) bool { return IsKind(err, KindNotFound) }

// IsTimeout reports whether err is an execution deadline failure.
func IsTimeout(err error) bool { return errors.Is(err, ErrTimeout) }
