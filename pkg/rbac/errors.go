package rbac

import (
	"errors"
	"fmt"
)

// ErrorKind classifies RBAC failures for callers and transports
type ErrorKind string

const (
	KindNotFound         ErrorKind = "NOT_FOUND"
	KindDuplicateName    ErrorKind = "DUPLICATE_NAME"
	KindProtectedEntity  ErrorKind = "PROTECTED_ENTITY"
	KindValidation       ErrorKind = "VALIDATION_ERROR"
	KindStoreUnavailable ErrorKind = "STORE_UNAVAILABLE"
)

// Error is the error type returned by the RBAC engine
type Error struct {
	Kind    ErrorKind
	Op      string
	Message string
	Err     error
}

// Sentinels for errors.Is comparisons. They match any *Error of the same kind.
var (
	ErrNotFound         = &Error{Kind: KindNotFound}
	ErrDuplicateName    = &Error{Kind: KindDuplicateName}
	ErrProtectedEntity  = &Error{Kind: KindProtectedEntity}
	ErrValidation       = &Error{Kind: KindValidation}
	ErrStoreUnavailable = &Error{Kind: KindStoreUnavailable}
)

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinels by kind
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

// KindOf returns the kind of an RBAC error, or "" for foreign errors
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func newError(kind ErrorKind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// NewError builds a kinded error for packages that share the RBAC error model
func NewError(kind ErrorKind, op, format string, args ...interface{}) error {
	return newError(kind, op, format, args...)
}

// Unavailable wraps a backing-store failure as STORE_UNAVAILABLE
func Unavailable(op string, err error) error {
	return unavailable(op, err)
}

func notFound(op, format string, args ...interface{}) error {
	return newError(KindNotFound, op, format, args...)
}

func duplicateName(op, name string) error {
	return newError(KindDuplicateName, op, "name %q already exists", name)
}

func protected(op, format string, args ...interface{}) error {
	return newError(KindProtectedEntity, op, format, args...)
}

func invalid(op, format string, args ...interface{}) error {
	return newError(KindValidation, op, format, args...)
}

// unavailable wraps a backing-store failure. Errors that already carry a kind
// pass through untouched.
func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != "" {
		return err
	}
	return &Error{Kind: KindStoreUnavailable, Op: op, Err: err}
}
