// Package tberrors defines the error kind taxonomy shared by every
// component: sysfs access, the enrollment store, the authorization
// protocol, caller-facing validation, and lookups.
package tberrors

import "fmt"

// Kind identifies which of the five error categories an error belongs to.
type Kind string

const (
	// KindUdev marks a sysfs read/write failure or a missing attribute.
	KindUdev Kind = "udev"
	// KindStore marks an I/O or parse failure against the enrollment store.
	KindStore Kind = "store"
	// KindAuth marks an authorization write failure or challenge mismatch.
	KindAuth Kind = "auth"
	// KindInvalidArgument marks caller-facing validation failures.
	KindInvalidArgument Kind = "invalid-argument"
	// KindNotFound marks a uid absent from the relevant scope.
	KindNotFound Kind = "not-found"
)

// Error is a typed error carrying one of the five kinds plus a wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}

	return e.Message
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same Kind, so that
// errors.Is(err, tberrors.NotFound("")) style checks work on the kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}

	return t.Kind == e.Kind
}

// Udev builds a KindUdev error, optionally wrapping cause.
func Udev(message string, cause error) *Error {
	return &Error{Kind: KindUdev, Message: message, Cause: cause}
}

// Store builds a KindStore error, optionally wrapping cause.
func Store(message string, cause error) *Error {
	return &Error{Kind: KindStore, Message: message, Cause: cause}
}

// Auth builds a KindAuth error, optionally wrapping cause.
func Auth(message string, cause error) *Error {
	return &Error{Kind: KindAuth, Message: message, Cause: cause}
}

// InvalidArgument builds a KindInvalidArgument error.
func InvalidArgument(message string) *Error {
	return &Error{Kind: KindInvalidArgument, Message: message}
}

// NotFound builds a KindNotFound error naming what was absent.
func NotFound(message string) *Error {
	return &Error{Kind: KindNotFound, Message: message}
}

// IsKind reports whether err is a *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if ok := asError(err, &e); !ok {
		return false
	}

	return e.Kind == kind
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}

		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}

		err = u.Unwrap()
	}

	return false
}
