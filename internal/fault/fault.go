// Package fault defines the domain error taxonomy shared by the service
// layer. Services return faults where business rules live; the HTTP boundary
// maps kinds to status codes. Anything that is not a fault is an internal
// error and surfaces as 500.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a domain error.
type Kind int

const (
	// KindNotFound means a referenced entity is absent.
	KindNotFound Kind = iota
	// KindPermissionDenied means the actor lacks the required role.
	KindPermissionDenied
	// KindConflict means a precondition on entity state failed
	// (AlreadyPending, AlreadyVoted, NoPreviousDeployment, ...).
	KindConflict
	// KindInvalidInput means the request itself is malformed.
	KindInvalidInput
	// KindExpired means an approval or scheduled window elapsed.
	KindExpired
)

// Error is a domain error with a kind and a human-readable message.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string { return e.Message }

// NotFound builds a KindNotFound fault.
func NotFound(format string, args ...interface{}) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// PermissionDenied builds a KindPermissionDenied fault.
func PermissionDenied(format string, args ...interface{}) *Error {
	return &Error{Kind: KindPermissionDenied, Message: fmt.Sprintf(format, args...)}
}

// Conflict builds a KindConflict fault.
func Conflict(format string, args ...interface{}) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// InvalidInput builds a KindInvalidInput fault.
func InvalidInput(format string, args ...interface{}) *Error {
	return &Error{Kind: KindInvalidInput, Message: fmt.Sprintf(format, args...)}
}

// Expired builds a KindExpired fault.
func Expired(format string, args ...interface{}) *Error {
	return &Error{Kind: KindExpired, Message: fmt.Sprintf(format, args...)}
}

// IsKind reports whether err (or anything it wraps) is a fault of the given kind.
func IsKind(err error, kind Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}

// HTTPStatus maps an error to the HTTP status code the API boundary should
// return. Non-fault errors map to 500.
func HTTPStatus(err error) int {
	var fe *Error
	if !errors.As(err, &fe) {
		return http.StatusInternalServerError
	}
	switch fe.Kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindPermissionDenied:
		return http.StatusForbidden
	case KindConflict, KindExpired:
		return http.StatusConflict
	case KindInvalidInput:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
