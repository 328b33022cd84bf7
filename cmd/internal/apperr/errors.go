package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// OpError is a typed operation error with a stable Op + Kind contract for callers/tests.
// Kind is one of the sentinel kinds. Msg carries human-readable context.
type OpError struct {
	Op   string
	Kind error
	Msg  string
}

func (e OpError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
}

func (e OpError) Unwrap() error { return e.Kind }

// NotFound reports a missing conversation, request or user.
func NotFound(op, resource string) error {
	return OpError{Op: op, Kind: ErrNotFound, Msg: resource}
}

// Forbidden reports an actor that is not allowed to act on the resource.
func Forbidden(op, msg string) error {
	return OpError{Op: op, Kind: ErrForbidden, Msg: msg}
}

// Conflict reports a uniqueness violation (duplicate username, duplicate pending request).
func Conflict(op, msg string) error {
	return OpError{Op: op, Kind: ErrConflict, Msg: msg}
}

// InvalidState reports an action on a resource whose state does not allow it.
func InvalidState(op, msg string) error {
	return OpError{Op: op, Kind: ErrInvalidState, Msg: msg}
}

// Validation reports malformed input.
func Validation(op, msg string) error {
	return OpError{Op: op, Kind: ErrValidation, Msg: msg}
}

// IsNotFound reports whether err represents ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsForbidden reports whether err represents ErrForbidden.
func IsForbidden(err error) bool { return errors.Is(err, ErrForbidden) }

// IsConflict reports whether err represents ErrConflict.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsInvalidState reports whether err represents ErrInvalidState.
func IsInvalidState(err error) bool { return errors.Is(err, ErrInvalidState) }

// IsValidation reports whether err represents ErrValidation.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// Code returns the stable wire code for err. Unknown errors map to "server_error".
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case IsNotFound(err):
		return "not_found"
	case IsForbidden(err):
		return "forbidden"
	case IsConflict(err):
		return "conflict"
	case IsInvalidState(err):
		return "invalid_state"
	case IsValidation(err):
		return "validation"
	default:
		return "server_error"
	}
}

// HTTPStatus maps err to an HTTP status code.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case IsNotFound(err):
		return http.StatusNotFound
	case IsForbidden(err):
		return http.StatusForbidden
	case IsConflict(err):
		return http.StatusConflict
	case IsInvalidState(err):
		return http.StatusConflict
	case IsValidation(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Message returns the client-safe message for err.
func Message(err error) string {
	var op OpError
	if errors.As(err, &op) {
		if op.Msg != "" {
			return op.Msg
		}
		return op.Kind.Error()
	}
	return "internal error"
}
