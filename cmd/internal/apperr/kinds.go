// Package apperr defines the error taxonomy shared by stores, routers and transports.
//
// Callers classify with errors.Is against the sentinel kinds; boundaries translate
// kinds to HTTP statuses or realtime error codes.
package apperr

import "errors"

// Sentinel error kinds (stable for errors.Is and for mapping to API status codes).
var (
	ErrNotFound     = errors.New("not_found")
	ErrForbidden    = errors.New("forbidden")
	ErrConflict     = errors.New("conflict")
	ErrInvalidState = errors.New("invalid_state")
	ErrValidation   = errors.New("validation")
)
