package domain

import "errors"

// Sentinel errors let handlers map failures to client-facing status codes
// without inspecting error strings. Repositories and services wrap these
// with %w so errors.Is works across layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrValidation indicates the request was rejected before any write.
	ErrValidation = errors.New("validation failed")

	// ErrDuplicateEmail indicates another user already owns the email.
	ErrDuplicateEmail = errors.New("email already registered")

	// ErrDuplicateDocument indicates another user already owns the
	// identity document.
	ErrDuplicateDocument = errors.New("identity document already in use")

	// ErrInvalidCredentials is returned for any authentication failure so
	// callers cannot enumerate accounts.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrAccountLocked indicates too many failed login attempts.
	ErrAccountLocked = errors.New("account temporarily locked")

	// ErrInvalidTransition indicates a provisioning request state change
	// outside the allowed transition set.
	ErrInvalidTransition = errors.New("invalid provisioning state transition")
)
