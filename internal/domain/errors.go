package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for well-known failure conditions that cross package
// boundaries.  Callers should use [errors.Is] to match these.
var (
	// ErrUnauthorized indicates missing or invalid credentials.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrMachineNotFound means no machine with the requested id exists.
	ErrMachineNotFound = errors.New("machine not found")

	// ErrSessionNotFound means no session with the requested id exists.
	ErrSessionNotFound = errors.New("session not found")

	// ErrAccessDenied indicates the caller's namespace does not own the
	// requested machine or session.
	ErrAccessDenied = errors.New("access denied")

	// ErrNamespaceConflict is returned when a connection claims a machine or
	// session id already registered under another namespace.
	ErrNamespaceConflict = errors.New("id registered under another namespace")
)

// RelayError wraps an underlying error with the relay object it concerns.
type RelayError struct {
	ID  string
	Op  string
	Err error
}

func (e *RelayError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.ID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *RelayError) Unwrap() error {
	return e.Err
}
