package transport

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned by Send when the session has no live
// connection. Retryable: the outbox backs off and tries again.
var ErrNotConnected = errors.New("transport: not connected")

// AuthError means the server rejected the credential. Non-retryable; the
// session stops and surfaces it for a re-authentication flow.
type AuthError struct {
	Status int
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("transport: authentication failed (status %d): %s", e.Status, e.Reason)
}

// NetworkError wraps a transient connection failure. Retryable.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}
