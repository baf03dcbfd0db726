package session

import (
	"errors"
	"fmt"
)

// Validation errors are returned synchronously to the caller and are never
// retried automatically.
var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrInvalidAccountID   = errors.New("account identifier must normalize to at least 10 digits")
	ErrMethodMismatch     = errors.New("linking method does not match the session")
	ErrClientNotReady     = errors.New("external client did not become ready in time")
	ErrInvalidCredentials = errors.New("invalid reconnection credentials")
	ErrNotConnected       = errors.New("session is not connected")
)

// ClientOpError wraps any failure from the external automation client:
// code generation, send, token retrieval, start.
type ClientOpError struct {
	Op  string
	Err error
}

func (e *ClientOpError) Error() string {
	return fmt.Sprintf("client operation %s failed: %s", e.Op, e.Err)
}

func (e *ClientOpError) Unwrap() error {
	return e.Err
}

// PersistenceError wraps a durable read/write failure.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s failed: %s", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
