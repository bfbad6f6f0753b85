// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import "errors"

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrKeyNotFound is returned by KV.Get for a missing key.
	ErrKeyNotFound = errors.New("key not found")

	// ErrEmptyKey rejects a batch containing an operation without a key.
	ErrEmptyKey = errors.New("empty key")

	// ErrClosed is returned by operations on a closed backend.
	ErrClosed = errors.New("storage closed")

	// ErrUnknownBackend is returned by OpenKV for an unsupported name.
	ErrUnknownBackend = errors.New("unknown storage backend")

	// ErrUnknownFormat is returned by Export for an unsupported format.
	ErrUnknownFormat = errors.New("unknown export format")
)

// ErrSessionNotFound is returned when a session record doesn't exist.
// Use errors.Is(err, ErrSessionNotFound) to check for this error.
var ErrSessionNotFound = &SessionError{Message: "session not found"}

// SessionError represents a session-related error.
type SessionError struct {
	Message   string
	SessionID string
	Err       error
}

// Error implements the error interface.
func (e *SessionError) Error() string {
	msg := e.Message
	if e.SessionID != "" {
		msg += ": " + e.SessionID
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *SessionError) Unwrap() error {
	return e.Err
}

// Is matches session errors by message, ignoring the session id.
func (e *SessionError) Is(target error) bool {
	t, ok := target.(*SessionError)
	if !ok {
		return false
	}
	return e.Message == t.Message
}

func sessionNotFound(id string) error {
	return &SessionError{Message: ErrSessionNotFound.Message, SessionID: id}
}
