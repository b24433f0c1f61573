package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a session exists in neither tier.
	ErrNotFound = errors.New("session not found")

	// ErrBackendUnavailable is returned when the durable store cannot be
	// read or written. The operation failed; nothing was committed.
	ErrBackendUnavailable = errors.New("session store backend unavailable")
)

// CorruptRecordError reports a durable record that could not be decoded.
// It is surfaced, never silently dropped, so the operator can inspect the
// file on disk.
type CorruptRecordError struct {
	SessionID string
	Path      string
	Err       error
}

func (e *CorruptRecordError) Error() string {
	return fmt.Sprintf("corrupt session record %s at %s: %v", e.SessionID, e.Path, e.Err)
}

func (e *CorruptRecordError) Unwrap() error { return e.Err }
