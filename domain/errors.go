package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when the entity does not exist or was deleted.
	ErrNotFound = errors.New("entity not found")
	// ErrConflict indicates that the write lost an optimistic concurrency
	// race. Callers re-read and retry; nothing retries on their behalf.
	ErrConflict = errors.New("concurrency conflict")
	// ErrStaleVersion is reported by the storage layer when the stored version
	// does not match the expected one.
	ErrStaleVersion = errors.New("stale version")
	// ErrStoreUnavailable wraps transient infrastructure failures of the
	// backing store. It is safe to retry the request.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrQueueOverflow marks a session that fell too far behind.
	ErrQueueOverflow = errors.New("session queue overflow")
	// ErrOutOfSync marks a session that was offered a delta out of version
	// order.
	ErrOutOfSync = errors.New("session out of sync")
)

// ValidationError reports malformed input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Invalid builds a ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsConflict reports whether err is an optimistic concurrency failure.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrStaleVersion)
}
