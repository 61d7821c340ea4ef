package eventstore

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced by the store.
var (
	// ErrNotFound is returned when a requested event or stream does not exist.
	ErrNotFound = errors.New("event not found")

	// ErrIdempotencyConflictUnresolved is returned when an idempotency-key
	// collision could not be resolved to the stored event (transient).
	ErrIdempotencyConflictUnresolved = errors.New("idempotency conflict unresolved")

	// ErrSequenceContention is returned when the per-stream sequence unique
	// index rejects an insert even after the head-lock retry. That means two
	// writers bypassed the head lock — a bug, not a transient condition.
	ErrSequenceContention = errors.New("stream sequence contention after retry")
)

// ValidationError reports a malformed envelope.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid envelope: %s %s", e.Field, e.Reason)
}
