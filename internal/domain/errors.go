package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for domain-level error discrimination.
// Services wrap these so handlers can map to HTTP status codes without leaking infrastructure details.
var (
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrBadRequest   = errors.New("bad request")

	// ErrTransientChannel covers disconnects and timeouts on the push channel. Always retried.
	ErrTransientChannel = errors.New("transient channel error")
	// ErrStaleWrite marks a write older than the state it would replace. Resolved, never surfaced.
	ErrStaleWrite = errors.New("stale write")
	// ErrSnapshotFetch is returned once the snapshot retry budget is spent.
	ErrSnapshotFetch = errors.New("snapshot fetch failed")
	// ErrMalformedEvent marks an event with an unknown category or missing fields.
	ErrMalformedEvent = errors.New("malformed event")
	// ErrStaleSnapshot marks a snapshot superseded by a later completed reconciliation.
	ErrStaleSnapshot = errors.New("stale snapshot")
)

// MalformedEventError describes what was wrong with an incoming event.
// Salvaged events are still counted; unsalvaged ones are dropped.
type MalformedEventError struct {
	Field    string
	Reason   string
	Salvaged bool
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed event: %s %s", e.Field, e.Reason)
}

func (e *MalformedEventError) Unwrap() error { return ErrMalformedEvent }
