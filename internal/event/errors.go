package event

import "errors"

// Error kinds surfaced by the core. Callers classify with errors.Is; the
// translation layer above the core maps these to its own boundary codes.
var (
	// ErrValidation marks malformed input at a public contract (unknown event
	// type, bad replay speed, bad filter operator, missing required field).
	ErrValidation = errors.New("validation error")

	// ErrNotFound marks a missing subscription, replay, or notification.
	ErrNotFound = errors.New("not found")

	// ErrPermissionDenied marks a non-owner, non-admin touching someone
	// else's subscription, replay, or notification.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrConflict marks a duplicate under a unique constraint.
	ErrConflict = errors.New("conflict")

	// ErrQueueFull marks ingress saturation. The bus absorbs this by falling
	// back to inline processing; it surfaces only if inline processing also
	// fails.
	ErrQueueFull = errors.New("ingress queue full")

	// ErrSessionClosed marks a write to a session that is draining or gone.
	// Transient from the tracker's point of view: retried with backoff.
	ErrSessionClosed = errors.New("session closed")

	// ErrSessionBufferFull marks a non-blocking session enqueue that found
	// the outbound mailbox at capacity.
	ErrSessionBufferFull = errors.New("session buffer full")
)
