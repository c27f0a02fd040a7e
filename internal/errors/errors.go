package errors

import (
	"errors"
)

// Common error types
var (
	ErrInvalidInput  = errors.New("invalid input")
	ErrDatabaseError = errors.New("database error")
	ErrNotFound      = errors.New("not found")
	ErrInternal      = errors.New("internal error")

	// ErrDeniedByPolicy is an authorization refusal. User-visible, never retried.
	ErrDeniedByPolicy = errors.New("denied by policy")

	// ErrConflict signals an invariant violation, such as a second active
	// mute/jail for the same user or a duplicate open appeal ticket.
	ErrConflict = errors.New("conflicting active record")

	// ErrInvalidTransition is returned when a state machine operation is
	// attempted from a terminal state. Benign, surfaced as "already resolved".
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrTransientExternal marks a temporary collaborator failure that is
	// safe to retry with backoff.
	ErrTransientExternal = errors.New("transient external failure")

	// ErrPersistentExternal marks a collaborator failure that survived all
	// retry attempts and needs manual remediation.
	ErrPersistentExternal = errors.New("persistent external failure")

	// ErrCorruptState flags a persisted invariant found violated on load.
	// The affected entity is quarantined, never silently repaired.
	ErrCorruptState = errors.New("corrupt persisted state")
)
