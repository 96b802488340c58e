package errors

import (
	"errors"
)

// Sentinel errors for the service taxonomy
var (
	// ErrUnauthorized - authentication failure (unauthorized, invalid credential, non-owner);
	// always surfaced as one generic message to avoid enumeration
	ErrUnauthorized = errors.New("unauthorized")

	// ErrLocked - identity is locked out after repeated failures
	ErrLocked = errors.New("locked")

	// ErrBlockedByPolicy - command is on the configured block list
	ErrBlockedByPolicy = errors.New("blocked by policy")

	// ErrInvalidInput - bad payload shape, bad schedule time, unsupported platform
	ErrInvalidInput = errors.New("invalid input")

	// ErrContentFlagged - content-safety scan rejected the content
	ErrContentFlagged = errors.New("content flagged")

	// ErrConflict - schedule conflict with an existing job
	ErrConflict = errors.New("conflict")

	// ErrNotFound - resource not found (approval, queue job)
	ErrNotFound = errors.New("not found")

	// ErrDelivery - platform call failure; retried transparently by the queue
	ErrDelivery = errors.New("delivery failed")

	// ErrInfrastructure - storage unavailable, lock contention; safe to retry
	ErrInfrastructure = errors.New("infrastructure error")

	// ErrSecurity - webhook signature/timestamp/replay rejection
	ErrSecurity = errors.New("security check failed")

	// ErrInternal - unexpected failure caught at the orchestration boundary
	ErrInternal = errors.New("internal error")
)
