// Package apperrors holds the error taxonomy shared across components
// (spec.md §7). Components return these sentinels directly or wrap them
// with fmt.Errorf("...: %w", ...) so callers can errors.Is against them.
package apperrors

import "errors"

var (
	// ErrNotFound is a non-fatal lookup miss.
	ErrNotFound = errors.New("apperrors: not found")
	// ErrDuplicate signals an idempotent skip, not a failure.
	ErrDuplicate = errors.New("apperrors: duplicate")
	// ErrInvalidTransition is an attempted illegal processing-state change.
	ErrInvalidTransition = errors.New("apperrors: invalid state transition")
	// ErrTransient is a retryable I/O or rate-limit failure.
	ErrTransient = errors.New("apperrors: transient failure")
	// ErrPermanent is a non-retryable I/O, auth, or parse failure.
	ErrPermanent = errors.New("apperrors: permanent failure")
	// ErrSchemaInvalid means CRM schema preflight failed.
	ErrSchemaInvalid = errors.New("apperrors: CRM schema invalid")
	// ErrInsufficientEvidence means no canonical key was derivable.
	ErrInsufficientEvidence = errors.New("apperrors: insufficient evidence")
	// ErrCancelled is cooperative cancellation (ctx.Err()).
	ErrCancelled = errors.New("apperrors: cancelled")
)
