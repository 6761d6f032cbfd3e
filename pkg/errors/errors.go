package apperrors

import "errors"

// Engine error taxonomy. All are client-correctable: callers must not retry
// them automatically. Storage failures are returned as-is by the stores and
// stay retryable with the same idempotency key.
var (
	ErrValidation            = errors.New("validation error")
	ErrMissingIdempotencyKey = errors.New("missing idempotency key")
	ErrIdempotencyConflict   = errors.New("idempotency conflict")
	ErrGuardrailBreach       = errors.New("guardrail breach")
	ErrBelowMinimum          = errors.New("below minimum order size")
	ErrInsufficientResources = errors.New("insufficient resources")
	ErrNotFound              = errors.New("not found")
	ErrInvalidState          = errors.New("invalid order state")
)
