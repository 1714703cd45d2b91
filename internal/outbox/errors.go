package outbox

import "errors"

var (
	ErrEventRequired        = errors.New("outbox event is required")
	ErrEventIDRequired      = errors.New("outbox event id is required")
	ErrTenantIDRequired     = errors.New("tenant id is required")
	ErrFarmIDRequired       = errors.New("farm id is required")
	ErrBarnIDRequired       = errors.New("barn id is required")
	ErrDeviceIDRequired     = errors.New("device id is required")
	ErrEventTypeRequired    = errors.New("event type is required")
	ErrTraceIDRequired      = errors.New("trace id is required")
	ErrOccurredAtRequired   = errors.New("occurred at is required")
	ErrPayloadRequired      = errors.New("outbox event payload is required")
	ErrPayloadTooLarge      = errors.New("outbox event payload exceeds maximum allowed size")
	ErrPayloadNotJSON       = errors.New("outbox event payload must be valid JSON (stored as JSONB)")
	ErrStatusInvalid        = errors.New("invalid outbox status")
	ErrTransitionInvalid    = errors.New("invalid outbox status transition")
	ErrStateConflict        = errors.New("outbox event state transition conflict")
	ErrNotFound             = errors.New("outbox event not found")
	ErrStoreRequired        = errors.New("outbox store is required")
	ErrWorkerIDRequired     = errors.New("worker id is required")
	ErrLimitMustBePositive  = errors.New("limit must be greater than zero")
	ErrLeaseMustBePositive  = errors.New("lease duration must be greater than zero")
	ErrDLQReasonRequired    = errors.New("dlq reason is required")
)
