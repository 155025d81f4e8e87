package degradation

import "errors"

var (
	// ErrNilManager is returned when a manager receiver is nil.
	ErrNilManager = errors.New("degradation manager is nil")
	// ErrServiceNameRequired indicates a blank service name.
	ErrServiceNameRequired = errors.New("service name is required")
	// ErrTargetRequired indicates a blank write-queue target.
	ErrTargetRequired = errors.New("write target is required")
	// ErrExecutorRequired indicates a nil replay executor.
	ErrExecutorRequired = errors.New("replay executor is required")
	// ErrExecutorRegistered indicates the target already has an executor.
	ErrExecutorRegistered = errors.New("replay executor already registered")
	// ErrFallbackKeyRequired indicates a blank fallback key.
	ErrFallbackKeyRequired = errors.New("fallback key is required")
	// ErrFallbackUnknown is returned when no value and no supplier exist
	// for a fallback key.
	ErrFallbackUnknown = errors.New("no fallback registered for key")
	// ErrPayloadTooLarge indicates a queued write exceeding the size bound.
	ErrPayloadTooLarge = errors.New("queued write payload exceeds maximum allowed size")
	// ErrPayloadNotJSON indicates a payload that does not encode to JSON.
	ErrPayloadNotJSON = errors.New("queued write payload must encode to valid JSON")
)
