package bridge

import "errors"

var (
	// ErrShardIDRequired indicates a blank shard id in the config.
	ErrShardIDRequired = errors.New("shard id is required")
	// ErrTransportRequired indicates a nil transport in the config.
	ErrTransportRequired = errors.New("bridge transport is required")
	// ErrTypeRequired indicates a blank request type.
	ErrTypeRequired = errors.New("request type is required")
	// ErrTargetRequired indicates a blank target shard id.
	ErrTargetRequired = errors.New("target shard id is required")
	// ErrHandlerRequired indicates a nil handler.
	ErrHandlerRequired = errors.New("request handler is required")
	// ErrHandlerRegistered indicates a duplicate handler registration. The
	// request-type set is closed and statically known, so a duplicate is a
	// wiring bug, not a runtime condition.
	ErrHandlerRegistered = errors.New("request handler already registered")
	// ErrUnknownRequestType is returned when no handler exists for a type.
	ErrUnknownRequestType = errors.New("unknown request type")
	// ErrRequestTimeout is returned when no response (or, for all-requests,
	// not a single response) arrived before the deadline.
	ErrRequestTimeout = errors.New("shard request timed out")
	// ErrRemote wraps an error reported by the responding shard.
	ErrRemote = errors.New("remote shard error")
	// ErrBridgeClosed is returned for operations on a shut-down bridge and
	// resolves any requests still pending at shutdown.
	ErrBridgeClosed = errors.New("shard bridge is closed")
	// ErrEnvelopeInvalid indicates a malformed envelope on the wire.
	ErrEnvelopeInvalid = errors.New("invalid shard message envelope")
)
