package bridge

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind discriminates the three message shapes on the shared channel.
type Kind string

const (
	KindRequest   Kind = "REQUEST"
	KindResponse  Kind = "RESPONSE"
	KindBroadcast Kind = "BROADCAST"
)

// TargetAll addresses a request or broadcast to every shard.
const TargetAll = "all"

// Envelope is one message on the shared pub/sub channel. Responses echo the
// originating correlation id.
type Envelope struct {
	CorrelationID string          `json:"correlationId"`
	Kind          Kind            `json:"kind"`
	Type          string          `json:"type"`
	OriginShardID string          `json:"originShardId"`
	TargetShardID string          `json:"targetShardId"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Error         string          `json:"error,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

func newRequest(origin, target, requestType string, payload json.RawMessage) Envelope {
	return Envelope{
		CorrelationID: uuid.NewString(),
		Kind:          KindRequest,
		Type:          requestType,
		OriginShardID: origin,
		TargetShardID: target,
		Payload:       payload,
		Timestamp:     time.Now().UTC(),
	}
}

// newResponse answers a request, swapping origin and target and echoing the
// correlation id.
func newResponse(request Envelope, origin string, payload json.RawMessage, err error) Envelope {
	response := Envelope{
		CorrelationID: request.CorrelationID,
		Kind:          KindResponse,
		Type:          request.Type,
		OriginShardID: origin,
		TargetShardID: request.OriginShardID,
		Payload:       payload,
		Timestamp:     time.Now().UTC(),
	}

	if err != nil {
		response.Error = err.Error()
	}

	return response
}

func newBroadcast(origin, messageType string, payload json.RawMessage) Envelope {
	return Envelope{
		CorrelationID: uuid.NewString(),
		Kind:          KindBroadcast,
		Type:          messageType,
		OriginShardID: origin,
		TargetShardID: TargetAll,
		Payload:       payload,
		Timestamp:     time.Now().UTC(),
	}
}

func (e Envelope) validate() error {
	switch e.Kind {
	case KindRequest, KindResponse, KindBroadcast:
	default:
		return fmt.Errorf("%w: kind %q", ErrEnvelopeInvalid, e.Kind)
	}

	if e.CorrelationID == "" {
		return fmt.Errorf("%w: correlation id is required", ErrEnvelopeInvalid)
	}

	if e.Type == "" {
		return fmt.Errorf("%w: type is required", ErrEnvelopeInvalid)
	}

	if e.OriginShardID == "" {
		return fmt.Errorf("%w: origin shard id is required", ErrEnvelopeInvalid)
	}

	if e.TargetShardID == "" {
		return fmt.Errorf("%w: target shard id is required", ErrEnvelopeInvalid)
	}

	return nil
}

// addressedTo reports whether the envelope is for the given shard.
func (e Envelope) addressedTo(shardID string) bool {
	return e.TargetShardID == shardID || e.TargetShardID == TargetAll
}
