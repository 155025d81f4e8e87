package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// Handler serves one request type. The returned value is JSON-encoded into
// the response payload. Handlers must never evaluate payload-supplied code;
// the request-type set is closed and registered at startup.
type Handler func(ctx context.Context, payload json.RawMessage) (any, error)

// Registry is the single dispatch table shared by the local short-circuit
// and the remote subscriber paths, so the two can never drift apart.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty dispatch table.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to a request type. Duplicate registration is an
// error.
func (r *Registry) Register(requestType string, handler Handler) error {
	if strings.TrimSpace(requestType) == "" {
		return ErrTypeRequired
	}

	if handler == nil {
		return ErrHandlerRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.handlers[requestType]; ok {
		return fmt.Errorf("%w: %q", ErrHandlerRegistered, requestType)
	}

	r.handlers[requestType] = handler

	return nil
}

// Types returns the registered request types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for requestType := range r.handlers {
		types = append(types, requestType)
	}

	return types
}

// Dispatch runs the handler for requestType and encodes its result.
func (r *Registry) Dispatch(ctx context.Context, requestType string, payload json.RawMessage) (json.RawMessage, error) {
	r.mu.RLock()
	handler, ok := r.handlers[requestType]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRequestType, requestType)
	}

	result, err := handler(ctx, payload)
	if err != nil {
		return nil, err
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode %q response: %w", requestType, err)
	}

	return encoded, nil
}
