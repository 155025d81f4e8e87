// Package bridge implements the cross-shard request/response and broadcast
// protocol over one shared pub/sub channel. A single dispatch table serves
// both the local short-circuit and the remote path, so single-shard
// deployments stay fully functional and the two paths cannot drift.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/alG-N/ShoukakuBot-sub001/shardkit/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Transport carries envelopes between shards. redis.PubSubChannel satisfies
// this.
type Transport interface {
	Publish(ctx context.Context, data []byte) error
	Subscribe(ctx context.Context) (<-chan []byte, error)
	Close() error
}

// Config assembles a Bridge.
type Config struct {
	// ShardID uniquely names this process on the channel.
	ShardID   string
	Transport Transport
	// Handlers is the dispatch table. A shared registry lets the hosting
	// process register handlers before or after construction.
	Handlers *Registry
	Logger   log.Logger
	// DefaultTimeout bounds requests that pass a non-positive timeout, and
	// remote handler execution. Defaults to 5s.
	DefaultTimeout time.Duration
	// JanitorInterval paces expiry of abandoned pending requests. Defaults
	// to 1s.
	JanitorInterval time.Duration
}

// ShardResponse is one shard's answer to an all-request.
type ShardResponse struct {
	ShardID string
	Payload json.RawMessage
}

// pendingRequest tracks one outstanding correlation id. The janitor removes
// entries past their deadline even when nobody awaits them.
type pendingRequest struct {
	deadline  time.Time
	responses chan Envelope
}

// Bridge is one shard's endpoint on the shared channel.
type Bridge struct {
	shardID         string
	transport       Transport
	handlers        *Registry
	logger          log.Logger
	tracer          trace.Tracer
	defaultTimeout  time.Duration
	janitorInterval time.Duration

	mu      sync.Mutex
	pending map[string]*pendingRequest

	stop     chan struct{}
	stopOnce sync.Once
	done     sync.WaitGroup
}

// New validates config and builds a Bridge. Call Initialize to start
// receiving.
func New(cfg Config) (*Bridge, error) {
	if strings.TrimSpace(cfg.ShardID) == "" {
		return nil, ErrShardIDRequired
	}

	if cfg.ShardID == TargetAll {
		return nil, fmt.Errorf("%w: %q is reserved", ErrShardIDRequired, TargetAll)
	}

	if cfg.Transport == nil {
		return nil, ErrTransportRequired
	}

	if cfg.Handlers == nil {
		cfg.Handlers = NewRegistry()
	}

	if cfg.Logger == nil {
		cfg.Logger = log.NewNop()
	}

	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 5 * time.Second
	}

	if cfg.JanitorInterval <= 0 {
		cfg.JanitorInterval = time.Second
	}

	return &Bridge{
		shardID:         cfg.ShardID,
		transport:       cfg.Transport,
		handlers:        cfg.Handlers,
		logger:          cfg.Logger,
		tracer:          otel.Tracer("shardkit.bridge"),
		defaultTimeout:  cfg.DefaultTimeout,
		janitorInterval: cfg.JanitorInterval,
		pending:         make(map[string]*pendingRequest),
		stop:            make(chan struct{}),
	}, nil
}

// ShardID returns this bridge's shard id.
func (b *Bridge) ShardID() string {
	return b.shardID
}

// Handlers returns the dispatch table for registration.
func (b *Bridge) Handlers() *Registry {
	return b.handlers
}

// Initialize subscribes to the channel and starts the receive and janitor
// goroutines. Part of the component lifecycle.
func (b *Bridge) Initialize(ctx context.Context) error {
	stream, err := b.transport.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("bridge subscribe: %w", err)
	}

	b.done.Add(2)
	go b.receiveLoop(stream)
	go b.janitor()

	b.logger.Log(ctx, log.LevelInfo, "shard bridge online",
		log.String("shard_id", b.shardID))

	return nil
}

// Shutdown stops receiving and resolves every pending request with
// ErrBridgeClosed.
func (b *Bridge) Shutdown(ctx context.Context) error {
	b.stopOnce.Do(func() { close(b.stop) })

	err := b.transport.Close()

	finished := make(chan struct{})

	go func() {
		b.done.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-ctx.Done():
		return fmt.Errorf("bridge shutdown: %w", ctx.Err())
	}

	return err
}

// Request sends a request to one shard and waits for its response. A target
// equal to this shard short-circuits through the shared dispatch table
// without touching the transport. The response payload or an error is
// returned; no response within timeout is ErrRequestTimeout.
func (b *Bridge) Request(ctx context.Context, target, requestType string, payload any, timeout time.Duration) (json.RawMessage, error) {
	if strings.TrimSpace(target) == "" {
		return nil, ErrTargetRequired
	}

	// A single-response wait cannot honor all-request semantics.
	if target == TargetAll {
		return nil, fmt.Errorf("%w: target %q needs RequestAll", ErrTargetRequired, TargetAll)
	}

	if strings.TrimSpace(requestType) == "" {
		return nil, ErrTypeRequired
	}

	if timeout <= 0 {
		timeout = b.defaultTimeout
	}

	ctx, span := b.tracer.Start(ctx, "bridge.request", trace.WithAttributes(
		attribute.String("shard.origin", b.shardID),
		attribute.String("shard.target", target),
		attribute.String("request.type", requestType),
	))
	defer span.End()

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %q request: %w", requestType, err)
	}

	if target == b.shardID {
		return b.handlers.Dispatch(ctx, requestType, raw)
	}

	envelope := newRequest(b.shardID, target, requestType, raw)

	pending := b.addPending(envelope.CorrelationID, timeout, 1)
	defer b.removePending(envelope.CorrelationID)

	if err := b.publish(ctx, envelope); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case response := <-pending.responses:
		if response.Error != "" {
			return nil, fmt.Errorf("%w: %s", ErrRemote, response.Error)
		}

		return response.Payload, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s to shard %s after %s", ErrRequestTimeout, requestType, target, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.stop:
		return nil, ErrBridgeClosed
	}
}

// RequestAll fans a request out to every shard and aggregates the responses
// received before the deadline, including this shard's own answer from the
// shared dispatch table. Partial results are success; only an empty result
// set after the deadline is ErrRequestTimeout.
func (b *Bridge) RequestAll(ctx context.Context, requestType string, payload any, timeout time.Duration) ([]ShardResponse, error) {
	if strings.TrimSpace(requestType) == "" {
		return nil, ErrTypeRequired
	}

	if timeout <= 0 {
		timeout = b.defaultTimeout
	}

	ctx, span := b.tracer.Start(ctx, "bridge.request_all", trace.WithAttributes(
		attribute.String("shard.origin", b.shardID),
		attribute.String("request.type", requestType),
	))
	defer span.End()

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %q request: %w", requestType, err)
	}

	envelope := newRequest(b.shardID, TargetAll, requestType, raw)

	pending := b.addPending(envelope.CorrelationID, timeout, 64)
	defer b.removePending(envelope.CorrelationID)

	if err := b.publish(ctx, envelope); err != nil {
		return nil, err
	}

	var responses []ShardResponse

	// This shard is an eligible target of its own all-request.
	if local, err := b.handlers.Dispatch(ctx, requestType, raw); err == nil {
		responses = append(responses, ShardResponse{ShardID: b.shardID, Payload: local})
	} else {
		b.logger.Log(ctx, log.LevelDebug, "local dispatch for all-request failed",
			log.String("type", requestType), log.Err(err))
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

collect:
	for {
		select {
		case response := <-pending.responses:
			if response.Error == "" {
				responses = append(responses, ShardResponse{
					ShardID: response.OriginShardID,
					Payload: response.Payload,
				})
			}
		case <-timer.C:
			break collect
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-b.stop:
			return nil, ErrBridgeClosed
		}
	}

	if len(responses) == 0 {
		return nil, fmt.Errorf("%w: no shard answered %s within %s", ErrRequestTimeout, requestType, timeout)
	}

	return responses, nil
}

// Broadcast publishes a fire-and-forget message to every shard, including
// this one via the shared dispatch table. No correlation bookkeeping is
// kept and no response is expected.
func (b *Bridge) Broadcast(ctx context.Context, messageType string, payload any) error {
	if strings.TrimSpace(messageType) == "" {
		return ErrTypeRequired
	}

	ctx, span := b.tracer.Start(ctx, "bridge.broadcast", trace.WithAttributes(
		attribute.String("shard.origin", b.shardID),
		attribute.String("request.type", messageType),
	))
	defer span.End()

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %q broadcast: %w", messageType, err)
	}

	envelope := newBroadcast(b.shardID, messageType, raw)

	if err := b.publish(ctx, envelope); err != nil {
		return err
	}

	go b.dispatchBroadcast(envelope)

	return nil
}

func (b *Bridge) publish(ctx context.Context, envelope Envelope) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	if err := b.transport.Publish(ctx, data); err != nil {
		return fmt.Errorf("bridge publish: %w", err)
	}

	return nil
}

func (b *Bridge) addPending(correlationID string, timeout time.Duration, buffer int) *pendingRequest {
	pending := &pendingRequest{
		deadline:  time.Now().Add(timeout),
		responses: make(chan Envelope, buffer),
	}

	b.mu.Lock()
	b.pending[correlationID] = pending
	b.mu.Unlock()

	return pending
}

func (b *Bridge) removePending(correlationID string) {
	b.mu.Lock()
	delete(b.pending, correlationID)
	b.mu.Unlock()
}

func (b *Bridge) receiveLoop(stream <-chan []byte) {
	defer b.done.Done()

	for {
		select {
		case <-b.stop:
			return
		case data, open := <-stream:
			if !open {
				return
			}

			b.handleMessage(data)
		}
	}
}

func (b *Bridge) handleMessage(data []byte) {
	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		b.logger.Log(context.Background(), log.LevelWarn, "dropping undecodable envelope", log.Err(err))

		return
	}

	if err := envelope.validate(); err != nil {
		b.logger.Log(context.Background(), log.LevelWarn, "dropping invalid envelope", log.Err(err))

		return
	}

	// Own messages were already handled through the local short-circuit.
	if envelope.OriginShardID == b.shardID {
		return
	}

	switch envelope.Kind {
	case KindRequest:
		if !envelope.addressedTo(b.shardID) {
			return
		}

		go b.serveRequest(envelope)
	case KindBroadcast:
		go b.dispatchBroadcast(envelope)
	case KindResponse:
		if envelope.TargetShardID != b.shardID {
			return
		}

		b.deliverResponse(envelope)
	}
}

// serveRequest runs a remote request through the shared dispatch table and
// publishes the response, echoing the correlation id.
func (b *Bridge) serveRequest(request Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), b.defaultTimeout)
	defer cancel()

	payload, err := b.handlers.Dispatch(ctx, request.Type, request.Payload)
	response := newResponse(request, b.shardID, payload, err)

	if err := b.publish(ctx, response); err != nil {
		b.logger.Log(ctx, log.LevelWarn, "failed to publish response",
			log.String("correlation_id", request.CorrelationID),
			log.Err(err))
	}
}

func (b *Bridge) dispatchBroadcast(envelope Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), b.defaultTimeout)
	defer cancel()

	if _, err := b.handlers.Dispatch(ctx, envelope.Type, envelope.Payload); err != nil && !errors.Is(err, ErrUnknownRequestType) {
		b.logger.Log(ctx, log.LevelWarn, "broadcast handler failed",
			log.String("type", envelope.Type),
			log.Err(err))
	}
}

func (b *Bridge) deliverResponse(envelope Envelope) {
	b.mu.Lock()
	pending := b.pending[envelope.CorrelationID]
	b.mu.Unlock()

	// Expired or already satisfied correlations are dropped silently.
	if pending == nil {
		return
	}

	select {
	case pending.responses <- envelope:
	default:
	}
}

// janitor expires pending correlations past their deadline, whether or not
// anyone still awaits them, so abandoned requests cannot grow the map.
func (b *Bridge) janitor() {
	defer b.done.Done()

	ticker := time.NewTicker(b.janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case now := <-ticker.C:
			b.mu.Lock()

			for correlationID, pending := range b.pending {
				if now.After(pending.deadline) {
					delete(b.pending, correlationID)
				}
			}

			b.mu.Unlock()
		}
	}
}
