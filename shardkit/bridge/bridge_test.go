package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// bus is an in-memory stand-in for the shared pub/sub channel: every
// publish reaches every subscriber, including the publisher.
type bus struct {
	mu   sync.Mutex
	subs []chan []byte
}

func (b *bus) transport() *busTransport {
	return &busTransport{bus: b}
}

type busTransport struct {
	bus *bus

	mu     sync.Mutex
	stream chan []byte
	closed bool
}

func (t *busTransport) Publish(_ context.Context, data []byte) error {
	t.bus.mu.Lock()
	defer t.bus.mu.Unlock()

	for _, sub := range t.bus.subs {
		select {
		case sub <- append([]byte(nil), data...):
		default:
		}
	}

	return nil
}

func (t *busTransport) Subscribe(context.Context) (<-chan []byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stream = make(chan []byte, 64)

	t.bus.mu.Lock()
	t.bus.subs = append(t.bus.subs, t.stream)
	t.bus.mu.Unlock()

	return t.stream, nil
}

func (t *busTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed || t.stream == nil {
		return nil
	}

	t.closed = true

	t.bus.mu.Lock()
	for i, sub := range t.bus.subs {
		if sub == t.stream {
			t.bus.subs = append(t.bus.subs[:i], t.bus.subs[i+1:]...)

			break
		}
	}
	t.bus.mu.Unlock()

	close(t.stream)

	return nil
}

func newTestBridge(t *testing.T, b *bus, shardID string) *Bridge {
	t.Helper()

	br, err := New(Config{
		ShardID:         shardID,
		Transport:       b.transport(),
		JanitorInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, br.Initialize(context.Background()))
	t.Cleanup(func() { _ = br.Shutdown(context.Background()) })

	return br
}

func registerEcho(t *testing.T, br *Bridge, requestType string) {
	t.Helper()

	require.NoError(t, br.Handlers().Register(requestType, func(_ context.Context, payload json.RawMessage) (any, error) {
		return map[string]any{"shard": br.ShardID(), "echo": string(payload)}, nil
	}))
}

func TestNew_Validation(t *testing.T) {
	b := &bus{}

	_, err := New(Config{Transport: b.transport()})
	assert.ErrorIs(t, err, ErrShardIDRequired)

	_, err = New(Config{ShardID: TargetAll, Transport: b.transport()})
	assert.ErrorIs(t, err, ErrShardIDRequired)

	_, err = New(Config{ShardID: "shard-0"})
	assert.ErrorIs(t, err, ErrTransportRequired)
}

func TestBridge_Request_RejectsAllTarget(t *testing.T) {
	b := &bus{}
	origin := newTestBridge(t, b, "shard-0")
	registerEcho(t, origin, "getCount")

	// A single-response request to "all" would silently return whichever
	// shard answered first, so it is refused outright.
	_, err := origin.Request(context.Background(), TargetAll, "getCount", nil, time.Second)
	assert.ErrorIs(t, err, ErrTargetRequired)
}

func TestBridge_RequestResponse(t *testing.T) {
	b := &bus{}
	origin := newTestBridge(t, b, "shard-0")
	remote := newTestBridge(t, b, "shard-1")

	require.NoError(t, remote.Handlers().Register("ping", func(_ context.Context, payload json.RawMessage) (any, error) {
		return map[string]string{"pong": "from-1"}, nil
	}))

	payload, err := origin.Request(context.Background(), "shard-1", "ping", map[string]string{}, time.Second)
	require.NoError(t, err)

	var response map[string]string
	require.NoError(t, json.Unmarshal(payload, &response))
	assert.Equal(t, "from-1", response["pong"])
}

func TestBridge_Request_RemoteHandlerError(t *testing.T) {
	b := &bus{}
	origin := newTestBridge(t, b, "shard-0")
	remote := newTestBridge(t, b, "shard-1")

	require.NoError(t, remote.Handlers().Register("explode", func(context.Context, json.RawMessage) (any, error) {
		return nil, errors.New("handler blew up")
	}))

	_, err := origin.Request(context.Background(), "shard-1", "explode", nil, time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRemote)
	assert.Contains(t, err.Error(), "handler blew up")
}

func TestBridge_Request_TimesOutAtDeadline(t *testing.T) {
	b := &bus{}
	origin := newTestBridge(t, b, "shard-0")

	start := time.Now()
	_, err := origin.Request(context.Background(), "shard-gone", "ping", nil, 150*time.Millisecond)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrRequestTimeout)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond, "must not fail before the deadline")
	assert.Less(t, elapsed, time.Second, "must not hang past the deadline")
}

func TestBridge_LocalShortCircuit(t *testing.T) {
	b := &bus{}
	br := newTestBridge(t, b, "shard-0")

	calls := 0
	require.NoError(t, br.Handlers().Register("self", func(context.Context, json.RawMessage) (any, error) {
		calls++

		return "local", nil
	}))

	payload, err := br.Request(context.Background(), "shard-0", "self", nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, `"local"`, string(payload))
	assert.Equal(t, 1, calls, "self-addressed requests use the in-process path")
}

func TestBridge_RequestAll_AggregatesIncludingLocal(t *testing.T) {
	b := &bus{}
	bridges := []*Bridge{
		newTestBridge(t, b, "shard-0"),
		newTestBridge(t, b, "shard-1"),
		newTestBridge(t, b, "shard-2"),
	}

	for _, br := range bridges {
		registerEcho(t, br, "getCount")
	}

	responses, err := bridges[0].RequestAll(context.Background(), "getCount", nil, 300*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, responses, 3)

	shards := make(map[string]bool)
	for _, response := range responses {
		shards[response.ShardID] = true
	}

	assert.True(t, shards["shard-0"], "the origin shard answers its own all-request")
	assert.True(t, shards["shard-1"])
	assert.True(t, shards["shard-2"])
}

func TestBridge_RequestAll_PartialResultsAreSuccess(t *testing.T) {
	b := &bus{}
	origin := newTestBridge(t, b, "shard-0")
	answering := newTestBridge(t, b, "shard-1")
	newTestBridge(t, b, "shard-2") // never registers the handler

	registerEcho(t, origin, "getCount")
	registerEcho(t, answering, "getCount")

	responses, err := origin.RequestAll(context.Background(), "getCount", nil, 300*time.Millisecond)
	require.NoError(t, err, "a silent shard must not fail the aggregate")
	assert.Len(t, responses, 2)
}

func TestBridge_RequestAll_EmptyResultIsTimeout(t *testing.T) {
	b := &bus{}
	origin := newTestBridge(t, b, "shard-0")

	_, err := origin.RequestAll(context.Background(), "nobody-handles-this", nil, 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrRequestTimeout)
}

func TestBridge_Broadcast_ReachesEveryShard(t *testing.T) {
	b := &bus{}
	bridges := []*Bridge{
		newTestBridge(t, b, "shard-0"),
		newTestBridge(t, b, "shard-1"),
		newTestBridge(t, b, "shard-2"),
	}

	var mu sync.Mutex
	received := make(map[string]bool)

	for _, br := range bridges {
		shardID := br.ShardID()
		require.NoError(t, br.Handlers().Register("announce", func(context.Context, json.RawMessage) (any, error) {
			mu.Lock()
			received[shardID] = true
			mu.Unlock()

			return nil, nil
		}))
	}

	require.NoError(t, bridges[0].Broadcast(context.Background(), "announce", map[string]string{"msg": "hi"}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return len(received) == 3
	}, time.Second, 10*time.Millisecond, "broadcast must reach every shard including the origin")
}

func TestBridge_JanitorExpiresAbandonedCorrelations(t *testing.T) {
	b := &bus{}
	br := newTestBridge(t, b, "shard-0")

	br.addPending("abandoned", 20*time.Millisecond, 1)

	require.Eventually(t, func() bool {
		br.mu.Lock()
		defer br.mu.Unlock()

		_, ok := br.pending["abandoned"]

		return !ok
	}, time.Second, 10*time.Millisecond, "expired correlations must be removed even if nobody awaits them")
}

func TestBridge_ShutdownResolvesPending(t *testing.T) {
	b := &bus{}
	br, err := New(Config{ShardID: "shard-0", Transport: b.transport()})
	require.NoError(t, err)
	require.NoError(t, br.Initialize(context.Background()))

	errCh := make(chan error, 1)

	go func() {
		_, err := br.Request(context.Background(), "shard-gone", "ping", nil, time.Minute)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, br.Shutdown(context.Background()))

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrBridgeClosed)
	case <-time.After(time.Second):
		t.Fatal("pending request did not resolve on shutdown")
	}
}

func TestRegistry_DuplicateRegistration(t *testing.T) {
	r := NewRegistry()

	handler := func(context.Context, json.RawMessage) (any, error) { return nil, nil }

	require.NoError(t, r.Register("ping", handler))
	assert.ErrorIs(t, r.Register("ping", handler), ErrHandlerRegistered)
	assert.ErrorIs(t, r.Register("", handler), ErrTypeRequired)
	assert.ErrorIs(t, r.Register("pong", nil), ErrHandlerRequired)
}

func TestRegistry_DispatchUnknownType(t *testing.T) {
	r := NewRegistry()

	_, err := r.Dispatch(context.Background(), "ghost", nil)
	assert.ErrorIs(t, err, ErrUnknownRequestType)
}

func TestEnvelope_Validate(t *testing.T) {
	valid := newRequest("shard-0", "shard-1", "ping", nil)
	assert.NoError(t, valid.validate())

	invalid := valid
	invalid.Kind = "NOISE"
	assert.ErrorIs(t, invalid.validate(), ErrEnvelopeInvalid)

	invalid = valid
	invalid.CorrelationID = ""
	assert.ErrorIs(t, invalid.validate(), ErrEnvelopeInvalid)
}
