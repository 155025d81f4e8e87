package cache

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mapBacking is an in-memory Backing used to exercise the hybrid read/write
// paths without a real server. Setting fail makes every call error.
type mapBacking struct {
	mu   sync.Mutex
	data map[string]string
	fail bool
}

func newMapBacking() *mapBacking {
	return &mapBacking{data: make(map[string]string)}
}

func (b *mapBacking) setFail(fail bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fail = fail
}

func (b *mapBacking) GetKey(_ context.Context, key string) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.fail {
		return "", false, errors.New("backing down")
	}

	value, ok := b.data[key]

	return value, ok, nil
}

func (b *mapBacking) SetKey(_ context.Context, key, value string, _ time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.fail {
		return errors.New("backing down")
	}

	b.data[key] = value

	return nil
}

func (b *mapBacking) DeleteKeys(_ context.Context, keys ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.fail {
		return errors.New("backing down")
	}

	for _, key := range keys {
		delete(b.data, key)
	}

	return nil
}

func (b *mapBacking) DeletePrefix(_ context.Context, prefix string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.fail {
		return 0, errors.New("backing down")
	}

	deleted := 0

	for key := range b.data {
		if strings.HasPrefix(key, prefix) {
			delete(b.data, key)
			deleted++
		}
	}

	return deleted, nil
}

func (b *mapBacking) ScanPrefix(_ context.Context, prefix string) (map[string]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.fail {
		return nil, errors.New("backing down")
	}

	result := make(map[string]string)

	for key, value := range b.data {
		if strings.HasPrefix(key, prefix) {
			result[key] = value
		}
	}

	return result, nil
}

func (b *mapBacking) IncrBy(_ context.Context, key string, delta int64, _ time.Duration) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.fail {
		return 0, errors.New("backing down")
	}

	current, _ := strconv.ParseInt(b.data[key], 10, 64)
	current += delta
	b.data[key] = strconv.FormatInt(current, 10)

	return current, nil
}

func (b *mapBacking) Ping(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.fail {
		return errors.New("backing down")
	}

	return nil
}

// recordingHealth captures health transitions for assertions.
type recordingHealth struct {
	mu    sync.Mutex
	marks []string
}

func (h *recordingHealth) MarkHealthy(service string)     { h.record("healthy:" + service) }
func (h *recordingHealth) MarkDegraded(service string)    { h.record("degraded:" + service) }
func (h *recordingHealth) MarkUnavailable(service string) { h.record("unavailable:" + service) }

func (h *recordingHealth) record(mark string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.marks = append(h.marks, mark)
}

func (h *recordingHealth) all() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]string(nil), h.marks...)
}

func newLocalCache(t *testing.T, namespaces ...NamespaceConfig) *Cache {
	t.Helper()

	c := New(Config{})
	for _, ns := range namespaces {
		require.NoError(t, c.RegisterNamespace(ns))
	}

	return c
}

func TestCache_UnregisteredNamespaceFailsFast(t *testing.T) {
	c := New(Config{})
	ctx := context.Background()

	_, err := c.Get(ctx, "ghost", "k", nil)
	assert.ErrorIs(t, err, ErrNamespaceUnknown)

	err = c.Set(ctx, "ghost", "k", "v")
	assert.ErrorIs(t, err, ErrNamespaceUnknown)

	_, err = c.Increment(ctx, "ghost", "k", 1)
	assert.ErrorIs(t, err, ErrNamespaceUnknown)
}

func TestCache_RegisterNamespace_Validation(t *testing.T) {
	c := New(Config{})

	assert.ErrorIs(t, c.RegisterNamespace(NamespaceConfig{Name: ""}), ErrNamespaceInvalid)
	assert.ErrorIs(t, c.RegisterNamespace(NamespaceConfig{Name: "a:b"}), ErrNamespaceInvalid)
	assert.ErrorIs(t, c.RegisterNamespace(NamespaceConfig{Name: "ok", TTL: -time.Second}), ErrNamespaceInvalid)
	assert.ErrorIs(t, c.RegisterNamespace(NamespaceConfig{Name: "ok", Policy: "random"}), ErrNamespaceInvalid)
	assert.NoError(t, c.RegisterNamespace(NamespaceConfig{Name: "ok"}))
}

func TestCache_SetGetRoundTrip(t *testing.T) {
	c := newLocalCache(t, NamespaceConfig{Name: "guilds", TTL: time.Minute})
	ctx := context.Background()

	type guild struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	require.NoError(t, c.Set(ctx, "guilds", "42", guild{Name: "test", Count: 7}))

	var got guild
	found, err := c.Get(ctx, "guilds", "42", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, guild{Name: "test", Count: 7}, got)

	found, err = c.Get(ctx, "guilds", "missing", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCache_NamespaceIsolation(t *testing.T) {
	c := newLocalCache(t,
		NamespaceConfig{Name: "alpha"},
		NamespaceConfig{Name: "beta"},
	)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "alpha", "k", "a"))
	require.NoError(t, c.Set(ctx, "beta", "k", "b"))

	require.NoError(t, c.ClearNamespace(ctx, "alpha"))

	var value string
	found, err := c.Get(ctx, "beta", "k", &value)
	require.NoError(t, err)
	assert.True(t, found, "clearing alpha must not touch beta")
	assert.Equal(t, "b", value)

	found, err = c.Get(ctx, "alpha", "k", nil)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCache_DeleteByPrefix_ScopedToNamespace(t *testing.T) {
	c := newLocalCache(t,
		NamespaceConfig{Name: "alpha"},
		NamespaceConfig{Name: "beta"},
	)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "alpha", "user:1", "a1"))
	require.NoError(t, c.Set(ctx, "alpha", "user:2", "a2"))
	require.NoError(t, c.Set(ctx, "alpha", "track:1", "t1"))
	require.NoError(t, c.Set(ctx, "beta", "user:1", "b1"))

	require.NoError(t, c.DeleteByPrefix(ctx, "alpha", "user:"))

	found, err := c.Get(ctx, "alpha", "user:1", nil)
	require.NoError(t, err)
	assert.False(t, found)

	found, err = c.Get(ctx, "alpha", "track:1", nil)
	require.NoError(t, err)
	assert.True(t, found)

	found, err = c.Get(ctx, "beta", "user:1", nil)
	require.NoError(t, err)
	assert.True(t, found, "prefix delete must stay inside its namespace")
}

func TestCache_FIFOEviction(t *testing.T) {
	c := newLocalCache(t, NamespaceConfig{Name: "fifo", MaxEntries: 3, Policy: PolicyFIFO})
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, c.Set(ctx, "fifo", k, k))
	}

	// Reading "a" must not protect it under FIFO.
	found, err := c.Get(ctx, "fifo", "a", nil)
	require.NoError(t, err)
	require.True(t, found)

	require.NoError(t, c.Set(ctx, "fifo", "d", "d"))

	found, err = c.Get(ctx, "fifo", "a", nil)
	require.NoError(t, err)
	assert.False(t, found, "oldest-inserted must be evicted")

	stats := c.Stats()
	assert.Equal(t, 3, stats.Namespaces["fifo"].Entries)
	assert.Equal(t, int64(1), stats.Namespaces["fifo"].Evictions)
}

func TestCache_LRUEviction(t *testing.T) {
	c := newLocalCache(t, NamespaceConfig{Name: "lru", MaxEntries: 3, Policy: PolicyLRU})
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, c.Set(ctx, "lru", k, k))
	}

	// Touch "a" so "b" becomes the least recently used.
	found, err := c.Get(ctx, "lru", "a", nil)
	require.NoError(t, err)
	require.True(t, found)

	require.NoError(t, c.Set(ctx, "lru", "d", "d"))

	found, err = c.Get(ctx, "lru", "b", nil)
	require.NoError(t, err)
	assert.False(t, found, "least recently used must be evicted")

	found, err = c.Get(ctx, "lru", "a", nil)
	require.NoError(t, err)
	assert.True(t, found, "recently read entry must survive")
}

func TestCache_PeekDoesNotTouchRecency(t *testing.T) {
	c := newLocalCache(t, NamespaceConfig{Name: "lru", MaxEntries: 2, Policy: PolicyLRU})
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "lru", "a", "a"))
	require.NoError(t, c.Set(ctx, "lru", "b", "b"))

	// Peek must not refresh "a", so it stays the eviction candidate.
	found, err := c.Peek(ctx, "lru", "a", nil)
	require.NoError(t, err)
	require.True(t, found)

	require.NoError(t, c.Set(ctx, "lru", "c", "c"))

	found, err = c.Get(ctx, "lru", "a", nil)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCache_PeekAbsenceCountedSeparately(t *testing.T) {
	c := newLocalCache(t, NamespaceConfig{Name: "ns"})
	ctx := context.Background()

	found, err := c.Peek(ctx, "ns", "missing", nil)
	require.NoError(t, err)
	assert.False(t, found)

	stats := c.Stats()
	assert.Equal(t, int64(0), stats.Namespaces["ns"].Misses)
	assert.Equal(t, int64(1), stats.Namespaces["ns"].PeekAbsences)
}

func TestCache_TTLExpiry(t *testing.T) {
	c := newLocalCache(t, NamespaceConfig{Name: "ns", TTL: 20 * time.Millisecond})
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "ns", "k", "v"))

	found, err := c.Get(ctx, "ns", "k", nil)
	require.NoError(t, err)
	require.True(t, found)

	time.Sleep(40 * time.Millisecond)

	found, err = c.Get(ctx, "ns", "k", nil)
	require.NoError(t, err)
	assert.False(t, found, "expired entries must not be served")
}

func TestCache_GetOrSet_SingleFlight(t *testing.T) {
	c := newLocalCache(t, NamespaceConfig{Name: "ns", TTL: time.Minute})
	ctx := context.Background()

	var calls atomic.Int64
	producer := func(context.Context) (any, error) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)

		return "produced", nil
	}

	const workers = 16

	var wg sync.WaitGroup
	results := make([]string, workers)
	errs := make([]error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()
			errs[i] = c.GetOrSet(ctx, "ns", "k", &results[i], producer)
		}(i)
	}

	wg.Wait()

	assert.Equal(t, int64(1), calls.Load(), "producer must run exactly once")

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "produced", results[i])
	}
}

func TestCache_GetOrSet_DifferentKeysDoNotSerialize(t *testing.T) {
	c := newLocalCache(t, NamespaceConfig{Name: "ns"})
	ctx := context.Background()

	var calls atomic.Int64

	var wg sync.WaitGroup
	for _, key := range []string{"a", "b", "c"} {
		wg.Add(1)

		go func(key string) {
			defer wg.Done()

			var out string
			_ = c.GetOrSet(ctx, "ns", key, &out, func(context.Context) (any, error) {
				calls.Add(1)

				return key, nil
			})
		}(key)
	}

	wg.Wait()
	assert.Equal(t, int64(3), calls.Load(), "distinct keys each run their own producer")
}

func TestCache_GetOrSet_ProducerError(t *testing.T) {
	c := newLocalCache(t, NamespaceConfig{Name: "ns"})
	ctx := context.Background()

	wantErr := errors.New("upstream down")

	var out string
	err := c.GetOrSet(ctx, "ns", "k", &out, func(context.Context) (any, error) {
		return nil, wantErr
	})
	assert.ErrorIs(t, err, wantErr)

	// A failed producer must not populate the cache.
	found, err := c.Get(ctx, "ns", "k", nil)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCache_Increment(t *testing.T) {
	c := newLocalCache(t, NamespaceConfig{Name: "cooldowns", TTL: time.Minute})
	ctx := context.Background()

	n, err := c.Increment(ctx, "cooldowns", "cmd", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = c.Increment(ctx, "cooldowns", "cmd", 4)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	stats := c.Stats()
	assert.Equal(t, int64(2), stats.Namespaces["cooldowns"].CounterOps)
}

func TestCache_Increment_HonorsMaxEntries(t *testing.T) {
	c := newLocalCache(t, NamespaceConfig{Name: "limits", MaxEntries: 2})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := c.Increment(ctx, "limits", "user:"+strconv.Itoa(i), 1)
		require.NoError(t, err)
	}

	stats := c.Stats()
	assert.Equal(t, 2, stats.Namespaces["limits"].Entries, "counter keys must not grow past the namespace bound")
	assert.Equal(t, int64(8), stats.Namespaces["limits"].Evictions)

	// The newest counters survive and keep their values.
	n, err := c.Increment(ctx, "limits", "user:9", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestCache_Entries_PrefixSnapshot(t *testing.T) {
	backing := newMapBacking()
	c := New(Config{Backing: backing})
	c.backingUp.Store(true)

	require.NoError(t, c.RegisterNamespace(NamespaceConfig{Name: "ns", UseBacking: true}))

	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "ns", "job:1", "a"))
	require.NoError(t, c.Set(ctx, "ns", "other", "x"))

	// A backing-only value from a previous process must be included.
	require.NoError(t, backing.SetKey(ctx, "ns:job:2", `"b"`, 0))

	entries, err := c.Entries(ctx, "ns", "job:")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"job:1": `"a"`, "job:2": `"b"`}, entries)
}

func TestCache_EffectiveHitRate(t *testing.T) {
	c := newLocalCache(t, NamespaceConfig{Name: "ns", TTL: time.Minute})
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "ns", "k", "v"))

	_, _ = c.Get(ctx, "ns", "k", nil)       // hit
	_, _ = c.Get(ctx, "ns", "missing", nil) // miss
	_, _ = c.Increment(ctx, "ns", "ctr", 1) // counter op, credited
	_, _ = c.Peek(ctx, "ns", "nope", nil)   // peek absence, not counted

	stats := c.Stats()
	assert.InDelta(t, 2.0/3.0, stats.EffectiveHitRate, 1e-9)
}

func TestCache_BackingRoundTrip(t *testing.T) {
	backing := newMapBacking()
	c := New(Config{Backing: backing})
	c.backingUp.Store(true)

	require.NoError(t, c.RegisterNamespace(NamespaceConfig{Name: "ns", TTL: time.Minute, UseBacking: true}))

	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "ns", "k", "v"))

	// The write must land in the backing store under the namespaced key.
	raw, ok, err := backing.GetKey(ctx, "ns:k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `"v"`, raw)

	// A backing-only value (written by another shard) must be readable.
	require.NoError(t, backing.SetKey(ctx, "ns:remote", `"from-elsewhere"`, 0))

	var value string
	found, err := c.Get(ctx, "ns", "remote", &value)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "from-elsewhere", value)
}

func TestCache_BackingFailureFallsBackToMirror(t *testing.T) {
	backing := newMapBacking()
	health := &recordingHealth{}
	c := New(Config{Backing: backing, Health: health})
	c.backingUp.Store(true)

	require.NoError(t, c.RegisterNamespace(NamespaceConfig{Name: "ns", TTL: time.Minute, UseBacking: true}))

	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "ns", "k", "v"))

	backing.setFail(true)

	// Reads keep working off the local mirror; the failure is reported, not
	// returned.
	var value string
	found, err := c.Get(ctx, "ns", "k", &value)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v", value)

	// Writes during the outage are retained locally.
	require.NoError(t, c.Set(ctx, "ns", "k2", "v2"))

	found, err = c.Get(ctx, "ns", "k2", &value)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v2", value)

	marks := health.all()
	require.NotEmpty(t, marks)
	assert.Equal(t, "degraded:"+ServiceBackingStore, marks[0])
}

func TestCache_BackingEscalatesToUnavailable(t *testing.T) {
	backing := newMapBacking()
	backing.setFail(true)
	health := &recordingHealth{}
	c := New(Config{Backing: backing, Health: health})
	c.backingUp.Store(true)

	require.NoError(t, c.RegisterNamespace(NamespaceConfig{Name: "ns", UseBacking: true}))

	ctx := context.Background()

	for i := 0; i < unavailableThreshold; i++ {
		// Each failed backing touch bumps the consecutive-failure count.
		c.backingUp.Store(true)
		_, _ = c.Get(ctx, "ns", "k", nil)
	}

	marks := health.all()
	require.Len(t, marks, unavailableThreshold)
	assert.Equal(t, "unavailable:"+ServiceBackingStore, marks[len(marks)-1])
}

func TestCache_ProberRestoresBacking(t *testing.T) {
	backing := newMapBacking()
	backing.setFail(true)
	health := &recordingHealth{}
	c := New(Config{
		Backing:       backing,
		Health:        health,
		ProbeInterval: 10 * time.Millisecond,
		SweepInterval: time.Hour,
	})

	require.NoError(t, c.RegisterNamespace(NamespaceConfig{Name: "ns", UseBacking: true}))

	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx))
	defer func() { _ = c.Shutdown(context.Background()) }()

	assert.False(t, c.Stats().BackingAvailable)

	backing.setFail(false)

	require.Eventually(t, func() bool {
		return c.Stats().BackingAvailable
	}, time.Second, 5*time.Millisecond, "probe must restore backing usage")

	marks := health.all()
	require.NotEmpty(t, marks)
	assert.Equal(t, "healthy:"+ServiceBackingStore, marks[len(marks)-1])
}

func TestCache_Shutdown_Idempotent(t *testing.T) {
	c := newLocalCache(t, NamespaceConfig{Name: "ns"})

	require.NoError(t, c.Initialize(context.Background()))
	require.NoError(t, c.Shutdown(context.Background()))
	require.NoError(t, c.Shutdown(context.Background()))
}
