// Package cache implements a namespaced hybrid cache: a shared backing
// store (normally redis) fronted by a per-namespace in-process mirror. When
// the backing store is unreachable every operation degrades to the mirror
// for that call, the failure is reported to the health layer, and a
// background probe restores backing usage once the store recovers.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alG-N/ShoukakuBot-sub001/shardkit/log"
	"golang.org/x/sync/singleflight"
)

// ServiceBackingStore is the health-layer service name the cache reports
// backing-store failures and recoveries under.
const ServiceBackingStore = "cache-backing"

// unavailableThreshold is how many consecutive backing failures escalate
// the health report from degraded to unavailable.
const unavailableThreshold = 3

// Backing is the shared store behind every namespace with UseBacking set.
// Keys arrive fully qualified as "<namespace>:<key>" and values are JSON
// strings. redis.Client satisfies this.
type Backing interface {
	GetKey(ctx context.Context, key string) (string, bool, error)
	SetKey(ctx context.Context, key, value string, ttl time.Duration) error
	DeleteKeys(ctx context.Context, keys ...string) error
	DeletePrefix(ctx context.Context, prefix string) (int, error)
	ScanPrefix(ctx context.Context, prefix string) (map[string]string, error)
	IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)
	Ping(ctx context.Context) error
}

// HealthReporter receives backing-store health transitions. The degradation
// manager satisfies this.
type HealthReporter interface {
	MarkHealthy(service string)
	MarkDegraded(service string)
	MarkUnavailable(service string)
}

// Config assembles a Cache.
type Config struct {
	// Backing is optional; without it every namespace is purely local.
	Backing Backing
	// Health is optional; without it failures are only logged.
	Health HealthReporter
	Logger log.Logger
	// SweepInterval paces the expired-entry sweep. Defaults to 30s.
	SweepInterval time.Duration
	// ProbeInterval paces the backing availability probe. Defaults to 5s.
	ProbeInterval time.Duration
}

// Cache is the namespaced hybrid cache. Construct one per process with New,
// register namespaces, then Initialize.
type Cache struct {
	backing       Backing
	health        HealthReporter
	logger        log.Logger
	sweepInterval time.Duration
	probeInterval time.Duration

	mu         sync.RWMutex
	namespaces map[string]*namespace

	backingUp    atomic.Bool
	backingFails atomic.Int32
	flight       singleflight.Group

	stopOnce sync.Once
	stop     chan struct{}
	done     sync.WaitGroup
}

// New builds a Cache. Namespaces must be registered before use.
func New(cfg Config) *Cache {
	if cfg.Logger == nil {
		cfg.Logger = log.NewNop()
	}

	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}

	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 5 * time.Second
	}

	return &Cache{
		backing:       cfg.Backing,
		health:        cfg.Health,
		logger:        cfg.Logger,
		sweepInterval: cfg.SweepInterval,
		probeInterval: cfg.ProbeInterval,
		namespaces:    make(map[string]*namespace),
		stop:          make(chan struct{}),
	}
}

// RegisterNamespace declares a cache region. Meant for startup;
// re-registering a name replaces its config and drops its local mirror.
func (c *Cache) RegisterNamespace(cfg NamespaceConfig) error {
	if c == nil {
		return ErrNilCache
	}

	if err := cfg.validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.namespaces[cfg.Name] = newNamespace(cfg)

	return nil
}

// Get reads namespace/key into dest, trying the backing store first when
// the namespace uses one, falling back to the local mirror otherwise. The
// bool reports presence; absent is not an error.
func (c *Cache) Get(ctx context.Context, ns, key string, dest any) (bool, error) {
	n, err := c.namespace(ns)
	if err != nil {
		return false, err
	}

	raw, found := c.read(ctx, n, key, true)
	if !found {
		n.misses.Add(1)

		return false, nil
	}

	n.hits.Add(1)

	return true, decode(ns, key, raw, dest)
}

// Peek reads without disturbing eviction recency and without counting
// absence as a regular miss. Use it for existence-style checks where
// absence is the common, healthy outcome.
func (c *Cache) Peek(ctx context.Context, ns, key string, dest any) (bool, error) {
	n, err := c.namespace(ns)
	if err != nil {
		return false, err
	}

	raw, found := c.read(ctx, n, key, false)
	if !found {
		n.peekAbsences.Add(1)

		return false, nil
	}

	n.hits.Add(1)

	return true, decode(ns, key, raw, dest)
}

// Set writes value with the namespace default TTL.
func (c *Cache) Set(ctx context.Context, ns, key string, value any) error {
	return c.SetWithTTL(ctx, ns, key, value, 0)
}

// SetWithTTL writes value with an explicit TTL (non-positive means the
// namespace default). The local mirror is always updated; a backing-store
// write failure is reported to the health layer, not returned, because the
// value is still retained locally.
func (c *Cache) SetWithTTL(ctx context.Context, ns, key string, value any, ttl time.Duration) error {
	n, err := c.namespace(ns)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache encode %s:%s: %w", ns, key, err)
	}

	c.write(ctx, n, key, string(raw), n.ttl(ttl))

	return nil
}

// GetOrSet returns the cached value or runs producer to create it,
// guaranteeing producer runs at most once concurrently per (namespace, key)
// within the process. Concurrent callers await the in-flight result. A miss
// here is a genuine miss and is counted as one.
func (c *Cache) GetOrSet(ctx context.Context, ns, key string, dest any, producer func(context.Context) (any, error)) error {
	n, err := c.namespace(ns)
	if err != nil {
		return err
	}

	if producer == nil {
		return ErrProducerRequired
	}

	if raw, found := c.read(ctx, n, key, true); found {
		n.hits.Add(1)

		return decode(ns, key, raw, dest)
	}

	n.misses.Add(1)

	result, err, _ := c.flight.Do(n.key(key), func() (any, error) {
		// Another caller may have populated the key while this one waited
		// for the flight slot.
		if raw, found := c.read(ctx, n, key, true); found {
			return raw, nil
		}

		value, err := producer(ctx)
		if err != nil {
			return nil, err
		}

		raw, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("cache encode %s:%s: %w", ns, key, err)
		}

		c.write(ctx, n, key, string(raw), n.ttl(0))

		return string(raw), nil
	})
	if err != nil {
		return err
	}

	return decode(ns, key, result.(string), dest)
}

// Increment atomically adds delta to a counter key and refreshes its TTL.
// Counter ops are credited in the effective hit rate because they always
// succeed semantically.
func (c *Cache) Increment(ctx context.Context, ns, key string, delta int64) (int64, error) {
	n, err := c.namespace(ns)
	if err != nil {
		return 0, err
	}

	n.counterOps.Add(1)

	if n.cfg.UseBacking && c.backingReady() {
		value, err := c.backing.IncrBy(ctx, n.key(key), delta, n.cfg.TTL)
		if err == nil {
			return value, nil
		}

		c.reportBackingFailure(ctx, err)
	}

	value, evicted := n.store.increment(key, delta, time.Now(), n.cfg.TTL)
	n.evictions.Add(int64(evicted))

	return value, nil
}

// Entries returns the raw JSON value for every live key in the namespace
// starting with prefix. The backing store is consulted when available so
// values written by a previous process or another shard are included; its
// entries win over the local mirror.
func (c *Cache) Entries(ctx context.Context, ns, prefix string) (map[string]string, error) {
	n, err := c.namespace(ns)
	if err != nil {
		return nil, err
	}

	entries := n.store.snapshotPrefix(prefix, time.Now())

	if n.cfg.UseBacking && c.backingReady() {
		backed, err := c.backing.ScanPrefix(ctx, n.key(prefix))
		if err != nil {
			c.reportBackingFailure(ctx, err)
		} else {
			for key, value := range backed {
				entries[strings.TrimPrefix(key, n.cfg.Name+":")] = value
			}
		}
	}

	return entries, nil
}

// Delete removes namespace/key from the mirror and the backing store.
func (c *Cache) Delete(ctx context.Context, ns, key string) error {
	n, err := c.namespace(ns)
	if err != nil {
		return err
	}

	n.store.delete(key)

	if n.cfg.UseBacking && c.backingReady() {
		if err := c.backing.DeleteKeys(ctx, n.key(key)); err != nil {
			c.reportBackingFailure(ctx, err)
		}
	}

	return nil
}

// DeleteByPrefix removes every key in the namespace starting with prefix.
// Keys outside the namespace are never touched.
func (c *Cache) DeleteByPrefix(ctx context.Context, ns, prefix string) error {
	n, err := c.namespace(ns)
	if err != nil {
		return err
	}

	n.store.deletePrefix(prefix)

	if n.cfg.UseBacking && c.backingReady() {
		if _, err := c.backing.DeletePrefix(ctx, n.key(prefix)); err != nil {
			c.reportBackingFailure(ctx, err)
		}
	}

	return nil
}

// ClearNamespace removes every key in the namespace, locally and in the
// backing store. Other namespaces are unaffected.
func (c *Cache) ClearNamespace(ctx context.Context, ns string) error {
	n, err := c.namespace(ns)
	if err != nil {
		return err
	}

	n.store.clear()

	if n.cfg.UseBacking && c.backingReady() {
		if _, err := c.backing.DeletePrefix(ctx, n.cfg.Name+":"); err != nil {
			c.reportBackingFailure(ctx, err)
		}
	}

	return nil
}

// Initialize probes the backing store and starts the sweep and availability
// goroutines. Part of the component lifecycle.
func (c *Cache) Initialize(ctx context.Context) error {
	if c == nil {
		return ErrNilCache
	}

	if c.backing != nil {
		if err := c.backing.Ping(ctx); err != nil {
			c.logger.Log(ctx, log.LevelWarn, "backing store unavailable at startup", log.Err(err))
		} else {
			c.backingUp.Store(true)
		}
	}

	c.done.Add(2)
	go c.sweeper()
	go c.prober()

	return nil
}

// Shutdown stops the background goroutines, honoring ctx as a deadline.
func (c *Cache) Shutdown(ctx context.Context) error {
	if c == nil {
		return ErrNilCache
	}

	c.stopOnce.Do(func() { close(c.stop) })

	finished := make(chan struct{})

	go func() {
		c.done.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("cache shutdown: %w", ctx.Err())
	}
}

func (c *Cache) namespace(name string) (*namespace, error) {
	if c == nil {
		return nil, ErrNilCache
	}

	c.mu.RLock()
	n, ok := c.namespaces[name]
	c.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNamespaceUnknown, name)
	}

	return n, nil
}

// read resolves namespace/key: backing store first when enabled and up,
// local mirror otherwise. A backing miss still consults the mirror, which
// may hold a value written while the store was down. touch controls LRU
// recency and mirror warming.
func (c *Cache) read(ctx context.Context, n *namespace, key string, touch bool) (string, bool) {
	if n.cfg.UseBacking && c.backingReady() {
		value, found, err := c.backing.GetKey(ctx, n.key(key))

		switch {
		case err != nil:
			c.reportBackingFailure(ctx, err)
		case found:
			if touch {
				n.evictions.Add(int64(n.store.set(key, value, time.Now(), n.cfg.TTL)))
			}

			return value, true
		}
	}

	now := time.Now()

	if touch {
		return n.store.get(key, now)
	}

	return n.store.peek(key, now)
}

// write updates the local mirror and, when enabled and up, the backing
// store. Backing failures are reported rather than returned.
func (c *Cache) write(ctx context.Context, n *namespace, key, raw string, ttl time.Duration) {
	n.evictions.Add(int64(n.store.set(key, raw, time.Now(), ttl)))

	if n.cfg.UseBacking && c.backingReady() {
		if err := c.backing.SetKey(ctx, n.key(key), raw, ttl); err != nil {
			c.reportBackingFailure(ctx, err)
		}
	}
}

func (c *Cache) backingReady() bool {
	return c.backing != nil && c.backingUp.Load()
}

func (c *Cache) reportBackingFailure(ctx context.Context, err error) {
	wasUp := c.backingUp.Swap(false)
	fails := c.backingFails.Add(1)

	if wasUp {
		c.logger.Log(ctx, log.LevelWarn, "backing store failed, serving from local mirror", log.Err(err))
	}

	if c.health == nil {
		return
	}

	if fails >= unavailableThreshold {
		c.health.MarkUnavailable(ServiceBackingStore)
	} else {
		c.health.MarkDegraded(ServiceBackingStore)
	}
}

func (c *Cache) sweeper() {
	defer c.done.Done()

	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case now := <-ticker.C:
			c.mu.RLock()
			namespaces := make([]*namespace, 0, len(c.namespaces))

			for _, n := range c.namespaces {
				namespaces = append(namespaces, n)
			}
			c.mu.RUnlock()

			for _, n := range namespaces {
				n.store.sweep(now)
			}
		}
	}
}

// prober restores backing-store usage after an outage. While the store is
// up it doubles as a liveness check so failures surface even between
// regular operations.
func (c *Cache) prober() {
	defer c.done.Done()

	if c.backing == nil {
		return
	}

	ticker := time.NewTicker(c.probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.probeInterval)
			err := c.backing.Ping(ctx)
			cancel()

			if err != nil {
				c.reportBackingFailure(context.Background(), err)

				continue
			}

			c.backingFails.Store(0)

			if !c.backingUp.Swap(true) {
				c.logger.Log(context.Background(), log.LevelInfo, "backing store recovered")

				if c.health != nil {
					c.health.MarkHealthy(ServiceBackingStore)
				}
			}
		}
	}
}

func decode(ns, key, raw string, dest any) error {
	if dest == nil {
		return nil
	}

	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		return fmt.Errorf("cache decode %s:%s: %w", ns, key, err)
	}

	return nil
}
