// Package degradation tracks per-dependency health, aggregates it into a
// system-wide level, and keeps features usable while dependencies are down
// through a fallback-value cache and a deferred-write queue with an active
// replay consumer.
package degradation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alG-N/ShoukakuBot-sub001/shardkit/backoff"
	"github.com/alG-N/ShoukakuBot-sub001/shardkit/cache"
	"github.com/alG-N/ShoukakuBot-sub001/shardkit/circuitbreaker"
	"github.com/alG-N/ShoukakuBot-sub001/shardkit/log"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
)

const (
	// NamespaceFallback holds the durable mirror of fallback values.
	NamespaceFallback = "degradation-fallback"
	// NamespaceWriteQueue holds the durable mirror of queued writes, so a
	// restart does not lose deferred intent when the backing store is up.
	NamespaceWriteQueue = "degradation-writes"
)

// Store is the narrow cache surface the manager persists through.
// cache.Cache satisfies this.
type Store interface {
	RegisterNamespace(cfg cache.NamespaceConfig) error
	Get(ctx context.Context, ns, key string, dest any) (bool, error)
	SetWithTTL(ctx context.Context, ns, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, ns, key string) error
	Entries(ctx context.Context, ns, prefix string) (map[string]string, error)
}

// WriteExecutor performs one deferred write against its recovered target.
type WriteExecutor func(ctx context.Context, payload []byte) error

// Config assembles a Manager.
type Config struct {
	Logger log.Logger
	// Store is optional; without it fallback values and queued writes live
	// only in memory.
	Store         Store
	MeterProvider metric.MeterProvider
	// MaxQueuedWrites bounds the deferred-write queue. Defaults to 1000.
	MaxQueuedWrites int
	// MaxReplayRetries bounds attempts per write before dead-lettering.
	// Defaults to 5.
	MaxReplayRetries int
	// MaxDeadLetters bounds the dead-letter record. Defaults to 256.
	MaxDeadLetters int
	// ReplayBackoff is the base delay between replay retries. Defaults to
	// 100ms, growing exponentially with jitter.
	ReplayBackoff time.Duration
	// FallbackTTL expires durable fallback mirrors. Zero keeps them until
	// overwritten; staleness is acceptable by contract.
	FallbackTTL time.Duration
}

type serviceHealth struct {
	state               ServiceState
	consecutiveFailures int
	lastTransition      time.Time
}

// ServiceStatus is a snapshot of one tracked dependency.
type ServiceStatus struct {
	State               ServiceState
	ConsecutiveFailures int
	LastTransition      time.Time
}

// Manager is the process-wide degradation tracker. Construct one with New
// and share it by reference.
type Manager struct {
	logger        log.Logger
	store         Store
	metrics       managerMetrics
	maxRetries    int
	replayBackoff time.Duration
	fallbackTTL   time.Duration

	mu        sync.RWMutex
	services  map[string]*serviceHealth
	executors map[string]WriteExecutor
	replaying map[string]bool

	queue       *writeQueue
	deadLetters *deadLetterStore

	fbMu      sync.RWMutex
	values    map[string][]byte
	suppliers map[string]func(ctx context.Context) (any, error)

	baseCtx  context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	workers  sync.WaitGroup
}

// New builds a Manager.
func New(cfg Config) (*Manager, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.NewNop()
	}

	if cfg.MaxQueuedWrites <= 0 {
		cfg.MaxQueuedWrites = 1000
	}

	if cfg.MaxReplayRetries <= 0 {
		cfg.MaxReplayRetries = 5
	}

	if cfg.MaxDeadLetters <= 0 {
		cfg.MaxDeadLetters = 256
	}

	if cfg.ReplayBackoff <= 0 {
		cfg.ReplayBackoff = 100 * time.Millisecond
	}

	metrics, err := newManagerMetrics(cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("degradation metrics: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		logger:        cfg.Logger,
		store:         cfg.Store,
		metrics:       metrics,
		maxRetries:    cfg.MaxReplayRetries,
		replayBackoff: cfg.ReplayBackoff,
		fallbackTTL:   cfg.FallbackTTL,
		services:      make(map[string]*serviceHealth),
		executors:     make(map[string]WriteExecutor),
		replaying:     make(map[string]bool),
		queue:         newWriteQueue(cfg.MaxQueuedWrites),
		deadLetters:   newDeadLetterStore(cfg.MaxDeadLetters),
		values:        make(map[string][]byte),
		suppliers:     make(map[string]func(ctx context.Context) (any, error)),
		baseCtx:       ctx,
		cancel:        cancel,
	}, nil
}

// Initialize registers the manager's namespaces on the store and reloads
// writes the previous process mirrored but never replayed. Part of the
// component lifecycle.
func (m *Manager) Initialize(ctx context.Context) error {
	if m == nil {
		return ErrNilManager
	}

	if m.store == nil {
		return nil
	}

	for _, ns := range []cache.NamespaceConfig{
		{Name: NamespaceFallback, TTL: m.fallbackTTL, UseBacking: true},
		{Name: NamespaceWriteQueue, UseBacking: true},
	} {
		if err := m.store.RegisterNamespace(ns); err != nil {
			return fmt.Errorf("degradation namespace %q: %w", ns.Name, err)
		}
	}

	m.restoreQueuedWrites(ctx)

	return nil
}

// restoreQueuedWrites refills the in-memory queue from the durable mirror,
// oldest first, then kicks replay for any target already healthy. A mirror
// that cannot be read only costs the restart durability, so failures are
// logged, not fatal.
func (m *Manager) restoreQueuedWrites(ctx context.Context) {
	entries, err := m.store.Entries(ctx, NamespaceWriteQueue, "")
	if err != nil {
		m.logger.Log(ctx, log.LevelWarn, "failed to reload queued write mirror", log.Err(err))

		return
	}

	writes := make([]*QueuedWrite, 0, len(entries))

	for key, raw := range entries {
		var write QueuedWrite
		if err := json.Unmarshal([]byte(raw), &write); err != nil {
			m.logger.Log(ctx, log.LevelWarn, "dropping undecodable queued write mirror",
				log.String("key", key), log.Err(err))

			continue
		}

		writes = append(writes, &write)
	}

	if len(writes) == 0 {
		return
	}

	sort.Slice(writes, func(i, j int) bool {
		return writes[i].EnqueuedAt.Before(writes[j].EnqueuedAt)
	})

	targets := make(map[string]bool)

	for _, write := range writes {
		if evicted := m.queue.push(write); evicted != nil {
			m.metrics.writesDropped.Add(ctx, 1)
			m.removeDurable(ctx, evicted.ID)
		}

		targets[write.Target] = true
	}

	m.metrics.queueDepth.Record(ctx, int64(m.queue.depth()))
	m.logger.Log(ctx, log.LevelInfo, "restored deferred writes from mirror",
		log.Int("count", len(writes)))

	for target := range targets {
		if m.stateOf(target) == StateHealthy {
			m.replayTarget(target)
		}
	}
}

// Shutdown stops replay workers, honoring ctx as a deadline. Queued writes
// not yet replayed stay in the durable mirror for the next process.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m == nil {
		return ErrNilManager
	}

	m.stopOnce.Do(m.cancel)

	finished := make(chan struct{})

	go func() {
		m.workers.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("degradation shutdown: %w", ctx.Err())
	}
}

// MarkHealthy records a dependency recovery. Transitioning back to healthy
// triggers replay of that target's deferred writes.
func (m *Manager) MarkHealthy(service string) {
	m.mark(service, StateHealthy)
}

// MarkDegraded records a partial failure of a dependency.
func (m *Manager) MarkDegraded(service string) {
	m.mark(service, StateDegraded)
}

// MarkUnavailable records a full outage of a dependency.
func (m *Manager) MarkUnavailable(service string) {
	m.mark(service, StateUnavailable)
}

func (m *Manager) mark(service string, state ServiceState) {
	if m == nil || strings.TrimSpace(service) == "" {
		return
	}

	m.mu.Lock()

	health, ok := m.services[service]
	if !ok {
		health = &serviceHealth{state: StateHealthy}
		m.services[service] = health
	}

	previous := health.state

	if state == StateHealthy {
		health.consecutiveFailures = 0
	} else {
		health.consecutiveFailures++
	}

	if previous != state {
		health.state = state
		health.lastTransition = time.Now().UTC()
	}
	m.mu.Unlock()

	if previous == state {
		return
	}

	level := log.LevelInfo
	if state != StateHealthy {
		level = log.LevelWarn
	}

	m.logger.Log(m.baseCtx, level, "service health changed",
		log.String("service", service),
		log.String("from", string(previous)),
		log.String("to", string(state)))

	if state == StateHealthy {
		m.replayTarget(service)
	}
}

// Level returns the system-wide aggregate: the worst tracked service state.
func (m *Manager) Level() Level {
	if m == nil {
		return LevelNormal
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	level := LevelNormal

	for _, health := range m.services {
		if candidate := health.state.level(); worse(candidate, level) {
			level = candidate
		}
	}

	return level
}

// Services returns a snapshot of every tracked dependency.
func (m *Manager) Services() map[string]ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	services := make(map[string]ServiceStatus, len(m.services))

	for name, health := range m.services {
		services[name] = ServiceStatus{
			State:               health.state,
			ConsecutiveFailures: health.consecutiveFailures,
			LastTransition:      health.lastTransition,
		}
	}

	return services
}

// OnStateChange adapts circuit breaker transitions into health marks, so
// registering the manager as a registry listener keeps dependency health in
// step with breaker state.
func (m *Manager) OnStateChange(service string, _, to circuitbreaker.State) {
	switch to {
	case circuitbreaker.StateOpen:
		m.MarkUnavailable(service)
	case circuitbreaker.StateHalfOpen:
		m.MarkDegraded(service)
	case circuitbreaker.StateClosed:
		m.MarkHealthy(service)
	}
}

// RegisterReplayTarget wires the executor that replays deferred writes for
// target once it recovers. A queue without a consumer is inert, so targets
// should be registered at startup alongside their first EnqueueWrite use.
func (m *Manager) RegisterReplayTarget(target string, executor WriteExecutor) error {
	if strings.TrimSpace(target) == "" {
		return ErrTargetRequired
	}

	if executor == nil {
		return ErrExecutorRequired
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.executors[target]; ok {
		return fmt.Errorf("%w: %q", ErrExecutorRegistered, target)
	}

	m.executors[target] = executor

	return nil
}

// EnqueueWrite defers a write whose target is unreachable. The payload is
// JSON-encoded and bounded in size; when the queue is full the oldest entry
// across all targets is evicted and counted as a drop. If the target is
// currently healthy, replay starts immediately.
func (m *Manager) EnqueueWrite(ctx context.Context, target string, payload any) (uuid.UUID, error) {
	if m == nil {
		return uuid.Nil, ErrNilManager
	}

	if strings.TrimSpace(target) == "" {
		return uuid.Nil, ErrTargetRequired
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %w", ErrPayloadNotJSON, err)
	}

	if len(raw) > maxPayloadBytes {
		return uuid.Nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(raw))
	}

	write := &QueuedWrite{
		ID:         uuid.New(),
		Target:     target,
		Payload:    raw,
		EnqueuedAt: time.Now().UTC(),
	}

	if evicted := m.queue.push(write); evicted != nil {
		m.metrics.writesDropped.Add(ctx, 1)
		m.removeDurable(ctx, evicted.ID)
		m.logger.Log(ctx, log.LevelWarn, "write queue full, dropped oldest entry",
			log.String("dropped_id", evicted.ID.String()),
			log.String("dropped_target", evicted.Target))
	}

	m.persistWrite(ctx, write)

	m.metrics.writesQueued.Add(ctx, 1)
	m.metrics.queueDepth.Record(ctx, int64(m.queue.depth()))

	if m.stateOf(target) == StateHealthy {
		m.replayTarget(target)
	}

	return write.ID, nil
}

// QueueDepth returns the number of writes awaiting replay.
func (m *Manager) QueueDepth() int {
	return m.queue.depth()
}

// DroppedWrites returns how many queued writes were evicted because the
// queue was full.
func (m *Manager) DroppedWrites() int64 {
	return m.queue.droppedCount()
}

// DeadLetters returns the writes that exhausted their replay retries.
func (m *Manager) DeadLetters() []DeadLetter {
	return m.deadLetters.all()
}

func (m *Manager) stateOf(service string) ServiceState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if health, ok := m.services[service]; ok {
		return health.state
	}

	// Untracked services are assumed healthy until someone says otherwise.
	return StateHealthy
}

// replayTarget starts the single replay worker for target if an executor is
// registered and no worker is already running. One worker per target keeps
// replay in enqueue order; concurrent replayers would reorder writes.
func (m *Manager) replayTarget(target string) {
	m.mu.Lock()

	executor, ok := m.executors[target]
	if !ok || m.replaying[target] {
		m.mu.Unlock()

		return
	}

	m.replaying[target] = true
	m.workers.Add(1)
	m.mu.Unlock()

	go m.replayWorker(target, executor)
}

func (m *Manager) replayWorker(target string, executor WriteExecutor) {
	defer m.workers.Done()
	defer func() {
		m.mu.Lock()
		delete(m.replaying, target)
		m.mu.Unlock()
	}()

	ctx := m.baseCtx

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		// The target regressing mid-drain stops replay; the queue keeps its
		// order for the next healthy transition.
		if m.stateOf(target) != StateHealthy {
			return
		}

		entry := m.queue.head(target)
		if entry == nil {
			return
		}

		start := time.Now()
		err := executor(ctx, entry.Payload)
		m.metrics.replayLatency.Record(ctx, time.Since(start).Seconds())

		if err == nil {
			m.queue.remove(entry.ID)
			m.removeDurable(ctx, entry.ID)
			m.metrics.writesReplayed.Add(ctx, 1)
			m.metrics.queueDepth.Record(ctx, int64(m.queue.depth()))

			continue
		}

		entry.Attempts++
		entry.LastError = err.Error()

		if entry.Attempts >= m.maxRetries {
			m.queue.remove(entry.ID)
			m.removeDurable(ctx, entry.ID)
			m.deadLetters.add(DeadLetter{
				Write:     *entry,
				FailedAt:  time.Now().UTC(),
				LastError: err.Error(),
			})
			m.metrics.writesDeadLettered.Add(ctx, 1)
			m.metrics.queueDepth.Record(ctx, int64(m.queue.depth()))

			m.logger.Log(ctx, log.LevelError, "deferred write dead-lettered",
				log.String("id", entry.ID.String()),
				log.String("target", target),
				log.Int("attempts", entry.Attempts),
				log.Err(err))

			continue
		}

		delay := backoff.ExponentialWithJitter(m.replayBackoff, entry.Attempts-1)
		if backoff.SleepWithContext(ctx, delay) != nil {
			return
		}
	}
}

func (m *Manager) persistWrite(ctx context.Context, write *QueuedWrite) {
	if m.store == nil {
		return
	}

	if err := m.store.SetWithTTL(ctx, NamespaceWriteQueue, write.ID.String(), write, 0); err != nil {
		m.logger.Log(ctx, log.LevelWarn, "failed to mirror queued write", log.Err(err))
	}
}

func (m *Manager) removeDurable(ctx context.Context, id uuid.UUID) {
	if m.store == nil {
		return
	}

	if err := m.store.Delete(ctx, NamespaceWriteQueue, id.String()); err != nil {
		m.logger.Log(ctx, log.LevelWarn, "failed to remove queued write mirror", log.Err(err))
	}
}
