package circuitbreaker

import (
	"context"
	"sync"

	"github.com/alG-N/ShoukakuBot-sub001/shardkit/log"
	"github.com/sony/gobreaker"
)

// StateChangeListener is notified when any registered breaker changes
// state. The degradation manager implements this to track dependency
// health.
type StateChangeListener interface {
	OnStateChange(service string, from, to State)
}

// Registry maps a logical dependency name to its breaker. One registry per
// process, constructed at startup and passed to every consumer.
type Registry struct {
	logger log.Logger

	mu        sync.RWMutex
	breakers  map[string]*Breaker
	listeners []StateChangeListener
}

// NewRegistry creates an empty registry.
func NewRegistry(logger log.Logger) *Registry {
	if logger == nil {
		logger = log.NewNop()
	}

	return &Registry{
		logger:   logger,
		breakers: make(map[string]*Breaker),
	}
}

// Initialize implements the component lifecycle. Breakers are created
// lazily via GetOrCreate, so there is no startup work.
func (r *Registry) Initialize(context.Context) error { return nil }

// Shutdown implements the component lifecycle. Breaker state lives for the
// process lifetime; there is nothing to drain.
func (r *Registry) Shutdown(context.Context) error { return nil }

// GetOrCreate returns the breaker registered under name, creating it with
// profile on first call. Subsequent calls return the existing breaker and
// ignore profile, so GetOrCreate is idempotent.
func (r *Registry) GetOrCreate(name string, profile Profile) *Breaker {
	r.mu.RLock()
	breaker, ok := r.breakers[name]
	r.mu.RUnlock()

	if ok {
		return breaker
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if breaker, ok = r.breakers[name]; ok {
		return breaker
	}

	profile = profile.normalize()
	breaker = newBreaker(name, profile, r.stateChangeHandler(name))
	r.breakers[name] = breaker

	r.logger.Log(context.Background(), log.LevelInfo, "created circuit breaker",
		log.String("service", name))

	return breaker
}

// Get returns the named breaker, or nil if it was never created.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.breakers[name]
}

// State returns the named breaker's state, StateUnknown when unregistered.
func (r *Registry) State(name string) State {
	breaker := r.Get(name)
	if breaker == nil {
		return StateUnknown
	}

	return breaker.State()
}

// Reset returns the named breaker to closed with fresh counters. Breakers
// already handed out stay valid.
func (r *Registry) Reset(name string) {
	r.mu.RLock()
	breaker, ok := r.breakers[name]
	r.mu.RUnlock()

	if !ok {
		return
	}

	breaker.inner.Store(newGobreaker(name, breaker.profile, r.stateChangeHandler(name)))

	r.logger.Log(context.Background(), log.LevelInfo, "circuit breaker reset",
		log.String("service", name))
}

// RegisterStateChangeListener subscribes a listener to every breaker's
// state transitions, current and future.
func (r *Registry) RegisterStateChangeListener(listener StateChangeListener) {
	if listener == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.listeners = append(r.listeners, listener)
}

func (r *Registry) stateChangeHandler(service string) func(name string, from, to gobreaker.State) {
	return func(_ string, from, to gobreaker.State) {
		r.notifyStateChange(service, convertState(from), convertState(to))
	}
}

func (r *Registry) notifyStateChange(service string, from, to State) {
	level := log.LevelInfo
	if to == StateOpen {
		level = log.LevelError
	}

	r.logger.Log(context.Background(), level, "circuit breaker state changed",
		log.String("service", service),
		log.String("from", string(from)),
		log.String("to", string(to)))

	r.mu.RLock()
	listeners := make([]StateChangeListener, len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.RUnlock()

	for _, listener := range listeners {
		// Listeners run in goroutines so a slow one cannot block breaker
		// transitions.
		go func(l StateChangeListener) {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Log(context.Background(), log.LevelError,
						"state change listener panic",
						log.String("service", service),
						log.Any("panic", rec))
				}
			}()

			l.OnStateChange(service, from, to)
		}(listener)
	}
}
