package shardkit

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/alG-N/ShoukakuBot-sub001/shardkit/log"
)

var (
	// ErrComponentNameRequired indicates a component was registered without a name.
	ErrComponentNameRequired = errors.New("component name is required")
	// ErrComponentRequired indicates a nil component was registered.
	ErrComponentRequired = errors.New("component is required")
	// ErrRuntimeStarted indicates Register was called after Initialize.
	ErrRuntimeStarted = errors.New("runtime already initialized")
)

// Component is the lifecycle contract every long-lived piece of the layer
// implements. Initialize is called once by the hosting shard process before
// traffic; Shutdown is called once during process drain.
type Component interface {
	Initialize(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

type namedComponent struct {
	name      string
	component Component
}

// Runtime owns component startup and shutdown ordering. Components are
// initialized in registration order and shut down in reverse, so consumers
// register leaves first (redis, cache) and dependents after (degradation,
// bridge).
type Runtime struct {
	mu         sync.Mutex
	components []namedComponent
	started    int
	logger     log.Logger
}

// NewRuntime creates a runtime. A nil logger defaults to the nop logger.
func NewRuntime(logger log.Logger) *Runtime {
	if logger == nil {
		logger = log.NewNop()
	}

	return &Runtime{logger: logger}
}

// Register adds a component to the startup order.
func (r *Runtime) Register(name string, component Component) error {
	if name == "" {
		return ErrComponentNameRequired
	}

	if component == nil {
		return ErrComponentRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started > 0 {
		return ErrRuntimeStarted
	}

	r.components = append(r.components, namedComponent{name: name, component: component})

	return nil
}

// Initialize starts every registered component in order. On failure the
// components already started are shut down in reverse before the error is
// returned, so a half-started process never serves traffic.
func (r *Runtime) Initialize(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, entry := range r.components {
		if err := entry.component.Initialize(ctx); err != nil {
			r.logger.Log(ctx, log.LevelError, "component initialize failed",
				log.String("component", entry.name), log.Err(err))

			r.shutdownLocked(ctx, i)

			return fmt.Errorf("initialize %s: %w", entry.name, err)
		}

		r.started = i + 1
		r.logger.Log(ctx, log.LevelInfo, "component initialized", log.String("component", entry.name))
	}

	return nil
}

// Shutdown stops every started component in reverse registration order.
// All components are attempted even when earlier ones fail; the errors are
// joined.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.shutdownLocked(ctx, r.started)
}

func (r *Runtime) shutdownLocked(ctx context.Context, started int) error {
	var errs []error

	for i := started - 1; i >= 0; i-- {
		entry := r.components[i]

		if err := entry.component.Shutdown(ctx); err != nil {
			r.logger.Log(ctx, log.LevelError, "component shutdown failed",
				log.String("component", entry.name), log.Err(err))
			errs = append(errs, fmt.Errorf("shutdown %s: %w", entry.name, err))

			continue
		}

		r.logger.Log(ctx, log.LevelInfo, "component stopped", log.String("component", entry.name))
	}

	r.started = 0

	return errors.Join(errs...)
}
