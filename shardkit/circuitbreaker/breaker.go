// Package circuitbreaker wraps sony/gobreaker with failure classification
// and a named registry. Errors are classified before they are counted, so
// business outcomes like not-found never trip a breaker; only infra
// failures do.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned when a call short-circuits because the breaker
// is open (or half-open with its trial quota exhausted) and no fallback was
// supplied.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
	StateUnknown  State = "unknown"
)

// Counts is a snapshot of breaker statistics.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// Fn is the protected call.
type Fn func(ctx context.Context) (any, error)

// Fallback runs when the protected call short-circuits or fails with a
// classified infra failure. It receives the triggering error.
type Fallback func(ctx context.Context, cause error) (any, error)

// Breaker protects one outbound call type. Obtain instances from a
// Registry; the zero value is not usable.
type Breaker struct {
	name    string
	profile Profile

	// inner is swapped atomically on Reset, so handed-out Breakers stay
	// valid across resets.
	inner atomic.Pointer[gobreaker.CircuitBreaker]
}

func newBreaker(name string, profile Profile, onStateChange func(name string, from, to gobreaker.State)) *Breaker {
	b := &Breaker{name: name, profile: profile}
	b.inner.Store(newGobreaker(name, profile, onStateChange))

	return b
}

func newGobreaker(name string, profile Profile, onStateChange func(name string, from, to gobreaker.State)) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: profile.TrialRequests,
		Interval:    profile.Interval,
		Timeout:     profile.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= profile.FailureThreshold
		},
		// Classification happens here, before gobreaker counts the outcome.
		// A business error reports as success so it cannot trip the breaker.
		IsSuccessful: func(err error) bool {
			return err == nil || !profile.failure(err)
		},
		OnStateChange: onStateChange,
	})
}

func (p Profile) failure(err error) bool {
	if p.IsFailure == nil {
		return true
	}

	return p.IsFailure(err)
}

// Name returns the breaker's registry name.
func (b *Breaker) Name() string {
	return b.name
}

// Execute runs fn through the breaker. Exactly one of three things happens:
// the result of fn is returned, the fallback runs (open short-circuit or
// classified infra failure), or the original error propagates. There is no
// third error path: business errors always reach the caller unchanged.
func (b *Breaker) Execute(ctx context.Context, fn Fn, fallback Fallback) (any, error) {
	result, err := b.inner.Load().Execute(func() (any, error) {
		return fn(ctx)
	})
	if err == nil {
		return result, nil
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		if fallback != nil {
			return fallback(ctx, err)
		}

		return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, b.name)
	}

	if b.profile.failure(err) && fallback != nil {
		return fallback(ctx, err)
	}

	return nil, err
}

// State returns the breaker's current state.
func (b *Breaker) State() State {
	return convertState(b.inner.Load().State())
}

// Counts returns a statistics snapshot.
func (b *Breaker) Counts() Counts {
	counts := b.inner.Load().Counts()

	return Counts{
		Requests:             counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
	}
}

func convertState(state gobreaker.State) State {
	switch state {
	case gobreaker.StateClosed:
		return StateClosed
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateUnknown
	}
}
