// Package resilience provides retry and circuit breaking for calls to the
// model inference service.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// CircuitState is the state of a CircuitBreaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned without calling through while a breaker is open.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// BreakerSettings configures a CircuitBreaker.
type BreakerSettings struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold int
	// ResetTimeout is how long the circuit stays open before a probe is let through.
	ResetTimeout time.Duration
	// OnStateChange, if set, is called under the breaker lock.
	OnStateChange func(from, to CircuitState)
}

// DefaultBreakerSettings returns the production breaker settings.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{FailureThreshold: 5, ResetTimeout: 30 * time.Second}
}

// CircuitBreaker stops calling a model that keeps failing.
type CircuitBreaker struct {
	settings BreakerSettings

	mu       sync.Mutex
	state    CircuitState
	failures int
	openedAt time.Time

	now func() time.Time
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(s BreakerSettings) *CircuitBreaker {
	d := DefaultBreakerSettings()
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = d.FailureThreshold
	}
	if s.ResetTimeout <= 0 {
		s.ResetTimeout = d.ResetTimeout
	}
	return &CircuitBreaker{settings: s, now: time.Now}
}

// Execute calls fn unless the circuit is open.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := ExecuteVal(ctx, cb, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// ExecuteVal is Execute for functions that return a value.
func ExecuteVal[T any](ctx context.Context, cb *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	if err := cb.admit(); err != nil {
		var zero T
		return zero, err
	}
	val, err := fn(ctx)
	cb.record(err)
	return val, err
}

// State reports the current state, treating an expired open circuit as half-open.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen && cb.now().Sub(cb.openedAt) >= cb.settings.ResetTimeout {
		return CircuitHalfOpen
	}
	return cb.state
}

// Reset closes the circuit and clears the failure count.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.setState(CircuitClosed)
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != CircuitOpen {
		return nil
	}
	if cb.now().Sub(cb.openedAt) >= cb.settings.ResetTimeout {
		cb.setState(CircuitHalfOpen)
		return nil
	}
	return ErrCircuitOpen
}

// record counts only transient failures toward opening the circuit.
func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil || !IsTransient(err) {
		cb.failures = 0
		cb.setState(CircuitClosed)
		return
	}

	cb.failures++
	if cb.state == CircuitHalfOpen || cb.failures >= cb.settings.FailureThreshold {
		cb.openedAt = cb.now()
		cb.setState(CircuitOpen)
	}
}

func (cb *CircuitBreaker) setState(to CircuitState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if cb.settings.OnStateChange != nil {
		cb.settings.OnStateChange(from, to)
	}
}

// ModelBreakers holds one CircuitBreaker per model name.
type ModelBreakers struct {
	settings BreakerSettings

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewModelBreakers returns an empty registry; breakers are created on first use.
func NewModelBreakers(s BreakerSettings) *ModelBreakers {
	return &ModelBreakers{settings: s, breakers: make(map[string]*CircuitBreaker)}
}

// Get returns the breaker for modelName.
func (mb *ModelBreakers) Get(modelName string) *CircuitBreaker {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	cb, ok := mb.breakers[modelName]
	if !ok {
		s := mb.settings
		if s.OnStateChange == nil {
			s.OnStateChange = func(from, to CircuitState) {
				zap.L().Warn("resilience: circuit state changed",
					zap.String("model", modelName),
					zap.Stringer("from", from),
					zap.Stringer("to", to),
				)
			}
		}
		cb = NewCircuitBreaker(s)
		mb.breakers[modelName] = cb
	}
	return cb
}

// States snapshots every breaker's state by model name.
func (mb *ModelBreakers) States() map[string]string {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	out := make(map[string]string, len(mb.breakers))
	for name, cb := range mb.breakers {
		out[name] = cb.State().String()
	}
	return out
}
