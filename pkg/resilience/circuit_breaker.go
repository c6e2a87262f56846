package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/regulatory-mesh/regulatory-mesh/pkg/observability"
)

// CircuitBreakerConfig holds circuit breaker tunables
type CircuitBreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens the circuit
	FailureThreshold int
	// RecoveryTimeout is how long the circuit stays open before a half-open trial
	RecoveryTimeout time.Duration
}

// DefaultCircuitBreakerConfig returns the default breaker tunables
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
	}
}

// CircuitBreaker guards one upstream dependency with a CLOSED/OPEN/HALF_OPEN
// state machine. While open, calls fail fast without invoking the wrapped
// function; after the recovery timeout a single trial call decides whether
// the circuit closes again.
type CircuitBreaker struct {
	name    string
	breaker *gobreaker.CircuitBreaker
	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewCircuitBreaker creates a breaker for the named dependency
func NewCircuitBreaker(name string, config CircuitBreakerConfig, logger observability.Logger, metrics observability.MetricsClient) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 60 * time.Second
	}
	if logger == nil {
		logger = observability.NewLogger("resilience.breaker")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}

	cb := &CircuitBreaker{name: name, logger: logger, metrics: metrics}

	settings := gobreaker.Settings{
		Name: name,
		// One trial request in half-open; its success closes the circuit.
		MaxRequests: 1,
		// Counts reset only on state change, never on a rolling interval.
		Interval: 0,
		Timeout:  config.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(config.FailureThreshold)
		},
		IsSuccessful: func(err error) bool {
			// Deterministic negatives prove the dependency responded.
			return err == nil || !CountsForBreaker(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			cb.logger.Info("Circuit breaker state change", map[string]interface{}{
				"dependency": name,
				"from":       from.String(),
				"to":         to.String(),
			})
			cb.metrics.IncrementCounterWithLabels("resilience.breaker.state_changes", 1, map[string]string{
				"dependency": name,
				"to":         to.String(),
			})
		},
	}
	cb.breaker = gobreaker.NewCircuitBreaker(settings)
	return cb
}

// Execute runs fn under the breaker. Rejected calls return ErrCircuitOpen
// without invoking fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	result, err := cb.breaker.Execute(func() (interface{}, error) {
		return fn(ctx)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return nil, ErrCircuitOpen
	}
	return result, err
}

// State returns the breaker's current state
func (cb *CircuitBreaker) State() gobreaker.State {
	return cb.breaker.State()
}

// FailureCount returns the current consecutive-failure count
func (cb *CircuitBreaker) FailureCount() int {
	return int(cb.breaker.Counts().ConsecutiveFailures)
}

// Name returns the protected dependency's name
func (cb *CircuitBreaker) Name() string { return cb.name }

// CircuitBreakerManager owns one breaker per protected dependency
type CircuitBreakerManager struct {
	config  CircuitBreakerConfig
	logger  observability.Logger
	metrics observability.MetricsClient

	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
}

// NewCircuitBreakerManager creates a manager that lazily constructs one
// breaker per dependency with the shared configuration.
func NewCircuitBreakerManager(config CircuitBreakerConfig, logger observability.Logger, metrics observability.MetricsClient) *CircuitBreakerManager {
	return &CircuitBreakerManager{
		config:   config,
		logger:   logger,
		metrics:  metrics,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for the named dependency, creating it on first use
func (m *CircuitBreakerManager) Get(name string) *CircuitBreaker {
	m.mu.RLock()
	breaker, ok := m.breakers[name]
	m.mu.RUnlock()
	if ok {
		return breaker
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if breaker, ok := m.breakers[name]; ok {
		return breaker
	}
	breaker = NewCircuitBreaker(name, m.config, m.logger, m.metrics)
	m.breakers[name] = breaker
	return breaker
}
