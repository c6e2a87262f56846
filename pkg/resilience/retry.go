package resilience

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/regulatory-mesh/regulatory-mesh/pkg/observability"
)

// BackoffStrategy selects how retry delays grow between attempts
type BackoffStrategy string

// Backoff strategies
const (
	BackoffExponential BackoffStrategy = "exponential"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffFixed       BackoffStrategy = "fixed"
	BackoffImmediate   BackoffStrategy = "immediate"
)

// RetryConfig holds retry executor tunables
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	Strategy   BackoffStrategy
	// Jitter adds up to +10% random variation to each delay to prevent
	// synchronized retry storms across concurrent callers.
	Jitter bool
}

// DefaultRetryConfig returns the default retry tunables
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   60 * time.Second,
		Multiplier: 2.0,
		Strategy:   BackoffExponential,
		Jitter:     true,
	}
}

// retryState tracks per-operation retry bookkeeping. Created on first
// failure, cleared on eventual success or exhaustion.
type retryState struct {
	retryCount    int
	lastRetryTime time.Time
}

// RetryExecutor retries failed operations under a configurable backoff
// strategy. Only transient errors are retried; rate-limit errors wait the
// server's hint; everything else propagates on first occurrence.
type RetryExecutor struct {
	config  RetryConfig
	logger  observability.Logger
	metrics observability.MetricsClient

	mu     sync.Mutex
	states map[string]*retryState
}

// NewRetryExecutor creates a retry executor with the given tunables
func NewRetryExecutor(config RetryConfig, logger observability.Logger, metrics observability.MetricsClient) *RetryExecutor {
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = time.Second
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 60 * time.Second
	}
	if config.Multiplier <= 1.0 {
		config.Multiplier = 2.0
	}
	if config.Strategy == "" {
		config.Strategy = BackoffExponential
	}
	if logger == nil {
		logger = observability.NewLogger("resilience.retry")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &RetryExecutor{
		config:  config,
		logger:  logger,
		metrics: metrics,
		states:  make(map[string]*retryState),
	}
}

// newBackoff builds the delay schedule for one execution. Randomization is
// handled by the executor's own jitter so delay bounds stay predictable.
func (e *RetryExecutor) newBackoff() backoff.BackOff {
	switch e.config.Strategy {
	case BackoffLinear:
		return &linearBackOff{base: e.config.BaseDelay, max: e.config.MaxDelay}
	case BackoffFixed:
		return backoff.NewConstantBackOff(e.config.BaseDelay)
	case BackoffImmediate:
		return &backoff.ZeroBackOff{}
	default:
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = e.config.BaseDelay
		b.Multiplier = e.config.Multiplier
		b.MaxInterval = e.config.MaxDelay
		b.RandomizationFactor = 0
		b.MaxElapsedTime = 0
		b.Reset()
		return b
	}
}

// Execute runs fn, retrying transient failures up to MaxRetries times.
// The function is invoked at most MaxRetries+1 times; on exhaustion the
// last error is returned. Bookkeeping for operationID is cleared on success.
func (e *RetryExecutor) Execute(ctx context.Context, operationID string, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	schedule := e.newBackoff()
	var lastErr error

	for attempt := 0; attempt <= e.config.MaxRetries; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			e.clearState(operationID)
			if attempt > 0 {
				e.metrics.IncrementCounterWithLabels("resilience.retry.recovered", 1, nil)
			}
			return result, nil
		}
		lastErr = err

		var delay time.Duration
		var rle *RateLimitError
		switch {
		case errors.As(err, &rle):
			// Respect the server's hint instead of the computed schedule.
			delay = rle.RetryAfter
			if delay <= 0 || delay > e.config.MaxDelay {
				delay = e.config.MaxDelay
			}
		case IsRetryable(err):
			delay = schedule.NextBackOff()
			if delay == backoff.Stop || delay > e.config.MaxDelay {
				delay = e.config.MaxDelay
			}
			if e.config.Jitter {
				delay += time.Duration(rand.Float64() * 0.1 * float64(delay))
			}
		default:
			e.clearState(operationID)
			return nil, err
		}

		if attempt == e.config.MaxRetries {
			break
		}

		e.recordRetry(operationID)
		e.metrics.IncrementCounterWithLabels("resilience.retry.attempts", 1, map[string]string{
			"kind": KindOf(err).String(),
		})
		e.logger.Debug("Retrying after failure", map[string]interface{}{
			"operation": operationID,
			"attempt":   attempt + 1,
			"delay":     delay.String(),
			"error":     err.Error(),
		})

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			e.clearState(operationID)
			return nil, ctx.Err()
		}
	}

	e.clearState(operationID)
	e.metrics.IncrementCounterWithLabels("resilience.retry.exhausted", 1, nil)
	return nil, lastErr
}

func (e *RetryExecutor) recordRetry(operationID string) {
	e.mu.Lock()
	state, ok := e.states[operationID]
	if !ok {
		state = &retryState{}
		e.states[operationID] = state
	}
	state.retryCount++
	state.lastRetryTime = time.Now()
	e.mu.Unlock()
}

func (e *RetryExecutor) clearState(operationID string) {
	e.mu.Lock()
	delete(e.states, operationID)
	e.mu.Unlock()
}

// RetryCount returns the in-flight retry count for an operation id
func (e *RetryExecutor) RetryCount(operationID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if state, ok := e.states[operationID]; ok {
		return state.retryCount
	}
	return 0
}

// linearBackOff grows the delay by one base step per attempt, capped at max
type linearBackOff struct {
	base    time.Duration
	max     time.Duration
	attempt int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	delay := time.Duration(b.attempt) * b.base
	if delay > b.max {
		delay = b.max
	}
	return delay
}

func (b *linearBackOff) Reset() { b.attempt = 0 }
