package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/regulatory-mesh/regulatory-mesh/pkg/observability"
)

// OrchestratorConfig aggregates the tunables of every composed layer
type OrchestratorConfig struct {
	Breaker  CircuitBreakerConfig
	Retry    RetryConfig
	Dedup    DedupConfig
	Fallback FallbackConfig
	Queue    QueueConfig
}

// DefaultOrchestratorConfig returns defaults for every composed layer
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		Breaker:  DefaultCircuitBreakerConfig(),
		Retry:    DefaultRetryConfig(),
		Dedup:    DefaultDedupConfig(),
		Fallback: DefaultFallbackConfig(),
		Queue:    DefaultQueueConfig(),
	}
}

// Request describes one guarded upstream call. Method, Target, and Params
// identify the operation for deduplication; Dependency names the circuit
// the call runs under. Each layer is independently toggle-able per call.
type Request struct {
	// Dependency names the upstream service guarded by the circuit breaker
	Dependency string
	Method     string
	Target     string
	Params     map[string]string

	// OperationID keys retry bookkeeping; defaults to the fingerprint
	OperationID string
	// CacheKey keys the fallback result cache; defaults to the fingerprint
	CacheKey string
	// Static is the caller-supplied fallback value, may be nil
	Static interface{}
	// Priority orders the request in the rate-limited queue
	Priority int

	UseQueue    bool
	UseDedup    bool
	UseFallback bool
	UseRetry    bool

	// Fn performs the raw upstream call
	Fn func(ctx context.Context) (interface{}, error)
}

// Orchestrator composes the resilience layers around raw upstream calls:
// queue outermost, then deduplication, then fallback, then retry, with a
// per-dependency circuit breaker innermost. Deduplication wraps retries so
// retried attempts of the same logical request still coalesce, and fallback
// wraps retries so it only engages once retries are exhausted.
type Orchestrator struct {
	breakers *CircuitBreakerManager
	retry    *RetryExecutor
	dedup    *Deduplicator
	fallback *FallbackManager
	queue    *RateLimitedQueue

	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewOrchestrator wires the resilience layers with the given tunables.
// degraded may be nil.
func NewOrchestrator(config OrchestratorConfig, degraded DegradedProvider, logger observability.Logger, metrics observability.MetricsClient) *Orchestrator {
	if logger == nil {
		logger = observability.NewLogger("resilience")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &Orchestrator{
		breakers: NewCircuitBreakerManager(config.Breaker, logger, metrics),
		retry:    NewRetryExecutor(config.Retry, logger, metrics),
		dedup:    NewDeduplicator(config.Dedup, logger, metrics),
		fallback: NewFallbackManager(config.Fallback, degraded, logger, metrics),
		queue:    NewRateLimitedQueue(config.Queue, logger, metrics),
		logger:   logger,
		metrics:  metrics,
	}
}

// Start launches the queue dispatcher
func (o *Orchestrator) Start() {
	o.queue.Start()
}

// Shutdown stops the queue and waits for in-flight work
func (o *Orchestrator) Shutdown() {
	o.queue.Stop()
}

// Execute runs the request through its enabled layers. The circuit breaker
// always guards the raw call; an open circuit is not retryable, so it falls
// straight through to the fallback sources.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (interface{}, error) {
	if req.Fn == nil {
		return nil, errors.New("request has no call function")
	}
	fingerprint := Fingerprint(req.Method, req.Target, req.Params)
	operationID := req.OperationID
	if operationID == "" {
		operationID = fingerprint
	}
	cacheKey := req.CacheKey
	if cacheKey == "" {
		cacheKey = fingerprint
	}

	call := func(ctx context.Context) (interface{}, error) {
		return o.breakers.Get(req.Dependency).Execute(ctx, req.Fn)
	}

	if req.UseRetry {
		inner := call
		call = func(ctx context.Context) (interface{}, error) {
			return o.retry.Execute(ctx, operationID, inner)
		}
	}

	if req.UseFallback {
		inner := call
		call = func(ctx context.Context) (interface{}, error) {
			return o.fallback.Execute(ctx, req.Dependency, cacheKey, req.Static, inner)
		}
	}

	if req.UseDedup {
		inner := call
		call = func(ctx context.Context) (interface{}, error) {
			return o.dedup.Execute(ctx, fingerprint, inner)
		}
	}

	start := time.Now()
	var (
		result interface{}
		err    error
	)
	if req.UseQueue {
		future, enqErr := o.queue.Enqueue(ctx, req.Priority, call)
		if enqErr != nil {
			return nil, enqErr
		}
		result, err = future.Wait(ctx)
	} else {
		result, err = call(ctx)
	}

	o.metrics.RecordDuration("resilience.execute", time.Since(start))
	if err != nil {
		o.metrics.IncrementCounterWithLabels("resilience.execute.errors", 1, map[string]string{
			"dependency": req.Dependency,
			"kind":       KindOf(err).String(),
		})
	}
	return result, err
}

// Breaker returns the circuit breaker for a dependency, creating it on
// first use.
func (o *Orchestrator) Breaker(dependency string) *CircuitBreaker {
	return o.breakers.Get(dependency)
}

// ServiceState returns the fallback manager's tracked health of a service
func (o *Orchestrator) ServiceState(service string) ServiceState {
	return o.fallback.State(service)
}

// OrchestratorStats aggregates counters from the composed layers
type OrchestratorStats struct {
	Dedup DedupStats
	Queue QueueStats
}

// Stats returns a snapshot of layer counters
func (o *Orchestrator) Stats() OrchestratorStats {
	return OrchestratorStats{
		Dedup: o.dedup.Stats(),
		Queue: o.queue.Stats(),
	}
}
