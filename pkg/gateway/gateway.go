// Package gateway composes the adaptive cache and the resilience layer
// into the caller-facing fetch path: cache first, then the guarded
// upstream call, then write-through with an adaptive TTL.
package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/regulatory-mesh/regulatory-mesh/pkg/cache"
	"github.com/regulatory-mesh/regulatory-mesh/pkg/observability"
	"github.com/regulatory-mesh/regulatory-mesh/pkg/resilience"
	"github.com/regulatory-mesh/regulatory-mesh/pkg/upstream"
)

// FetchOptions controls one gateway fetch
type FetchOptions struct {
	// MinFreshness is the loosest age bucket the caller accepts
	MinFreshness cache.Freshness
	// Priority weighs the entry against eviction and orders queued dispatch
	Priority int
	// Strategy tags how the cached entry's lifetime is managed
	Strategy cache.Strategy
	// TTL, when positive, overrides the adaptive TTL on write-through
	TTL time.Duration
	// Static is the caller-supplied fallback value, may be nil
	Static interface{}
}

// Gateway is the caller-facing read path. Fetch consults the cache under
// the caller's freshness requirement; on a miss it runs the upstream call
// through the full resilience stack and writes the result back with an
// adaptively derived TTL.
type Gateway struct {
	cache        *cache.Manager
	orchestrator *resilience.Orchestrator
	client       *upstream.Client
	dependency   string

	logger  observability.Logger
	metrics observability.MetricsClient
}

// New wires a gateway over the given cache, orchestrator, and client.
// dependency names the upstream circuit.
func New(cacheManager *cache.Manager, orchestrator *resilience.Orchestrator, client *upstream.Client, dependency string, logger observability.Logger, metrics observability.MetricsClient) *Gateway {
	if dependency == "" {
		dependency = "registry-api"
	}
	if logger == nil {
		logger = observability.NewLogger("gateway")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &Gateway{
		cache:        cacheManager,
		orchestrator: orchestrator,
		client:       client,
		dependency:   dependency,
		logger:       logger,
		metrics:      metrics,
	}
}

// Start launches the cache sweeps and the queue dispatcher
func (g *Gateway) Start(ctx context.Context) {
	g.cache.Start(ctx)
	g.orchestrator.Start()
}

// Shutdown stops the queue, waits for in-flight work, then halts the
// cache sweeps.
func (g *Gateway) Shutdown() {
	g.orchestrator.Shutdown()
	g.cache.Stop()
}

// Fetch returns the payload for path+params, serving from cache when a
// stored value meets the caller's freshness requirement and otherwise
// fetching upstream through the resilience stack. Successful upstream
// results are written back; fallback-served values are returned without
// touching the cache.
func (g *Gateway) Fetch(ctx context.Context, namespace, path string, params map[string]string, opts FetchOptions) ([]byte, error) {
	key := cacheKey(path, params)

	if payload, ok := g.cache.Get(ctx, namespace, key, opts.MinFreshness); ok {
		g.metrics.IncrementCounterWithLabels("gateway.fetch", 1, map[string]string{"source": "cache"})
		return payload, nil
	}

	start := time.Now()
	result, err := g.orchestrator.Execute(ctx, resilience.Request{
		Dependency:  g.dependency,
		Method:      "GET",
		Target:      path,
		Params:      params,
		Static:      opts.Static,
		Priority:    opts.Priority,
		UseQueue:    true,
		UseDedup:    true,
		UseFallback: true,
		UseRetry:    true,
		Fn: func(ctx context.Context) (interface{}, error) {
			body, err := g.client.Get(ctx, path, params)
			if err != nil {
				return nil, err
			}
			return body, nil
		},
	})
	if err != nil {
		g.metrics.IncrementCounterWithLabels("gateway.fetch", 1, map[string]string{"source": "error"})
		return nil, err
	}
	latency := time.Since(start)

	payload, err := asBytes(result)
	if err != nil {
		return nil, err
	}

	if g.orchestrator.ServiceState(g.dependency) == resilience.ServiceUnavailable {
		// The value came from a fallback source, not a live fetch; caching
		// it would mask the outage behind a fresh-looking entry.
		g.metrics.IncrementCounterWithLabels("gateway.fetch", 1, map[string]string{"source": "fallback"})
		return payload, nil
	}

	// Write-through errors degrade to "no cache"; the fetched value still
	// reaches the caller.
	_ = g.cache.Set(ctx, namespace, key, payload, cache.SetOptions{
		TTL:          opts.TTL,
		Strategy:     opts.Strategy,
		Priority:     opts.Priority,
		FetchLatency: latency,
	})

	g.metrics.IncrementCounterWithLabels("gateway.fetch", 1, map[string]string{"source": "upstream"})
	return payload, nil
}

// Invalidate removes a cached entry
func (g *Gateway) Invalidate(ctx context.Context, namespace, path string, params map[string]string) {
	g.cache.Invalidate(ctx, namespace, cacheKey(path, params))
}

// Stats aggregates cache and resilience counters
type Stats struct {
	Cache        cache.Stats
	Resilience   resilience.OrchestratorStats
	ServiceState resilience.ServiceState
}

// Stats returns a snapshot of gateway counters
func (g *Gateway) Stats() Stats {
	return Stats{
		Cache:        g.cache.Stats(),
		Resilience:   g.orchestrator.Stats(),
		ServiceState: g.orchestrator.ServiceState(g.dependency),
	}
}

// cacheKey derives the cache key from the request identity. The resilience
// fingerprint canonicalizes the same inputs, so cache and deduplication
// agree on what "the same request" means.
func cacheKey(path string, params map[string]string) string {
	return path + ":" + resilience.Fingerprint("GET", path, params)
}

func asBytes(result interface{}) ([]byte, error) {
	switch v := result.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("unexpected upstream result type %T", result)
	}
}
