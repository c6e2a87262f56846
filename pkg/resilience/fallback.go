package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/regulatory-mesh/regulatory-mesh/pkg/observability"
)

// ServiceState is the tracked health of one fallback-managed service
type ServiceState string

// Service states
const (
	ServiceHealthy     ServiceState = "HEALTHY"
	ServiceUnavailable ServiceState = "UNAVAILABLE"
)

// DegradedProvider supplies a last-resort degraded response when both the
// fallback cache and the static value are unavailable.
type DegradedProvider func(ctx context.Context, service, cacheKey string) (interface{}, bool)

// FallbackConfig holds fallback manager tunables
type FallbackConfig struct {
	// PrimaryTimeout bounds the primary call
	PrimaryTimeout time.Duration
	// CacheMaxAge is the oldest fallback-cached result still usable
	CacheMaxAge time.Duration
	// CacheSize bounds the local result cache
	CacheSize int
}

// DefaultFallbackConfig returns the default fallback tunables
func DefaultFallbackConfig() FallbackConfig {
	return FallbackConfig{
		PrimaryTimeout: 30 * time.Second,
		CacheMaxAge:    time.Hour,
		CacheSize:      1000,
	}
}

type cachedFallback struct {
	val interface{}
	at  time.Time
}

type serviceStatus struct {
	state     ServiceState
	changedAt time.Time
}

// FallbackManager runs a primary call under a timeout and, when it fails,
// tries fallback sources in order: a recent cached result, the caller's
// static value, then a pluggable degraded-response provider. Only when all
// sources are exhausted does the original failure surface, wrapped in a
// ServiceUnavailableError.
type FallbackManager struct {
	config   FallbackConfig
	degraded DegradedProvider

	mu     sync.Mutex
	states map[string]serviceStatus
	cache  *expirable.LRU[string, cachedFallback]

	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewFallbackManager creates a fallback manager. degraded may be nil.
func NewFallbackManager(config FallbackConfig, degraded DegradedProvider, logger observability.Logger, metrics observability.MetricsClient) *FallbackManager {
	if config.PrimaryTimeout <= 0 {
		config.PrimaryTimeout = 30 * time.Second
	}
	if config.CacheMaxAge <= 0 {
		config.CacheMaxAge = time.Hour
	}
	if config.CacheSize <= 0 {
		config.CacheSize = 1000
	}
	if logger == nil {
		logger = observability.NewLogger("resilience.fallback")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &FallbackManager{
		config:   config,
		degraded: degraded,
		states:   make(map[string]serviceStatus),
		cache:    expirable.NewLRU[string, cachedFallback](config.CacheSize, nil, config.CacheMaxAge),
		logger:   logger,
		metrics:  metrics,
	}
}

// Execute runs primary under the configured timeout. On success the result
// is cached under cacheKey and the service is marked healthy. On failure or
// timeout the service is marked unavailable and fallback sources are tried
// in order; a fallback success surfaces no error at all.
func (m *FallbackManager) Execute(ctx context.Context, service, cacheKey string, static interface{}, primary func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	callCtx, cancel := context.WithTimeout(ctx, m.config.PrimaryTimeout)
	defer cancel()

	val, err := primary(callCtx)
	if err == nil && callCtx.Err() == nil {
		m.setState(service, ServiceHealthy)
		m.mu.Lock()
		m.cache.Add(cacheKey, cachedFallback{val: val, at: time.Now()})
		m.mu.Unlock()
		return val, nil
	}
	if err == nil {
		// The primary "succeeded" after its deadline; treat it as failed
		// so a cancelled call never leaks into a succeeded state.
		err = callCtx.Err()
	}

	m.setState(service, ServiceUnavailable)
	m.metrics.IncrementCounterWithLabels("resilience.fallback.primary_failed", 1, map[string]string{
		"service": service,
	})

	m.mu.Lock()
	cached, ok := m.cache.Get(cacheKey)
	m.mu.Unlock()
	if ok && time.Since(cached.at) <= m.config.CacheMaxAge {
		m.logger.Warn("Primary failed, serving cached fallback", map[string]interface{}{
			"service": service,
			"key":     cacheKey,
			"age":     time.Since(cached.at).String(),
			"error":   err.Error(),
		})
		m.metrics.IncrementCounterWithLabels("resilience.fallback.served", 1, map[string]string{"source": "cache"})
		return cached.val, nil
	}

	if static != nil {
		m.metrics.IncrementCounterWithLabels("resilience.fallback.served", 1, map[string]string{"source": "static"})
		return static, nil
	}

	if m.degraded != nil {
		if val, ok := m.degraded(ctx, service, cacheKey); ok {
			m.metrics.IncrementCounterWithLabels("resilience.fallback.served", 1, map[string]string{"source": "degraded"})
			return val, nil
		}
	}

	m.metrics.IncrementCounterWithLabels("resilience.fallback.exhausted", 1, map[string]string{"service": service})
	return nil, &ServiceUnavailableError{Service: service, Cause: err}
}

// State returns the tracked health of a service. Services never seen
// report healthy.
func (m *FallbackManager) State(service string) ServiceState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if status, ok := m.states[service]; ok {
		return status.state
	}
	return ServiceHealthy
}

func (m *FallbackManager) setState(service string, state ServiceState) {
	m.mu.Lock()
	prev, ok := m.states[service]
	if !ok || prev.state != state {
		m.states[service] = serviceStatus{state: state, changedAt: time.Now()}
		m.mu.Unlock()
		if ok && state == ServiceUnavailable {
			m.logger.Warn("Service marked unavailable", map[string]interface{}{"service": service})
		}
		m.metrics.RecordGauge("resilience.service.healthy", boolToFloat(state == ServiceHealthy), map[string]string{
			"service": service,
		})
		return
	}
	m.mu.Unlock()
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
