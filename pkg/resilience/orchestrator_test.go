package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		Breaker: CircuitBreakerConfig{FailureThreshold: 5, RecoveryTimeout: time.Minute},
		Retry: RetryConfig{
			MaxRetries: 2,
			BaseDelay:  time.Millisecond,
			MaxDelay:   10 * time.Millisecond,
			Multiplier: 2.0,
			Strategy:   BackoffExponential,
		},
		Dedup:    DefaultDedupConfig(),
		Fallback: FallbackConfig{PrimaryTimeout: time.Second, CacheMaxAge: time.Hour, CacheSize: 10},
		Queue:    DefaultQueueConfig(),
	}
}

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	o := NewOrchestrator(fastOrchestratorConfig(), nil, nil, nil)
	o.Start()
	t.Cleanup(o.Shutdown)
	return o
}

func TestOrchestratorPlainSuccess(t *testing.T) {
	o := newTestOrchestrator(t)

	result, err := o.Execute(context.Background(), Request{
		Dependency: "registry",
		Method:     "GET",
		Target:     "/entities/1",
		Fn: func(ctx context.Context) (interface{}, error) {
			return "payload", nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "payload", result)
}

func TestOrchestratorFullStackSuccess(t *testing.T) {
	o := newTestOrchestrator(t)

	calls := 0
	result, err := o.Execute(context.Background(), Request{
		Dependency:  "registry",
		Method:      "GET",
		Target:      "/entities/2",
		Priority:    3,
		UseQueue:    true,
		UseDedup:    true,
		UseFallback: true,
		UseRetry:    true,
		Fn: func(ctx context.Context) (interface{}, error) {
			calls++
			return "payload", nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "payload", result)
	assert.Equal(t, 1, calls)
	assert.Equal(t, ServiceHealthy, o.ServiceState("registry"))
}

func TestOrchestratorRetriesThenFallsBack(t *testing.T) {
	o := newTestOrchestrator(t)

	calls := 0
	result, err := o.Execute(context.Background(), Request{
		Dependency:  "registry",
		Method:      "GET",
		Target:      "/entities/3",
		Static:      "static-fallback",
		UseFallback: true,
		UseRetry:    true,
		Fn: func(ctx context.Context) (interface{}, error) {
			calls++
			return nil, NewTransientError(errors.New("down"))
		},
	})
	require.NoError(t, err, "fallback engages only after retries are exhausted")
	assert.Equal(t, "static-fallback", result)
	assert.Equal(t, 3, calls, "max_retries+1 attempts before falling back")
	assert.Equal(t, ServiceUnavailable, o.ServiceState("registry"))
}

func TestOrchestratorDedupWrapsRetries(t *testing.T) {
	o := newTestOrchestrator(t)

	var calls int64
	release := make(chan struct{})
	req := Request{
		Dependency: "registry",
		Method:     "GET",
		Target:     "/entities/4",
		UseDedup:   true,
		UseRetry:   true,
		Fn: func(ctx context.Context) (interface{}, error) {
			if atomic.AddInt64(&calls, 1) == 1 {
				<-release
				return nil, NewTransientError(errors.New("first attempt fails"))
			}
			return "second attempt", nil
		},
	}

	const n = 8
	var wg sync.WaitGroup
	results := make([]interface{}, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = o.Execute(context.Background(), req)
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(2), atomic.LoadInt64(&calls),
		"one retrying execution shared by all callers, not one per caller")
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "second attempt", results[i])
	}
}

func TestOrchestratorOpenCircuitSkipsRetries(t *testing.T) {
	o := newTestOrchestrator(t)
	ctx := context.Background()

	// Trip the breaker.
	for i := 0; i < 5; i++ {
		_, err := o.Execute(ctx, Request{
			Dependency: "flaky",
			Method:     "GET",
			Target:     "/entities/5",
			Fn: func(ctx context.Context) (interface{}, error) {
				return nil, NewTransientError(errors.New("down"))
			},
		})
		require.Error(t, err)
	}

	calls := 0
	result, err := o.Execute(ctx, Request{
		Dependency:  "flaky",
		Method:      "GET",
		Target:      "/entities/6",
		Static:      "degraded",
		UseFallback: true,
		UseRetry:    true,
		Fn: func(ctx context.Context) (interface{}, error) {
			calls++
			return nil, NewTransientError(errors.New("down"))
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "degraded", result)
	assert.Zero(t, calls, "an open circuit fails fast straight into the fallback")
}

func TestOrchestratorQueueBackpressure(t *testing.T) {
	config := fastOrchestratorConfig()
	config.Queue = QueueConfig{
		RatePerWindow: 1,
		Window:        200 * time.Millisecond,
		MaxConcurrent: 10,
		MaxDepth:      10,
	}
	o := NewOrchestrator(config, nil, nil, nil)
	o.Start()
	t.Cleanup(o.Shutdown)

	ctx := context.Background()
	req := func(target string) Request {
		return Request{
			Dependency: "registry",
			Method:     "GET",
			Target:     target,
			UseQueue:   true,
			Fn: func(ctx context.Context) (interface{}, error) {
				return time.Now(), nil
			},
		}
	}

	first, err := o.Execute(ctx, req("/a"))
	require.NoError(t, err)
	second, err := o.Execute(ctx, req("/b"))
	require.NoError(t, err)

	gap := second.(time.Time).Sub(first.(time.Time))
	assert.GreaterOrEqual(t, gap, 150*time.Millisecond,
		"the second dispatch waits out the window")
}

func TestOrchestratorStats(t *testing.T) {
	o := newTestOrchestrator(t)

	_, err := o.Execute(context.Background(), Request{
		Dependency: "registry",
		Method:     "GET",
		Target:     "/entities/7",
		UseQueue:   true,
		UseDedup:   true,
		Fn: func(ctx context.Context) (interface{}, error) {
			return "ok", nil
		},
	})
	require.NoError(t, err)

	stats := o.Stats()
	assert.Equal(t, int64(1), stats.Queue.Dispatched)
	assert.Equal(t, 1, stats.Dedup.Completed)
}

func TestOrchestratorRejectsNilFn(t *testing.T) {
	o := newTestOrchestrator(t)
	_, err := o.Execute(context.Background(), Request{Dependency: "registry"})
	assert.Error(t, err)
}
