package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUpstreamDown = NewTransientError(errors.New("connection refused"))

func failingCall(counter *int) func(ctx context.Context) (interface{}, error) {
	return func(ctx context.Context) (interface{}, error) {
		*counter++
		return nil, errUpstreamDown
	}
}

func TestCircuitBreakerOpensAtThreshold(t *testing.T) {
	cb := NewCircuitBreaker("registry", CircuitBreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  time.Minute,
	}, nil, nil)
	ctx := context.Background()

	calls := 0
	for i := 0; i < 4; i++ {
		_, err := cb.Execute(ctx, failingCall(&calls))
		require.Error(t, err)
		assert.Equal(t, gobreaker.StateClosed, cb.State(), "still closed after %d failures", i+1)
	}

	_, err := cb.Execute(ctx, failingCall(&calls))
	require.Error(t, err)
	assert.Equal(t, gobreaker.StateOpen, cb.State(), "opens on the fifth consecutive failure")
	assert.Equal(t, 5, calls)
}

func TestCircuitBreakerFailsFastWhileOpen(t *testing.T) {
	cb := NewCircuitBreaker("registry", CircuitBreakerConfig{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Minute,
	}, nil, nil)
	ctx := context.Background()

	calls := 0
	_, err := cb.Execute(ctx, failingCall(&calls))
	require.Error(t, err)
	require.Equal(t, gobreaker.StateOpen, cb.State())

	_, err = cb.Execute(ctx, failingCall(&calls))
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 1, calls, "open circuit must not invoke the wrapped function")
	assert.Equal(t, KindCircuitOpen, KindOf(err))
	assert.False(t, IsRetryable(err), "an open circuit is not retryable")
}

func TestCircuitBreakerRecovers(t *testing.T) {
	cb := NewCircuitBreaker("registry", CircuitBreakerConfig{
		FailureThreshold: 1,
		RecoveryTimeout:  30 * time.Millisecond,
	}, nil, nil)
	ctx := context.Background()

	calls := 0
	_, err := cb.Execute(ctx, failingCall(&calls))
	require.Error(t, err)
	require.Equal(t, gobreaker.StateOpen, cb.State())

	time.Sleep(50 * time.Millisecond)

	result, err := cb.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		return "recovered", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "recovered", result)
	assert.Equal(t, gobreaker.StateClosed, cb.State())
	assert.Zero(t, cb.FailureCount())
}

func TestCircuitBreakerReopensOnHalfOpenFailure(t *testing.T) {
	cb := NewCircuitBreaker("registry", CircuitBreakerConfig{
		FailureThreshold: 1,
		RecoveryTimeout:  30 * time.Millisecond,
	}, nil, nil)
	ctx := context.Background()

	calls := 0
	_, _ = cb.Execute(ctx, failingCall(&calls))
	require.Equal(t, gobreaker.StateOpen, cb.State())

	time.Sleep(50 * time.Millisecond)

	_, err := cb.Execute(ctx, failingCall(&calls))
	require.Error(t, err)
	assert.Equal(t, gobreaker.StateOpen, cb.State(), "a failed trial reopens the circuit")
	assert.Equal(t, 2, calls)
}

func TestCircuitBreakerIgnoresDeterministicNegatives(t *testing.T) {
	cb := NewCircuitBreaker("registry", CircuitBreakerConfig{
		FailureThreshold: 2,
		RecoveryTimeout:  time.Minute,
	}, nil, nil)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := cb.Execute(ctx, func(ctx context.Context) (interface{}, error) {
			return nil, NewNotFoundError(errors.New("no such entity"))
		})
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateClosed, cb.State(),
		"not-found responses prove the dependency is alive")
}

func TestCircuitBreakerManagerOnePerDependency(t *testing.T) {
	manager := NewCircuitBreakerManager(DefaultCircuitBreakerConfig(), nil, nil)

	a := manager.Get("registry")
	b := manager.Get("documents")
	assert.NotSame(t, a, b)
	assert.Same(t, a, manager.Get("registry"), "breakers are reused per dependency")
	assert.Equal(t, "registry", a.Name())
}
