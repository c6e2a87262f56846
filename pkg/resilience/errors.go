// Package resilience implements the execution layer that guards calls to
// the unreliable, rate-limited upstream registry API: circuit breaking,
// bounded retries with jitter, request deduplication, ordered fallbacks,
// and a rate-limited priority queue, composed by an Orchestrator with an
// explicit lifecycle.
package resilience

import (
	"errors"
	"fmt"
	"time"
)

// Kind is the closed classification of upstream-call errors. The upstream
// adapter translates transport errors into kinds; retry and circuit-breaker
// decisions key off the kind, never off dynamic error types.
type Kind int

// Error kinds
const (
	KindUnknown Kind = iota
	// KindTransient covers network errors, timeouts, and 5xx-equivalents;
	// eligible for retry and counted by the circuit breaker.
	KindTransient
	// KindRateLimited covers 429-equivalents carrying a retry-after hint
	KindRateLimited
	// KindNotFound covers deterministic negative results
	KindNotFound
	// KindValidation covers deterministic request errors
	KindValidation
	// KindCircuitOpen marks calls rejected by an open circuit
	KindCircuitOpen
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindNotFound:
		return "not_found"
	case KindValidation:
		return "validation"
	case KindCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// KindError attaches a Kind to an underlying error
type KindError struct {
	Kind Kind
	Err  error
}

func (e *KindError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *KindError) Unwrap() error { return e.Err }

// NewTransientError classifies an error as transient/retryable
func NewTransientError(err error) error {
	return &KindError{Kind: KindTransient, Err: err}
}

// NewNotFoundError classifies an error as a deterministic negative
func NewNotFoundError(err error) error {
	return &KindError{Kind: KindNotFound, Err: err}
}

// NewValidationError classifies an error as a deterministic request error
func NewValidationError(err error) error {
	return &KindError{Kind: KindValidation, Err: err}
}

// RateLimitError signals a 429-equivalent with the server's retry hint.
// The retry loop waits exactly RetryAfter instead of its computed backoff.
type RateLimitError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited (retry after %s): %v", e.RetryAfter, e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// ServiceUnavailableError is raised only when the primary call and every
// fallback source have been tried and failed. It carries the original
// primary failure for diagnostics.
type ServiceUnavailableError struct {
	Service string
	Cause   error
}

func (e *ServiceUnavailableError) Error() string {
	return fmt.Sprintf("service %s unavailable and all fallbacks exhausted: %v", e.Service, e.Cause)
}

func (e *ServiceUnavailableError) Unwrap() error { return e.Cause }

// ErrCircuitOpen is returned when a circuit breaker rejects a call without
// invoking the wrapped function.
var ErrCircuitOpen = &KindError{Kind: KindCircuitOpen, Err: errors.New("circuit breaker is open")}

// ErrQueueFull is returned when the rate-limited queue is at its depth cap
var ErrQueueFull = errors.New("rate-limited queue is full")

// ErrQueueStopped is returned for tasks still queued at shutdown
var ErrQueueStopped = errors.New("rate-limited queue stopped")

// KindOf extracts the Kind from an error chain. Rate-limit errors report
// KindRateLimited; unclassified errors report KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return KindRateLimited
	}
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether the generic retry loop may retry the error.
// Only transient errors qualify; rate limits are handled by their hint and
// everything else propagates immediately.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}

// CountsForBreaker reports whether a failure should count toward opening
// the circuit. Deterministic negatives prove the dependency is alive and
// are treated as successes for breaker accounting.
func CountsForBreaker(err error) bool {
	switch KindOf(err) {
	case KindNotFound, KindValidation, KindCircuitOpen:
		return false
	default:
		return true
	}
}
