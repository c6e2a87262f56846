// Package upstream adapts the rate-limited registry HTTP API into the
// closed error-kind taxonomy the resilience layer keys off of.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/regulatory-mesh/regulatory-mesh/pkg/observability"
	"github.com/regulatory-mesh/regulatory-mesh/pkg/resilience"
)

// ClientConfig holds upstream client tunables
type ClientConfig struct {
	// BaseURL is the API root, no trailing slash required
	BaseURL string
	// RequestTimeout bounds a single HTTP exchange
	RequestTimeout time.Duration
	// SmoothingRate paces outgoing requests (requests per second) so bursts
	// from the dispatcher don't trip the server-side limit mid-window
	SmoothingRate float64
	// SmoothingBurst is the smoothing limiter's burst allowance
	SmoothingBurst int
}

// DefaultClientConfig returns the default client tunables
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		RequestTimeout: 30 * time.Second,
		SmoothingRate:  4.0,
		SmoothingBurst: 8,
	}
}

// Client is an HTTP JSON client for the upstream registry API. Every call
// classifies its outcome: 404 is a deterministic negative, 429 carries the
// server's Retry-After hint, 4xx request errors are validation failures,
// and 5xx plus transport errors are transient.
type Client struct {
	config  ClientConfig
	http    *http.Client
	limiter *rate.Limiter
	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewClient creates a client for the given API root
func NewClient(config ClientConfig, logger observability.Logger, metrics observability.MetricsClient) *Client {
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 30 * time.Second
	}
	if config.SmoothingRate <= 0 {
		config.SmoothingRate = 4.0
	}
	if config.SmoothingBurst <= 0 {
		config.SmoothingBurst = 8
	}
	if logger == nil {
		logger = observability.NewLogger("upstream")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &Client{
		config:  config,
		http:    &http.Client{Timeout: config.RequestTimeout},
		limiter: rate.NewLimiter(rate.Limit(config.SmoothingRate), config.SmoothingBurst),
		logger:  logger,
		metrics: metrics,
	}
}

// Get fetches path with the given query parameters and returns the raw
// response body. Errors are classified into the resilience error kinds.
func (c *Client) Get(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	u, err := url.Parse(c.config.BaseURL)
	if err != nil {
		return nil, resilience.NewValidationError(fmt.Errorf("invalid base URL %q: %w", c.config.BaseURL, err))
	}
	u = u.JoinPath(path)
	if len(params) > 0 {
		q := u.Query()
		for k, v := range params {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, resilience.NewValidationError(err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		c.metrics.IncrementCounterWithLabels("upstream.errors", 1, map[string]string{"kind": "transport"})
		return nil, resilience.NewTransientError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resilience.NewTransientError(fmt.Errorf("reading response body: %w", err))
	}

	c.metrics.RecordDuration("upstream.request", time.Since(start))
	c.metrics.IncrementCounterWithLabels("upstream.responses", 1, map[string]string{
		"status": strconv.Itoa(resp.StatusCode),
	})

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, resilience.NewNotFoundError(fmt.Errorf("%s not found", path))
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		c.logger.Warn("Upstream rate limit hit", map[string]interface{}{
			"path":        path,
			"retry_after": retryAfter.String(),
		})
		return nil, &resilience.RateLimitError{
			RetryAfter: retryAfter,
			Err:        fmt.Errorf("upstream returned %d for %s", resp.StatusCode, path),
		}
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, resilience.NewValidationError(fmt.Errorf("upstream rejected request: %d %s", resp.StatusCode, string(body)))
	default:
		return nil, resilience.NewTransientError(fmt.Errorf("upstream returned %d for %s", resp.StatusCode, path))
	}
}

// GetJSON fetches path and unmarshals the response into out
func (c *Client) GetJSON(ctx context.Context, path string, params map[string]string, out interface{}) error {
	body, err := c.Get(ctx, path, params)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return resilience.NewValidationError(fmt.Errorf("decoding %s response: %w", path, err))
	}
	return nil
}

// parseRetryAfter reads a Retry-After header in either delta-seconds or
// HTTP-date form. Unparseable or absent values fall back to 60s, the
// upstream's published window.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 60 * time.Second
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
		return time.Second
	}
	return 60 * time.Second
}
