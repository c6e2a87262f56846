package resilience

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/regulatory-mesh/regulatory-mesh/pkg/observability"
)

// DedupConfig holds deduplicator tunables
type DedupConfig struct {
	// ResultTTL is how long completed results are served to followers
	ResultTTL time.Duration
	// MaxResults bounds the completed-result set
	MaxResults int
}

// DefaultDedupConfig returns the default deduplicator tunables
func DefaultDedupConfig() DedupConfig {
	return DedupConfig{
		ResultTTL:  300 * time.Second,
		MaxResults: 10000,
	}
}

// Fingerprint derives the stable identity of an operation from its method,
// target, and canonicalized (sorted) parameters.
func Fingerprint(method, target string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(method)
	b.WriteByte('\n')
	b.WriteString(target)
	for _, k := range keys {
		b.WriteByte('\n')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:16])
}

// inflightCall is one in-progress upstream call shared by identical requests
type inflightCall struct {
	done chan struct{}
	val  interface{}
	err  error
}

// completedResult is a finished call's outcome, served until its TTL
type completedResult struct {
	val interface{}
	err error
	at  time.Time
}

// Deduplicator coalesces concurrent identical requests into one upstream
// call: followers of an in-flight request block until it completes and
// receive its outcome; requests matching a recently completed fingerprint
// are served immediately. At most one concurrent upstream call runs per
// fingerprint.
type Deduplicator struct {
	mu        sync.Mutex
	active    map[string]*inflightCall
	completed *expirable.LRU[string, completedResult]

	logger  observability.Logger
	metrics observability.MetricsClient

	coalesced int64
	served    int64
}

// NewDeduplicator creates a deduplicator with the given tunables
func NewDeduplicator(config DedupConfig, logger observability.Logger, metrics observability.MetricsClient) *Deduplicator {
	if config.ResultTTL <= 0 {
		config.ResultTTL = 300 * time.Second
	}
	if config.MaxResults <= 0 {
		config.MaxResults = 10000
	}
	if logger == nil {
		logger = observability.NewLogger("resilience.dedup")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &Deduplicator{
		active:    make(map[string]*inflightCall),
		completed: expirable.NewLRU[string, completedResult](config.MaxResults, nil, config.ResultTTL),
		logger:    logger,
		metrics:   metrics,
	}
}

// Execute runs fn for the fingerprint, coalescing with any identical
// in-flight request and serving recently completed outcomes. Success and
// error outcomes are both cached; a cancelled or timed-out call is not a
// cacheable outcome and only its own waiters observe it.
func (d *Deduplicator) Execute(ctx context.Context, fingerprint string, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	d.mu.Lock()

	if result, ok := d.completed.Get(fingerprint); ok {
		d.served++
		d.mu.Unlock()
		d.metrics.IncrementCounterWithLabels("resilience.dedup.served_completed", 1, nil)
		return result.val, result.err
	}

	if call, ok := d.active[fingerprint]; ok {
		d.coalesced++
		d.mu.Unlock()
		d.metrics.IncrementCounterWithLabels("resilience.dedup.coalesced", 1, nil)
		select {
		case <-call.done:
			return call.val, call.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	call := &inflightCall{done: make(chan struct{})}
	d.active[fingerprint] = call
	d.mu.Unlock()

	val, err := fn(ctx)
	call.val = val
	call.err = err

	d.mu.Lock()
	delete(d.active, fingerprint)
	if !isContextError(err) {
		d.completed.Add(fingerprint, completedResult{val: val, err: err, at: time.Now()})
	}
	d.mu.Unlock()
	close(call.done)

	return val, err
}

// CompletedSize returns the number of cached completed results
func (d *Deduplicator) CompletedSize() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.completed.Len()
}

// DedupStats is a point-in-time snapshot of deduplicator counters
type DedupStats struct {
	Coalesced       int64
	ServedCompleted int64
	Active          int
	Completed       int
}

// Stats returns a snapshot of deduplicator counters
func (d *Deduplicator) Stats() DedupStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return DedupStats{
		Coalesced:       d.coalesced,
		ServedCompleted: d.served,
		Active:          len(d.active),
		Completed:       d.completed.Len(),
	}
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
