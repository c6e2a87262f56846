package resilience

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/regulatory-mesh/regulatory-mesh/pkg/observability"
)

// QueueConfig holds rate-limited queue tunables
type QueueConfig struct {
	// RatePerWindow is the dispatch budget per sliding window
	RatePerWindow int
	// Window is the sliding-window length
	Window time.Duration
	// MaxConcurrent caps tasks running at once
	MaxConcurrent int
	// MaxDepth caps tasks waiting in the queue
	MaxDepth int
}

// DefaultQueueConfig returns the default queue tunables
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		RatePerWindow: 240,
		Window:        time.Minute,
		MaxConcurrent: 10,
		MaxDepth:      1000,
	}
}

// taskResult is a finished task's outcome
type taskResult struct {
	val interface{}
	err error
}

// Future resolves once its queued task has run
type Future struct {
	ch chan taskResult
}

// Wait blocks until the task completes or ctx is done
func (f *Future) Wait(ctx context.Context) (interface{}, error) {
	select {
	case result := <-f.ch:
		return result.val, result.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// queuedTask is one unit of work waiting for dispatch
type queuedTask struct {
	id       string
	priority int
	seq      uint64
	enqueued time.Time
	ctx      context.Context
	fn       func(ctx context.Context) (interface{}, error)
	future   *Future
}

// taskHeap orders tasks by descending priority, FIFO within a priority
type taskHeap []*queuedTask

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x interface{}) { *h = append(*h, x.(*queuedTask)) }

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	task := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return task
}

// RateLimitedQueue dispatches queued work under a sliding-window rate limit
// and a concurrency cap. Higher-priority tasks dispatch first; tasks of equal
// priority dispatch in enqueue order. When the window budget is spent the
// dispatcher sleeps until the oldest counted dispatch ages out.
type RateLimitedQueue struct {
	config QueueConfig

	mu      sync.Mutex
	tasks   taskHeap
	sent    []time.Time
	seq     uint64
	stopped bool

	notify chan struct{}
	sem    chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once

	dispatched int64
	rejected   int64

	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewRateLimitedQueue creates a queue with the given tunables
func NewRateLimitedQueue(config QueueConfig, logger observability.Logger, metrics observability.MetricsClient) *RateLimitedQueue {
	if config.RatePerWindow <= 0 {
		config.RatePerWindow = 240
	}
	if config.Window <= 0 {
		config.Window = time.Minute
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 10
	}
	if config.MaxDepth <= 0 {
		config.MaxDepth = 1000
	}
	if logger == nil {
		logger = observability.NewLogger("resilience.queue")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &RateLimitedQueue{
		config:  config,
		tasks:   make(taskHeap, 0),
		sent:    make([]time.Time, 0, config.RatePerWindow),
		notify:  make(chan struct{}, 1),
		sem:     make(chan struct{}, config.MaxConcurrent),
		stopCh:  make(chan struct{}),
		logger:  logger,
		metrics: metrics,
	}
}

// Start launches the dispatcher
func (q *RateLimitedQueue) Start() {
	q.wg.Add(1)
	go q.dispatchLoop()
}

// Stop halts dispatch, fails tasks still queued with ErrQueueStopped, and
// waits for in-flight tasks to finish.
func (q *RateLimitedQueue) Stop() {
	q.once.Do(func() {
		q.mu.Lock()
		q.stopped = true
		q.mu.Unlock()
		close(q.stopCh)
	})
	q.wg.Wait()

	q.mu.Lock()
	pending := q.tasks
	q.tasks = nil
	q.mu.Unlock()
	for _, task := range pending {
		task.future.ch <- taskResult{err: ErrQueueStopped}
	}
}

// Enqueue queues fn at the given priority and returns a future for its
// result. Returns ErrQueueFull when the queue is at depth capacity and
// ErrQueueStopped after Stop.
func (q *RateLimitedQueue) Enqueue(ctx context.Context, priority int, fn func(ctx context.Context) (interface{}, error)) (*Future, error) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil, ErrQueueStopped
	}
	if len(q.tasks) >= q.config.MaxDepth {
		q.rejected++
		q.mu.Unlock()
		q.metrics.IncrementCounterWithLabels("resilience.queue.rejected", 1, nil)
		return nil, ErrQueueFull
	}
	q.seq++
	task := &queuedTask{
		id:       uuid.New().String(),
		priority: priority,
		seq:      q.seq,
		enqueued: time.Now(),
		ctx:      ctx,
		fn:       fn,
		future:   &Future{ch: make(chan taskResult, 1)},
	}
	heap.Push(&q.tasks, task)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return task.future, nil
}

func (q *RateLimitedQueue) dispatchLoop() {
	defer q.wg.Done()
	for {
		task, ok := q.nextTask()
		if !ok {
			return
		}
		if !q.waitForWindow() {
			q.requeue(task)
			return
		}
		select {
		case q.sem <- struct{}{}:
		case <-q.stopCh:
			q.requeue(task)
			return
		}

		q.mu.Lock()
		now := time.Now()
		q.sent = append(q.sent, now)
		q.dispatched++
		q.mu.Unlock()

		q.metrics.RecordHistogram("resilience.queue.wait_seconds", now.Sub(task.enqueued).Seconds(), nil)

		q.wg.Add(1)
		go func(task *queuedTask) {
			defer q.wg.Done()
			defer func() { <-q.sem }()
			val, err := task.fn(task.ctx)
			task.future.ch <- taskResult{val: val, err: err}
		}(task)
	}
}

// nextTask blocks until a task is available or the queue stops
func (q *RateLimitedQueue) nextTask() (*queuedTask, bool) {
	for {
		q.mu.Lock()
		if len(q.tasks) > 0 {
			task := heap.Pop(&q.tasks).(*queuedTask)
			q.mu.Unlock()
			return task, true
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-q.stopCh:
			return nil, false
		}
	}
}

// waitForWindow blocks until the sliding window has budget for one more
// dispatch. Returns false if the queue stopped while waiting.
func (q *RateLimitedQueue) waitForWindow() bool {
	for {
		q.mu.Lock()
		now := time.Now()
		cutoff := now.Add(-q.config.Window)
		kept := q.sent[:0]
		for _, t := range q.sent {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		q.sent = kept
		if len(q.sent) < q.config.RatePerWindow {
			q.mu.Unlock()
			return true
		}
		wait := q.sent[0].Sub(cutoff)
		q.mu.Unlock()

		q.metrics.IncrementCounterWithLabels("resilience.queue.throttled", 1, nil)
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-q.stopCh:
			timer.Stop()
			return false
		}
	}
}

func (q *RateLimitedQueue) requeue(task *queuedTask) {
	q.mu.Lock()
	if q.tasks != nil {
		heap.Push(&q.tasks, task)
		q.mu.Unlock()
		return
	}
	q.mu.Unlock()
	task.future.ch <- taskResult{err: ErrQueueStopped}
}

// QueueStats is a point-in-time snapshot of queue counters
type QueueStats struct {
	Depth      int
	InWindow   int
	Dispatched int64
	Rejected   int64
}

// Stats returns a snapshot of queue counters
func (q *RateLimitedQueue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	cutoff := time.Now().Add(-q.config.Window)
	inWindow := 0
	for _, t := range q.sent {
		if t.After(cutoff) {
			inWindow++
		}
	}
	return QueueStats{
		Depth:      len(q.tasks),
		InWindow:   inWindow,
		Dispatched: q.dispatched,
		Rejected:   q.rejected,
	}
}
