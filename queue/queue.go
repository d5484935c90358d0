// Package queue provides the bounded priority queue that drives dispatch
// against the upstream model API: priority ordering with FIFO ties, a
// bounded in-flight set, delayed retry eligibility, and a background
// scheduler that emits process notifications.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrQueueFull   = errors.New("queue full")
	ErrUnknownItem = errors.New("unknown queue item")
)

// Item is a unit of pending work owned by the queue until dequeued.
type Item struct {
	ID         string
	Target     string // e.g. agent id
	Priority   int    // higher dequeues sooner
	EnqueuedAt time.Time
	EligibleAt time.Time // items are not dequeued before this instant
	Retries    int
	Payload    any
	Metadata   map[string]string

	seq uint64 // insertion order, breaks priority ties FIFO
}

// ProcessFunc is invoked by the scheduler for each dequeued item. It runs in
// its own goroutine; the caller must eventually call MarkSuccess or
// MarkFailure for the item.
type ProcessFunc func(ctx context.Context, item *Item)

// FailedFunc is invoked exactly once when an item has exhausted its retries.
type FailedFunc func(item *Item)

// Config configures the queue.
type Config struct {
	MaxSize       int           `json:"max_size"`
	MaxConcurrent int           `json:"max_concurrent"`
	MaxRetries    int           `json:"max_retries"`
	RetryDelay    time.Duration `json:"retry_delay"`
	TickInterval  time.Duration `json:"tick_interval"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxSize:       1000,
		MaxConcurrent: 5,
		MaxRetries:    3,
		RetryDelay:    time.Second,
		TickInterval:  100 * time.Millisecond,
	}
}

// Queue is a bounded priority queue with a bounded in-flight set and
// retry-with-delay semantics.
type Queue struct {
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	pending  itemHeap
	inflight map[string]*Item
	nextSeq  uint64

	process ProcessFunc
	failed  FailedFunc

	started  atomic.Bool
	stopped  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// metrics
	enqueued  atomic.Int64
	dequeued  atomic.Int64
	succeeded atomic.Int64
	retried   atomic.Int64
	exhausted atomic.Int64
	rejected  atomic.Int64
}

// New creates a queue. Zero config fields fall back to defaults.
func New(cfg Config, logger *zap.Logger) *Queue {
	def := DefaultConfig()
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = def.MaxSize
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Queue{
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "request_queue")),
		pending:  make(itemHeap, 0),
		inflight: make(map[string]*Item),
		stopCh:   make(chan struct{}),
	}
}

// Enqueue inserts an item and returns its assigned id.
// Fails with ErrQueueFull when the pending size has reached MaxSize.
func (q *Queue) Enqueue(item *Item) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) >= q.cfg.MaxSize {
		q.rejected.Add(1)
		return "", ErrQueueFull
	}

	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	now := time.Now()
	item.EnqueuedAt = now
	if item.EligibleAt.IsZero() {
		item.EligibleAt = now
	}
	item.seq = q.nextSeq
	q.nextSeq++

	heap.Push(&q.pending, item)
	q.enqueued.Add(1)

	return item.ID, nil
}

// Dequeue returns the highest-priority eligible item, or nil when the queue
// is empty, every pending item is still retry-delayed, or the in-flight set
// has reached MaxConcurrent. The returned item is moved into the in-flight
// set as part of the same critical section.
func (q *Queue) Dequeue() *Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.inflight) >= q.cfg.MaxConcurrent {
		return nil
	}

	now := time.Now()
	best := -1
	for i, it := range q.pending {
		if it.EligibleAt.After(now) {
			continue
		}
		if best == -1 || q.pending.higher(i, best) {
			best = i
		}
	}
	if best == -1 {
		return nil
	}

	item := heap.Remove(&q.pending, best).(*Item)
	q.inflight[item.ID] = item
	q.dequeued.Add(1)
	return item
}

// MarkSuccess removes the item from the in-flight set.
func (q *Queue) MarkSuccess(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.inflight[id]; !ok {
		return ErrUnknownItem
	}
	delete(q.inflight, id)
	q.succeeded.Add(1)
	return nil
}

// MarkFailure removes the item from the in-flight set and either re-inserts
// it with a future eligibility timestamp, or, when retries are exhausted,
// emits a single failed notification.
func (q *Queue) MarkFailure(id string) error {
	q.mu.Lock()
	item, ok := q.inflight[id]
	if !ok {
		q.mu.Unlock()
		return ErrUnknownItem
	}
	delete(q.inflight, id)

	if item.Retries < q.cfg.MaxRetries {
		item.Retries++
		item.EligibleAt = time.Now().Add(q.cfg.RetryDelay)
		item.seq = q.nextSeq
		q.nextSeq++
		heap.Push(&q.pending, item)
		q.retried.Add(1)
		q.mu.Unlock()

		q.logger.Debug("item scheduled for retry",
			zap.String("item_id", id),
			zap.Int("retries", item.Retries),
			zap.Time("eligible_at", item.EligibleAt),
		)
		return nil
	}

	q.exhausted.Add(1)
	failed := q.failed
	q.mu.Unlock()

	q.logger.Warn("item retries exhausted",
		zap.String("item_id", id),
		zap.String("target", item.Target),
		zap.Int("retries", item.Retries),
	)
	if failed != nil {
		failed(item)
	}
	return nil
}

// Start launches the background scheduler. Each tick it dequeues eligible
// items while the in-flight set is below MaxConcurrent and hands each to
// process in its own goroutine.
func (q *Queue) Start(ctx context.Context, process ProcessFunc, failed FailedFunc) error {
	if q.started.Swap(true) {
		return errors.New("queue already started")
	}

	q.mu.Lock()
	q.process = process
	q.failed = failed
	q.mu.Unlock()

	q.wg.Add(1)
	go q.run(ctx)
	return nil
}

func (q *Queue) run(ctx context.Context) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.drain(ctx)
		}
	}
}

// drain dequeues until the queue yields no more eligible items. The
// concurrency cap is enforced inside Dequeue, never here.
func (q *Queue) drain(ctx context.Context) {
	for {
		item := q.Dequeue()
		if item == nil {
			return
		}
		go q.process(ctx, item)
	}
}

// Stop halts the scheduler without discarding pending state. Idempotent.
// Items already handed to process are allowed to finish naturally.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		q.stopped.Store(true)
		close(q.stopCh)
	})
	q.wg.Wait()
}

// Stats is a point-in-time view of queue counters.
type Stats struct {
	Pending   int   `json:"pending"`
	InFlight  int   `json:"in_flight"`
	Enqueued  int64 `json:"enqueued"`
	Dequeued  int64 `json:"dequeued"`
	Succeeded int64 `json:"succeeded"`
	Retried   int64 `json:"retried"`
	Exhausted int64 `json:"exhausted"`
	Rejected  int64 `json:"rejected"`
}

// Stats returns current queue statistics.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	pending := len(q.pending)
	inflight := len(q.inflight)
	q.mu.Unlock()

	return Stats{
		Pending:   pending,
		InFlight:  inflight,
		Enqueued:  q.enqueued.Load(),
		Dequeued:  q.dequeued.Load(),
		Succeeded: q.succeeded.Load(),
		Retried:   q.retried.Load(),
		Exhausted: q.exhausted.Load(),
		Rejected:  q.rejected.Load(),
	}
}

// itemHeap orders items by priority descending, insertion order ascending.
type itemHeap []*Item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool { return h.higher(i, j) }

// higher reports whether the item at i outranks the item at j.
func (h itemHeap) higher(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(*Item)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
