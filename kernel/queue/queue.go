// Package queue implements the kernel's enhanced event queue: bounded
// retry with capped exponential backoff, a dead-letter queue for exhausted
// events, and criteria-based reprocessing.
//
// Ordering contract: events are processed in enqueue order per thread
// partition. A failed event retries in place at the head of its partition
// and never jumps ahead of later, never-attempted events; partitions do not
// block each other.
package queue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/dshills/agentkernel-go/kernel/event"
)

// ErrNoHandler is returned when events are processed before a handler has
// been registered.
var ErrNoHandler = errors.New("queue: no handler registered")

// ErrInvalidConfig is returned by New for out-of-range configuration,
// such as negative retry counts or delays.
var ErrInvalidConfig = errors.New("queue: invalid configuration")

// HandlerError wraps an individual event-processing failure. These errors
// are contained inside the queue (retry, then DLQ or drop) and never escape
// to fail the kernel.
type HandlerError struct {
	EventID string
	Attempt int
	Cause   error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("event %s attempt %d: %v", e.EventID, e.Attempt, e.Cause)
}

func (e *HandlerError) Unwrap() error {
	return e.Cause
}

// Handler processes one event. A non-nil error schedules a retry, and
// eventually a DLQ move once the retry budget is exhausted.
type Handler func(ctx context.Context, ev event.Event) error

// Config configures retry and DLQ behavior. Zero values get defaults from
// New; negative values are rejected.
type Config struct {
	// MaxRetries is the number of attempts before an event is considered
	// exhausted. Default 3.
	MaxRetries int

	// BaseRetryDelay seeds the backoff curve. Default 100ms.
	BaseRetryDelay time.Duration

	// MaxRetryDelay caps the backoff curve. Default 30s.
	MaxRetryDelay time.Duration

	// EnableDLQ routes exhausted events to the dead-letter queue instead
	// of dropping them.
	EnableDLQ bool

	// HandlerTimeout bounds a single handler invocation. Timeout is
	// functionally identical to cancellation: the attempt counts as a
	// failure subject to the retry policy. 0 disables the bound.
	HandlerTimeout time.Duration
}

func (c Config) validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("%w: MaxRetries %d", ErrInvalidConfig, c.MaxRetries)
	}
	if c.BaseRetryDelay < 0 || c.MaxRetryDelay < 0 || c.HandlerTimeout < 0 {
		return fmt.Errorf("%w: negative delay", ErrInvalidConfig)
	}
	if c.MaxRetryDelay > 0 && c.BaseRetryDelay > 0 && c.MaxRetryDelay < c.BaseRetryDelay {
		return fmt.Errorf("%w: MaxRetryDelay < BaseRetryDelay", ErrInvalidConfig)
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.BaseRetryDelay == 0 {
		c.BaseRetryDelay = 100 * time.Millisecond
	}
	if c.MaxRetryDelay == 0 {
		c.MaxRetryDelay = 30 * time.Second
	}
	return c
}

// Item is one queued event plus its retry bookkeeping.
// Lifecycle: enqueued -> (processing -> retry-scheduled)* -> succeeded or
// moved-to-DLQ.
type Item struct {
	Event       event.Event
	Attempt     int
	NextRetryAt time.Time
	LastError   string

	// inflight guards against two concurrent ProcessReady calls picking
	// the same head.
	inflight bool
}

// EnhancedQueue is the retrying, dead-letter-capable event queue owned by
// one runtime. Thread-safe.
type EnhancedQueue struct {
	mu      sync.Mutex
	cfg     Config
	handler Handler

	partitions     map[string][]*Item // threadID -> FIFO
	partitionOrder []string           // first-seen order, kept stable

	dlq *deadLetters

	totalProcessed int
	totalRetries   int
	totalDropped   int

	rng *rand.Rand
}

// New constructs a queue. The handler may be nil at construction and
// registered later via SetHandler; processing before that fails with
// ErrNoHandler.
func New(cfg Config, handler Handler) (*EnhancedQueue, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &EnhancedQueue{
		cfg:        cfg.withDefaults(),
		handler:    handler,
		partitions: make(map[string][]*Item),
		dlq:        newDeadLetters(),
		// Jitter timing only, not security sensitive.
		rng: rand.New(rand.NewSource(time.Now().UnixNano())), // #nosec G404
	}, nil
}

// Config returns the effective (defaulted) configuration.
func (q *EnhancedQueue) Config() Config {
	return q.cfg
}

// SetHandler registers or replaces the event handler.
func (q *EnhancedQueue) SetHandler(h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handler = h
}

// Enqueue appends a validated event to its thread partition.
func (q *EnhancedQueue) Enqueue(ev event.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, seen := q.partitions[ev.ThreadID]; !seen {
		q.partitionOrder = append(q.partitionOrder, ev.ThreadID)
	}
	q.partitions[ev.ThreadID] = append(q.partitions[ev.ThreadID], &Item{Event: ev})
	return nil
}

// ProcessReady drains every item whose retry time has arrived, in partition
// order. It returns the number of successfully processed events and an
// aggregate of drop errors (events exhausted with DLQ disabled).
//
// A partition whose head is awaiting backoff is skipped, not blocked on, so
// one failing thread never starves the others.
func (q *EnhancedQueue) ProcessReady(ctx context.Context) (int, error) {
	processed := 0
	var dropErrs []error

	for {
		if err := ctx.Err(); err != nil {
			return processed, err
		}

		it, ok := q.nextReady()
		if !ok {
			return processed, errors.Join(dropErrs...)
		}

		err := q.runHandler(ctx, it.Event)
		if err == nil {
			q.commitSuccess(it)
			processed++
			continue
		}

		if dropErr := q.commitFailure(it, err); dropErr != nil {
			dropErrs = append(dropErrs, dropErr)
		}
	}
}

// Flush processes until the queue is empty or ctx is done, sleeping through
// backoff windows as needed. Intended for tests and shutdown draining.
func (q *EnhancedQueue) Flush(ctx context.Context) error {
	for {
		if _, err := q.ProcessReady(ctx); err != nil && !isDropAggregate(err) {
			return err
		}

		q.mu.Lock()
		depth := q.depthLocked()
		next, due := q.nextDueLocked()
		q.mu.Unlock()

		if depth == 0 {
			return nil
		}
		if !due {
			// Depth > 0 but nothing scheduled: everything in flight was
			// just drained, loop again.
			continue
		}

		wait := time.Until(next)
		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// isDropAggregate reports whether err only carries HandlerError drops,
// which Flush tolerates (the events are gone; there is nothing to wait for).
func isDropAggregate(err error) bool {
	var he *HandlerError
	return errors.As(err, &he)
}

// nextReady pops no items; it returns the first due head item across
// partitions, or false when nothing is due.
func (q *EnhancedQueue) nextReady() (*Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	for _, tid := range q.partitionOrder {
		items := q.partitions[tid]
		if len(items) == 0 {
			continue
		}
		head := items[0]
		if head.inflight || head.NextRetryAt.After(now) {
			continue
		}
		head.inflight = true
		return head, true
	}
	return nil, false
}

// runHandler invokes the handler outside the queue lock, bounded by
// HandlerTimeout when configured. A deadline or cancellation during the
// attempt is a failure like any other: the event is not silently discarded.
func (q *EnhancedQueue) runHandler(ctx context.Context, ev event.Event) error {
	q.mu.Lock()
	h := q.handler
	timeout := q.cfg.HandlerTimeout
	q.mu.Unlock()

	if h == nil {
		return ErrNoHandler
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		done <- h(ctx, ev)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		// Abandon the in-flight handler; the attempt failed.
		return fmt.Errorf("handler aborted: %w", ctx.Err())
	}
}

// commitSuccess removes a completed item from its partition head.
func (q *EnhancedQueue) commitSuccess(it *Item) {
	q.mu.Lock()
	defer q.mu.Unlock()

	it.inflight = false
	q.removeHead(it)
	q.totalProcessed++
	q.dlq.forget(it.Event.ID)
}

// commitFailure records a failed attempt. While budget remains the item is
// rescheduled in place with backoff; once exhausted it moves to the DLQ
// with its full failure history, or is dropped (and reported upward) when
// the DLQ is disabled.
func (q *EnhancedQueue) commitFailure(it *Item, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	it.inflight = false
	it.Attempt++
	it.LastError = cause.Error()
	q.dlq.recordFailure(it.Event.ID, it.Attempt, cause)

	if it.Attempt < q.cfg.MaxRetries {
		it.NextRetryAt = time.Now().Add(q.backoff(it.Attempt))
		q.totalRetries++
		return nil
	}

	q.removeHead(it)
	if q.cfg.EnableDLQ {
		q.dlq.add(it.Event)
		return nil
	}

	q.totalDropped++
	q.dlq.forget(it.Event.ID)
	return &HandlerError{EventID: it.Event.ID, Attempt: it.Attempt, Cause: cause}
}

// removeHead drops it from the head of its partition. The item is always
// the head: retries are re-attempted in place and never reordered.
func (q *EnhancedQueue) removeHead(it *Item) {
	items := q.partitions[it.Event.ThreadID]
	if len(items) > 0 && items[0] == it {
		q.partitions[it.Event.ThreadID] = items[1:]
	}
}

// backoff computes the delay before retry n (1-based completed attempts):
// exponential doubling from BaseRetryDelay, capped at MaxRetryDelay, plus
// jitter in [0, BaseRetryDelay) to avoid synchronized retry storms.
func (q *EnhancedQueue) backoff(attempt int) time.Duration {
	delay := q.cfg.BaseRetryDelay * (1 << (attempt - 1))
	if delay > q.cfg.MaxRetryDelay || delay <= 0 {
		delay = q.cfg.MaxRetryDelay
	}
	jitter := time.Duration(q.rng.Int63n(int64(q.cfg.BaseRetryDelay)))
	return delay + jitter
}

// Depth returns the number of queued items across all partitions,
// including items awaiting backoff.
func (q *EnhancedQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depthLocked()
}

func (q *EnhancedQueue) depthLocked() int {
	n := 0
	for _, items := range q.partitions {
		n += len(items)
	}
	return n
}

// nextDueLocked returns the earliest NextRetryAt across partition heads.
func (q *EnhancedQueue) nextDueLocked() (time.Time, bool) {
	var next time.Time
	found := false
	for _, items := range q.partitions {
		if len(items) == 0 {
			continue
		}
		at := items[0].NextRetryAt
		if !found || at.Before(next) {
			next = at
			found = true
		}
	}
	return next, found
}

// PendingEvents returns the queued events in partition order, retries
// first within their partition. Used by the kernel to include buffered
// events in snapshots.
func (q *EnhancedQueue) PendingEvents() []event.Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []event.Event
	for _, tid := range q.partitionOrder {
		for _, it := range q.partitions[tid] {
			out = append(out, it.Event)
		}
	}
	return out
}

// RestoreEvents re-enqueues events as fresh attempts, preserving order.
// Used when a kernel resumes from a snapshot.
func (q *EnhancedQueue) RestoreEvents(events []event.Event) error {
	for _, ev := range events {
		if err := q.Enqueue(ev); err != nil {
			return err
		}
	}
	return nil
}
