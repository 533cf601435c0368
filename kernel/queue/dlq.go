package queue

import (
	"time"

	"github.com/dshills/agentkernel-go/kernel/event"
)

// FailureRecord is one failed attempt in an event's history.
type FailureRecord struct {
	Attempt int       `json:"attempt"`
	Error   string    `json:"error"`
	At      time.Time `json:"at"`
}

// DLQItem is an event that exhausted its retry budget, retained with its
// full failure history until explicitly reprocessed or purged.
type DLQItem struct {
	Event          event.Event     `json:"event"`
	FailureHistory []FailureRecord `json:"failure_history"`
	EnqueuedAt     time.Time       `json:"enqueued_at"`
}

// deadLetters holds DLQ items and the per-event failure histories being
// accumulated while events are still retrying. Callers synchronize via the
// owning queue's mutex.
type deadLetters struct {
	items      []DLQItem
	histories  map[string][]FailureRecord // eventID -> attempts so far
	totalMoved int
}

func newDeadLetters() *deadLetters {
	return &deadLetters{
		histories: make(map[string][]FailureRecord),
	}
}

func (d *deadLetters) recordFailure(eventID string, attempt int, cause error) {
	d.histories[eventID] = append(d.histories[eventID], FailureRecord{
		Attempt: attempt,
		Error:   cause.Error(),
		At:      time.Now(),
	})
}

func (d *deadLetters) forget(eventID string) {
	delete(d.histories, eventID)
}

func (d *deadLetters) add(ev event.Event) {
	history := d.histories[ev.ID]
	delete(d.histories, ev.ID)
	d.items = append(d.items, DLQItem{
		Event:          ev,
		FailureHistory: history,
		EnqueuedAt:     time.Now(),
	})
	d.totalMoved++
}

// ReprocessCriteria selects DLQ items for re-enqueueing.
type ReprocessCriteria struct {
	// MaxAge selects items older than this. Zero selects all ages.
	MaxAge time.Duration

	// Limit caps how many items are reprocessed. Zero means no cap.
	Limit int
}

// ReprocessResult reports the outcome of a criteria-based reprocess.
type ReprocessResult struct {
	ReprocessedCount int
	Events           []event.Event
}

// ReprocessDLQByCriteria scans the DLQ for matching items, re-enqueues up
// to Limit of them as fresh attempts (attempt counter reset), and removes
// them from the DLQ.
//
// An empty or non-matching DLQ yields {0, []} — never an error.
func (q *EnhancedQueue) ReprocessDLQByCriteria(criteria ReprocessCriteria) ReprocessResult {
	q.mu.Lock()
	defer q.mu.Unlock()

	result := ReprocessResult{Events: []event.Event{}}
	now := time.Now()

	var kept []DLQItem
	for _, item := range q.dlq.items {
		matches := criteria.MaxAge == 0 || now.Sub(item.EnqueuedAt) > criteria.MaxAge
		capped := criteria.Limit > 0 && result.ReprocessedCount >= criteria.Limit
		if !matches || capped {
			kept = append(kept, item)
			continue
		}
		q.requeueLocked(item.Event)
		result.ReprocessedCount++
		result.Events = append(result.Events, item.Event)
	}
	q.dlq.items = kept
	return result
}

// ReprocessFromDLQ re-enqueues one specific item by event ID as a fresh
// attempt. Returns false if no DLQ item carries that ID; an unknown ID is
// not an error.
func (q *EnhancedQueue) ReprocessFromDLQ(eventID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, item := range q.dlq.items {
		if item.Event.ID != eventID {
			continue
		}
		q.dlq.items = append(q.dlq.items[:i], q.dlq.items[i+1:]...)
		q.requeueLocked(item.Event)
		return true
	}
	return false
}

// PurgeDLQ discards all DLQ items and returns how many were dropped.
func (q *EnhancedQueue) PurgeDLQ() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.dlq.items)
	q.dlq.items = nil
	return n
}

// DLQItems returns a copy of the current DLQ contents.
func (q *EnhancedQueue) DLQItems() []DLQItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]DLQItem, len(q.dlq.items))
	copy(out, q.dlq.items)
	return out
}

// requeueLocked appends an event as a fresh attempt. Caller holds q.mu.
func (q *EnhancedQueue) requeueLocked(ev event.Event) {
	if _, seen := q.partitions[ev.ThreadID]; !seen {
		q.partitionOrder = append(q.partitionOrder, ev.ThreadID)
	}
	q.partitions[ev.ThreadID] = append(q.partitions[ev.ThreadID], &Item{Event: ev})
}

// RetryStats describes the active queue side of Stats.
type RetryStats struct {
	Pending      int           `json:"pending"`       // items ready or awaiting backoff
	Scheduled    int           `json:"scheduled"`     // subset waiting on a future retry time
	TotalRetries int           `json:"total_retries"` // cumulative rescheduled attempts
	TotalDropped int           `json:"total_dropped"` // exhausted with DLQ disabled
	MaxRetries   int           `json:"max_retries"`
	BaseDelay    time.Duration `json:"base_delay"`
}

// DLQStats describes the dead-letter side of Stats. Age fields are zero
// when the DLQ is empty.
type DLQStats struct {
	Depth      int           `json:"depth"`
	TotalMoved int           `json:"total_moved"`
	OldestAge  time.Duration `json:"oldest_age"`
	NewestAge  time.Duration `json:"newest_age"`
}

// Stats is the queue's observability surface, sufficient to drive alerting
// thresholds on retry pressure and DLQ growth.
type Stats struct {
	Retry          RetryStats `json:"retry"`
	DLQ            DLQStats   `json:"dlq"`
	TotalProcessed int        `json:"total_processed"`
}

// GetStats snapshots current queue and DLQ statistics.
func (q *EnhancedQueue) GetStats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	s := Stats{
		Retry: RetryStats{
			Pending:      q.depthLocked(),
			TotalRetries: q.totalRetries,
			TotalDropped: q.totalDropped,
			MaxRetries:   q.cfg.MaxRetries,
			BaseDelay:    q.cfg.BaseRetryDelay,
		},
		DLQ: DLQStats{
			Depth:      len(q.dlq.items),
			TotalMoved: q.dlq.totalMoved,
		},
		TotalProcessed: q.totalProcessed,
	}

	for _, items := range q.partitions {
		for _, it := range items {
			if it.NextRetryAt.After(now) {
				s.Retry.Scheduled++
			}
		}
	}

	if n := len(q.dlq.items); n > 0 {
		oldest := q.dlq.items[0].EnqueuedAt
		newest := q.dlq.items[0].EnqueuedAt
		for _, item := range q.dlq.items[1:] {
			if item.EnqueuedAt.Before(oldest) {
				oldest = item.EnqueuedAt
			}
			if item.EnqueuedAt.After(newest) {
				newest = item.EnqueuedAt
			}
		}
		s.DLQ.OldestAge = now.Sub(oldest)
		s.DLQ.NewestAge = now.Sub(newest)
	}
	return s
}
