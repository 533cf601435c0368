// Package event defines the immutable event model consumed by the kernel
// and its queue. It is a leaf package: everything above it (queue, persist,
// kernel) depends on it, and it depends on nothing but uuid.
package event

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidEvent is returned when an event fails validation before enqueue.
// Events must carry a non-empty type; an empty ID is filled in by New.
var ErrInvalidEvent = errors.New("invalid event: missing required fields")

// Event is a unit of work fed into a kernel's runtime queue.
//
// Events are immutable once enqueued. The ThreadID partitions ordering:
// events sharing a ThreadID are processed in enqueue order, while events on
// different threads may interleave. An empty ThreadID places the event on
// the tenant-global partition.
type Event struct {
	// ID uniquely identifies this event. Assigned by New if empty.
	ID string `json:"id"`

	// Type selects the workflow step that handles this event.
	Type string `json:"type"`

	// ThreadID is the conversation/session sub-scope within the tenant.
	// Empty means tenant-global.
	ThreadID string `json:"thread_id,omitempty"`

	// Data is the opaque event payload. Must be JSON-serializable for
	// snapshotting.
	Data map[string]any `json:"data,omitempty"`

	// Timestamp records when the event was created.
	Timestamp time.Time `json:"timestamp"`
}

// New constructs an event with a generated ID and current timestamp.
//
// Example:
//
//	ev := event.New("message.received", "thread-42", map[string]any{"text": "hi"})
func New(eventType, threadID string, data map[string]any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		ThreadID:  threadID,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// Validate checks that the event is well-formed enough to enqueue.
// An empty Type is rejected; an empty ID is rejected too since dedup,
// DLQ reprocessing and failure history all key on it.
func (e Event) Validate() error {
	if e.Type == "" || e.ID == "" {
		return ErrInvalidEvent
	}
	return nil
}
