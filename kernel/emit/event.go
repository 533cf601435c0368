// Package emit provides the kernel's observability event model and the
// pluggable Emitter backends that receive it.
package emit

// Event is an observability event emitted during kernel execution.
//
// The kernel emits events for lifecycle transitions (initialize, pause,
// resume, reset, recovery), snapshot activity, event retries, and DLQ
// moves. Emitters route them to logs, in-memory buffers, or OpenTelemetry.
type Event struct {
	// TenantID identifies the kernel that emitted this event.
	TenantID string

	// Seq is the kernel's processed-event count at emission time.
	// Zero for events emitted before the first processed event.
	Seq int

	// Source names the component that emitted this event:
	// "kernel", "runtime", "queue", "persistor", "recovery".
	Source string

	// Msg is a short machine-matchable message, e.g. "status_changed",
	// "snapshot_created", "event_retry", "dlq_move".
	Msg string

	// Meta contains additional structured data. Common keys:
	//   - "status": kernel status after a transition
	//   - "hash": snapshot hash
	//   - "event_id": queue event involved
	//   - "attempt": retry attempt number
	//   - "error": error details
	Meta map[string]interface{}
}

// Emitter receives observability events from kernel execution.
//
// Implementations should be:
//   - Non-blocking: never slow down event processing
//   - Thread-safe: called concurrently from queue and kernel goroutines
//   - Resilient: a failing backend must not crash the kernel
type Emitter interface {
	// Emit sends an event to the configured backend.
	// Emit must not panic; backend errors are handled internally.
	Emit(event Event)
}
