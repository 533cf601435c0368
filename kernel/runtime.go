package kernel

import (
	"context"
	"fmt"
	"time"

	"github.com/dshills/agentkernel-go/kernel/emit"
	"github.com/dshills/agentkernel-go/kernel/event"
	"github.com/dshills/agentkernel-go/kernel/queue"
)

// Runtime is the live in-process execution engine bound to one kernel.
// It owns the enhanced queue and executes events against the workflow's
// step graph.
//
// A Runtime is owned exclusively by one kernel at a time and is never
// shared across tenants. It is created at Initialize and destroyed at
// Reset/Complete/failure; Resume destroys the old Runtime before
// installing the new one.
type Runtime struct {
	tenantID string
	workflow *Workflow
	queue    *queue.EnhancedQueue
	kc       ContextAccessor
	emitter  emit.Emitter
	metrics  *PrometheusMetrics
	nextSeq  func() int
	cleanup  func() error
}

// RuntimeStats is the runtime's observability surface.
type RuntimeStats struct {
	Workflow string      `json:"workflow"`
	Queue    queue.Stats `json:"queue"`
}

// newRuntime constructs a runtime and its queue. An invalid queue
// configuration (negative sizes) fails construction; the kernel treats
// this as an initialization failure.
func newRuntime(tenantID string, wf *Workflow, qcfg queue.Config, kc ContextAccessor,
	emitter emit.Emitter, metrics *PrometheusMetrics, nextSeq func() int, cleanup func() error,
) (*Runtime, error) {
	r := &Runtime{
		tenantID: tenantID,
		workflow: wf,
		kc:       kc,
		emitter:  emitter,
		metrics:  metrics,
		nextSeq:  nextSeq,
		cleanup:  cleanup,
	}

	q, err := queue.New(qcfg, r.dispatchEvent)
	if err != nil {
		return nil, err
	}
	r.queue = q
	return r, nil
}

// dispatchEvent is the queue handler: it resolves the entry step for the
// event's type and walks the step graph until a terminal route, an error,
// or the MaxSteps bound.
//
// Errors returned here are contained by the queue (retry, then DLQ or
// drop) and never escape to fail the kernel.
func (r *Runtime) dispatchEvent(ctx context.Context, ev event.Event) error {
	start := time.Now()
	err := r.walkSteps(ctx, ev)

	status := "success"
	if err != nil {
		status = "error"
		r.emitter.Emit(emit.Event{
			TenantID: r.tenantID,
			Seq:      r.nextSeq(),
			Source:   "runtime",
			Msg:      "event_failed",
			Meta: map[string]interface{}{
				"event_id":   ev.ID,
				"event_type": ev.Type,
				"error":      err.Error(),
			},
		})
	}
	r.metrics.RecordEvent(r.tenantID, status, time.Since(start))
	return err
}

func (r *Runtime) walkSteps(ctx context.Context, ev event.Event) error {
	stepID, ok := r.workflow.entryFor(ev.Type)
	if !ok {
		return &KernelError{
			Message: fmt.Sprintf("no entry step for event type %q", ev.Type),
			Code:    "UNKNOWN_STEP",
		}
	}

	for hops := 0; hops < r.workflow.maxSteps(); hops++ {
		step, ok := r.workflow.step(stepID)
		if !ok {
			return &KernelError{
				Message: fmt.Sprintf("routing referenced unknown step %q", stepID),
				Code:    "UNKNOWN_STEP",
			}
		}

		res := step.Run(ctx, ev, r.kc)
		if res.Err != nil {
			return fmt.Errorf("step %s: %w", stepID, res.Err)
		}
		if res.Route.Terminal {
			return nil
		}
		stepID = res.Route.To
	}
	return fmt.Errorf("%w (%d)", ErrMaxStepsExceeded, r.workflow.maxSteps())
}

// Enqueue feeds one event into the queue without processing it.
func (r *Runtime) Enqueue(ev event.Event) error {
	return r.queue.Enqueue(ev)
}

// Dispatch processes every due queue item and returns the number of
// successfully processed events.
func (r *Runtime) Dispatch(ctx context.Context) (int, error) {
	return r.queue.ProcessReady(ctx)
}

// Drain processes until the queue is empty or ctx is done, sleeping
// through retry backoff windows.
func (r *Runtime) Drain(ctx context.Context) error {
	return r.queue.Flush(ctx)
}

// Queue exposes the underlying enhanced queue for DLQ operations.
func (r *Runtime) Queue() *queue.EnhancedQueue {
	return r.queue
}

// Stats snapshots runtime and queue statistics.
func (r *Runtime) Stats() RuntimeStats {
	return RuntimeStats{
		Workflow: r.workflow.Name,
		Queue:    r.queue.GetStats(),
	}
}

// Cleanup releases runtime resources: the cleanup hook runs first (its
// error aborts and surfaces to the caller), then queue contents including
// the DLQ are discarded.
func (r *Runtime) Cleanup() error {
	if r.cleanup != nil {
		if err := r.cleanup(); err != nil {
			return fmt.Errorf("runtime cleanup: %w", err)
		}
	}
	r.queue.PurgeDLQ()
	return nil
}
