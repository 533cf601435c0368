package kernel

import (
	"context"
	"fmt"
	"sync"

	"github.com/dshills/agentkernel-go/kernel/event"
)

// defaultMaxSteps bounds routing per event when the workflow does not set
// its own limit.
const defaultMaxSteps = 25

// ContextAccessor is the view of the kernel's context store handed to
// workflow steps. All access is scoped to the owning kernel's tenant; the
// thread scope is the processed event's ThreadID.
type ContextAccessor interface {
	// Get retrieves a value for (namespace, key) in the event's thread
	// scope, or the tenant-global scope when threadID is empty.
	Get(namespace, key, threadID string) (any, bool)

	// Set stores a value for (namespace, key) in the given scope.
	Set(namespace, key, threadID string, value any)

	// Increment atomically adds delta to a numeric entry, treating a
	// missing entry as 0, and returns the post-increment value.
	Increment(namespace, key, threadID string, delta int64) (int64, error)
}

// Step is one processing unit in the workflow step graph. It receives the
// event being processed plus a tenant-scoped context accessor and returns
// a routing decision.
//
// A non-nil Err fails the event: the queue retries it with backoff and
// eventually moves it to the DLQ. Step errors never fail the kernel.
type Step interface {
	Run(ctx context.Context, ev event.Event, kc ContextAccessor) StepResult
}

// StepResult is the output of one step execution.
type StepResult struct {
	// Route specifies the next step, or Stop() to finish the event.
	Route Next

	// Err is the step-level failure, if any.
	Err error
}

// Next specifies where event dispatch goes after a step completes.
// Exactly one of To or Terminal is meaningful.
type Next struct {
	// To names the next step to execute.
	To string

	// Terminal indicates dispatch for this event is finished.
	Terminal bool
}

// Stop returns a Next that finishes event dispatch.
func Stop() Next {
	return Next{Terminal: true}
}

// Goto returns a Next that routes to the named step.
func Goto(stepID string) Next {
	return Next{To: stepID}
}

// StepFunc adapts a plain function to the Step interface.
type StepFunc func(ctx context.Context, ev event.Event, kc ContextAccessor) StepResult

// Run implements Step.
func (f StepFunc) Run(ctx context.Context, ev event.Event, kc ContextAccessor) StepResult {
	return f(ctx, ev, kc)
}

// Workflow is the step-graph descriptor a kernel executes events against.
// How steps are authored is the caller's concern; the kernel only needs
// the routing table and lifecycle hooks defined here.
//
// Steps and Entry may be extended after construction via the kernel's
// RegisterHandler; direct field mutation after the workflow is handed to
// a kernel is not safe.
type Workflow struct {
	mu sync.RWMutex


	// Name identifies the workflow in observability output.
	Name string

	// Steps maps step IDs to their implementations.
	Steps map[string]Step

	// Entry maps event types to the first step to run. The empty-string
	// key, when present, is the fallback for unmapped event types.
	Entry map[string]string

	// MaxSteps bounds routing hops per event. 0 means defaultMaxSteps.
	MaxSteps int

	// ContextFactory, when set, seeds the tenant's context during kernel
	// initialization. An error here fails initialization: the kernel
	// transitions to Failed and rethrows.
	ContextFactory func(kc ContextAccessor) error
}

// Validate checks the descriptor for structural problems: a missing name,
// no steps, or entry points referencing unregistered steps.
func (w *Workflow) Validate() error {
	if w == nil {
		return fmt.Errorf("workflow is nil")
	}

	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.Name == "" {
		return fmt.Errorf("workflow name is required")
	}
	if len(w.Steps) == 0 {
		return fmt.Errorf("workflow %q has no steps", w.Name)
	}
	for evType, stepID := range w.Entry {
		if _, ok := w.Steps[stepID]; !ok {
			return fmt.Errorf("workflow %q: entry for event type %q references unknown step %q", w.Name, evType, stepID)
		}
	}
	return nil
}

// maxSteps returns the effective routing bound.
func (w *Workflow) maxSteps() int {
	if w.MaxSteps > 0 {
		return w.MaxSteps
	}
	return defaultMaxSteps
}

// entryFor resolves the first step for an event type, falling back to the
// empty-string entry when the type has no mapping of its own.
func (w *Workflow) entryFor(eventType string) (string, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if stepID, ok := w.Entry[eventType]; ok {
		return stepID, true
	}
	stepID, ok := w.Entry[""]
	return stepID, ok
}

// step looks up a step by ID.
func (w *Workflow) step(stepID string) (Step, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	s, ok := w.Steps[stepID]
	return s, ok
}

// register binds an event type to a step, adding the step under its own
// ID. Used by the kernel's RegisterHandler.
func (w *Workflow) register(eventType, stepID string, step Step) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.Steps == nil {
		w.Steps = make(map[string]Step)
	}
	if w.Entry == nil {
		w.Entry = make(map[string]string)
	}
	w.Steps[stepID] = step
	w.Entry[eventType] = stepID
}
