// Package kernel provides the tenant-scoped execution kernel: a status
// machine bound to a live runtime, snapshot-based pause/resume, and
// recovery coordination over the enhanced event queue.
package kernel

import "errors"

// ErrNotReady indicates a runtime-dependent accessor was invoked while the
// kernel is not in the Running state with a bound runtime. Never retried
// internally; always surfaced to the caller.
var ErrNotReady = errors.New("kernel: runtime not ready")

// ErrInvalidState indicates a lifecycle operation was invoked from a state
// it is not legal in (e.g. Pause while not Running).
var ErrInvalidState = errors.New("kernel: invalid state for operation")

// ErrRecoveryExhausted indicates TriggerRecovery was called after the
// configured attempt ceiling was reached. Further calls do not increment
// the counter.
var ErrRecoveryExhausted = errors.New("kernel: max recovery attempts exceeded")

// ErrMaxStepsExceeded indicates that dispatching one event walked more
// workflow steps than the workflow's MaxSteps bound. This prevents
// infinite routing loops from consuming the queue worker.
var ErrMaxStepsExceeded = errors.New("kernel: workflow exceeded maximum steps")

// KernelError is a structured error carrying a machine-readable code for
// programmatic handling.
//
// Codes in use:
//   - "INITIALIZATION_FAILED": workflow/context construction failed; the
//     kernel transitioned to Failed and the error was rethrown.
//   - "SNAPSHOT_INVALID": a snapshot failed validation on resume.
//   - "UNKNOWN_STEP": event routing referenced an unregistered step.
type KernelError struct {
	// Message is the human-readable error description.
	Message string

	// Code is a machine-readable error code.
	Code string

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *KernelError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *KernelError) Unwrap() error {
	return e.Cause
}
