package kernel

import (
	"fmt"

	"github.com/dshills/agentkernel-go/kernel/queue"
)

// DLQOperations is a bound accessor over the runtime queue's dead-letter
// operations. Obtained from GetDLQOperations; nil when the DLQ feature is
// unavailable.
type DLQOperations struct {
	q *queue.EnhancedQueue
}

// Stats snapshots queue and DLQ statistics.
func (d *DLQOperations) Stats() queue.Stats {
	return d.q.GetStats()
}

// Items returns a copy of the current DLQ contents.
func (d *DLQOperations) Items() []queue.DLQItem {
	return d.q.DLQItems()
}

// ReprocessByCriteria re-enqueues DLQ items matching the criteria as
// fresh attempts. An empty or non-matching DLQ yields a zero result,
// never an error.
func (d *DLQOperations) ReprocessByCriteria(criteria queue.ReprocessCriteria) queue.ReprocessResult {
	return d.q.ReprocessDLQByCriteria(criteria)
}

// ReprocessOne re-enqueues a single DLQ item by event ID. Returns false
// when the ID is not in the DLQ; an unknown ID is not an error.
func (d *DLQOperations) ReprocessOne(eventID string) bool {
	return d.q.ReprocessFromDLQ(eventID)
}

// Purge discards all DLQ items and returns how many were dropped.
func (d *DLQOperations) Purge() int {
	return d.q.PurgeDLQ()
}

// GetDLQOperations returns a bound DLQ accessor, or nil when the DLQ is
// disabled or the kernel has no runtime. The nil return lets collaborators
// probe feature availability without error handling.
func (k *ExecutionKernel) GetDLQOperations() *DLQOperations {
	k.mu.Lock()
	defer k.mu.Unlock()

	if !k.opts.Queue.EnableDLQ || k.runtime == nil {
		return nil
	}
	return &DLQOperations{q: k.runtime.Queue()}
}

// RecoveryOperations is a bound accessor over the kernel's recovery
// coordinator. Obtained from GetRecoveryOperations; nil when recovery is
// disabled.
type RecoveryOperations struct {
	k *ExecutionKernel
}

// TriggerRecovery runs one recovery attempt: the runtime is reconstructed
// and the kernel transitions to Running on success. Past the attempt
// ceiling it returns ErrRecoveryExhausted without consuming an attempt.
func (r *RecoveryOperations) TriggerRecovery() (RecoveryResult, error) {
	return r.k.triggerRecovery()
}

// Status reports recovery attempt progress.
func (r *RecoveryOperations) Status() RecoveryStatus {
	return r.k.recovery.Status()
}

// GetRecoveryOperations returns a bound recovery accessor, or nil when
// auto-recovery is disabled or the kernel has not been initialized.
func (k *ExecutionKernel) GetRecoveryOperations() *RecoveryOperations {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.recovery == nil || k.status == StatusUninitialized {
		return nil
	}
	return &RecoveryOperations{k: k}
}

// triggerRecovery is the facade entry point: unlike RecoverFromError it
// does not require the Failed state, so operators can proactively rebuild
// a degraded runtime.
func (k *ExecutionKernel) triggerRecovery() (RecoveryResult, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.recovery == nil {
		return RecoveryResult{}, fmt.Errorf("%w: recovery not configured", ErrInvalidState)
	}
	return k.triggerRecoveryLocked()
}
