package kernel

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dshills/agentkernel-go/kernel/ctxstore"
	"github.com/dshills/agentkernel-go/kernel/emit"
	"github.com/dshills/agentkernel-go/kernel/event"
	"github.com/dshills/agentkernel-go/kernel/persist"
	"github.com/dshills/agentkernel-go/kernel/queue"
)

// Status is the kernel lifecycle state.
type Status string

const (
	StatusUninitialized Status = "uninitialized"
	StatusInitializing  Status = "initializing"
	StatusRunning       Status = "running"
	StatusPaused        Status = "paused"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
)

// statusCode maps a status to its numeric metrics value.
func statusCode(s Status) int {
	switch s {
	case StatusUninitialized:
		return 0
	case StatusInitializing:
		return 1
	case StatusRunning:
		return 2
	case StatusPaused:
		return 3
	case StatusCompleted:
		return 4
	case StatusFailed:
		return 5
	}
	return -1
}

// StatusInfo is the kernel's externally visible state.
type StatusInfo struct {
	Status           Status    `json:"status"`
	EventCount       int       `json:"event_count"`
	RecoveryAttempts int       `json:"recovery_attempts"`
	LastRecoveryTime time.Time `json:"last_recovery_time"`
}

// HealthStatus summarizes kernel health for external monitoring.
type HealthStatus struct {
	// Status is "healthy" when every check passes, else "unhealthy".
	Status string `json:"status"`

	// Checks reports individual subsystem health.
	Checks map[string]bool `json:"checks"`
}

// EnhancedRuntimeStats aggregates queue and kernel-level statistics.
type EnhancedRuntimeStats struct {
	EnhancedQueue EnhancedQueueStats `json:"enhanced_queue"`
	Kernel        KernelStats        `json:"kernel"`
}

// EnhancedQueueStats reports queue availability and statistics.
type EnhancedQueueStats struct {
	Enabled bool        `json:"enabled"`
	Stats   queue.Stats `json:"stats"`
}

// KernelStats reports kernel-level operational counters.
type KernelStats struct {
	RecoveryAttempts        int       `json:"recovery_attempts"`
	LastRecoveryTime        time.Time `json:"last_recovery_time"`
	DLQAutoReprocessEnabled bool      `json:"dlq_auto_reprocess_enabled"`
}

// ExecutionKernel is the orchestrating facade over one tenant's execution:
// it owns the status machine, binds and unbinds the runtime, drives
// pause/resume/reset via snapshots, and scopes context access by tenant
// and thread.
//
// One kernel serves one tenant. State transitions (Initialize, Pause,
// Resume, Reset, recovery) are mutually exclusive; event ingestion and
// read-only accessors may proceed concurrently with each other.
//
// The central contract: kernel state never lies about runtime
// availability. IsRuntimeReady self-heals any observed desynchronization
// between status and the runtime binding before answering.
type ExecutionKernel struct {
	tenantID string
	workflow *Workflow
	opts     Options

	mu         sync.Mutex
	status     Status
	runtime    *Runtime
	eventCount int

	// Delta snapshot base: the previous snapshot's hash and normalized
	// state. Cleared by Reset.
	lastSnapshotHash  string
	lastSnapshotState map[string]any

	// Watermarks for translating cumulative queue counters into emitted
	// events and metric increments.
	seenRetries  int
	seenDLQMoves int

	recovery  *RecoveryCoordinator
	scheduler *cron.Cron

	seq atomic.Int64
}

// tenantContext binds the shared context store to one tenant, giving
// workflow steps a scoped view that cannot cross tenants.
type tenantContext struct {
	store    *ctxstore.Store
	tenantID string
}

func (tc tenantContext) Get(namespace, key, threadID string) (any, bool) {
	return tc.store.Get(tc.tenantID, namespace, key, threadID)
}

func (tc tenantContext) Set(namespace, key, threadID string, value any) {
	tc.store.Set(tc.tenantID, namespace, key, threadID, value)
}

func (tc tenantContext) Increment(namespace, key, threadID string, delta int64) (int64, error) {
	return tc.store.Increment(tc.tenantID, namespace, key, threadID, delta)
}

// New constructs a kernel for one tenant over the given workflow. The
// kernel starts Uninitialized; call Initialize before sending events.
func New(tenantID string, wf *Workflow, opts ...Option) (*ExecutionKernel, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("kernel: tenant id is required")
	}
	if err := wf.Validate(); err != nil {
		return nil, fmt.Errorf("kernel: %w", err)
	}

	var o Options
	if err := o.apply(opts); err != nil {
		return nil, fmt.Errorf("kernel: %w", err)
	}
	o.withDefaults()

	k := &ExecutionKernel{
		tenantID: tenantID,
		workflow: wf,
		opts:     o,
		status:   StatusUninitialized,
	}
	if o.Recovery.EnableAutoRecovery {
		k.recovery = newRecoveryCoordinator(o.Recovery.MaxRecoveryAttempts, k.rebuildRuntimeLocked)
	}
	return k, nil
}

// TenantID returns the kernel's tenant scope.
func (k *ExecutionKernel) TenantID() string {
	return k.tenantID
}

// Initialize constructs the runtime from the workflow descriptor and
// transitions the kernel to Running.
//
// On any construction failure (workflow context factory error, invalid
// queue configuration) the kernel transitions to Failed with a nil
// runtime and the error is returned — initialization failure is never
// swallowed.
func (k *ExecutionKernel) Initialize(_ context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.status != StatusUninitialized {
		return fmt.Errorf("%w: initialize from %s", ErrInvalidState, k.status)
	}

	k.transitionLocked(StatusInitializing, "initialize")

	if err := k.buildRuntimeLocked(true); err != nil {
		k.failLocked(err)
		return &KernelError{
			Message: "kernel initialization failed",
			Code:    "INITIALIZATION_FAILED",
			Cause:   err,
		}
	}

	k.transitionLocked(StatusRunning, "initialize")
	k.startDLQReprocessLocked()
	return nil
}

// buildRuntimeLocked constructs and installs a fresh runtime. When
// runFactory is set the workflow's context factory seeds the tenant
// context first; its error aborts construction. Caller holds k.mu.
func (k *ExecutionKernel) buildRuntimeLocked(runFactory bool) error {
	kc := tenantContext{store: k.opts.ContextStore, tenantID: k.tenantID}

	if runFactory && k.workflow.ContextFactory != nil {
		if err := k.workflow.ContextFactory(kc); err != nil {
			return fmt.Errorf("workflow context factory: %w", err)
		}
	}

	rt, err := newRuntime(k.tenantID, k.workflow, k.opts.Queue, kc,
		k.opts.Emitter, k.opts.Metrics, k.nextSeq, k.opts.RuntimeCleanup)
	if err != nil {
		return err
	}
	k.runtime = rt
	return nil
}

// rebuildRuntimeLocked is the recovery coordinator's rebuild callback.
// It is only invoked through kernel methods that already hold k.mu.
// The old runtime, if any, is discarded best-effort: recovery must not
// be blocked by teardown problems of an already-failed runtime.
func (k *ExecutionKernel) rebuildRuntimeLocked() error {
	if k.runtime != nil {
		_ = k.runtime.Cleanup()
		k.runtime = nil
	}
	return k.buildRuntimeLocked(false)
}

// Run validates and enqueues one event, then synchronously processes all
// due queue items. Autosnapshot policy fires after processing.
//
// Failures of individual events are contained by the queue (retry, DLQ)
// and do not fail the kernel; only exhausted events with the DLQ disabled
// surface here as a *queue.HandlerError aggregate.
func (k *ExecutionKernel) Run(ctx context.Context, ev event.Event) error {
	if err := k.SendEvent(ctx, ev); err != nil {
		return err
	}
	_, err := k.ProcessQueue(ctx)
	return err
}

// SendEvent validates and enqueues one event without processing it.
func (k *ExecutionKernel) SendEvent(_ context.Context, ev event.Event) error {
	rt, err := k.readyRuntime()
	if err != nil {
		return err
	}
	return rt.Enqueue(ev)
}

// ProcessQueue processes every due queue item and returns how many events
// succeeded. Call it repeatedly to pump retries whose backoff has
// elapsed.
func (k *ExecutionKernel) ProcessQueue(ctx context.Context) (int, error) {
	rt, err := k.readyRuntime()
	if err != nil {
		return 0, err
	}

	processed, perr := rt.Dispatch(ctx)
	k.afterProcessing(ctx, rt, processed)
	return processed, perr
}

// DrainQueue processes until the queue is empty or ctx is done, sleeping
// through retry backoff windows. Intended for shutdown and tests.
func (k *ExecutionKernel) DrainQueue(ctx context.Context) error {
	rt, err := k.readyRuntime()
	if err != nil {
		return err
	}

	before := rt.Queue().GetStats().TotalProcessed
	derr := rt.Drain(ctx)
	processed := rt.Queue().GetStats().TotalProcessed - before
	k.afterProcessing(ctx, rt, processed)
	return derr
}

// afterProcessing advances the event counter, translates queue counter
// movement into metrics and emitted events, and fires the autosnapshot
// policy at interval boundaries.
func (k *ExecutionKernel) afterProcessing(ctx context.Context, rt *Runtime, processed int) {
	k.mu.Lock()
	defer k.mu.Unlock()

	// A transition that unbound or replaced the runtime (reset, resume,
	// complete, failure) while dispatch was in flight invalidates these
	// results. Committing them would dirty the fresh state, and the stale
	// snapshot base could autosnapshot context that no longer exists.
	if rt != k.runtime {
		return
	}

	prev := k.eventCount
	k.eventCount += processed

	stats := rt.Queue().GetStats()
	for i := k.seenRetries; i < stats.Retry.TotalRetries; i++ {
		k.opts.Metrics.IncrementRetries(k.tenantID)
		k.emitKernel("queue", "event_retry", map[string]interface{}{
			"total_retries": i + 1,
		})
	}
	k.seenRetries = stats.Retry.TotalRetries

	if moved := stats.DLQ.TotalMoved - k.seenDLQMoves; moved > 0 {
		k.emitKernel("queue", "dlq_move", map[string]interface{}{
			"moved": moved,
			"depth": stats.DLQ.Depth,
		})
	}
	k.seenDLQMoves = stats.DLQ.TotalMoved
	k.opts.Metrics.UpdateDLQDepth(k.tenantID, stats.DLQ.Depth)

	// One snapshot per processing batch that crosses a boundary: a batch
	// spanning several intervals coalesces into a single capture, since
	// the intermediate states no longer exist once the batch committed.
	auto := k.opts.AutoSnapshot
	if auto.Enabled && auto.EventInterval > 0 &&
		k.eventCount/auto.EventInterval > prev/auto.EventInterval {
		if _, err := k.takeSnapshotLocked(ctx, "autosnapshot"); err != nil {
			k.emitKernel("kernel", "snapshot_failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}
}

// readyRuntime returns the bound runtime, failing fast with ErrNotReady
// when the kernel is not Running. Readiness reads self-heal desync.
func (k *ExecutionKernel) readyRuntime() (*Runtime, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if !k.isRuntimeReadyLocked() {
		return nil, fmt.Errorf("%w (status %s)", ErrNotReady, k.status)
	}
	return k.runtime, nil
}

// IsRuntimeReady reports whether the kernel is Running with a bound
// runtime. If it observes Running with a nil runtime (desynchronization)
// it corrects the state to Failed before answering — the kernel never
// reports readiness it cannot back up, and never leaves a visibly
// inconsistent state for a second caller to observe.
func (k *ExecutionKernel) IsRuntimeReady() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.isRuntimeReadyLocked()
}

func (k *ExecutionKernel) isRuntimeReadyLocked() bool {
	if k.status == StatusRunning && k.runtime == nil {
		k.transitionLocked(StatusFailed, "desync_corrected")
		k.emitKernel("kernel", "desync_corrected", map[string]interface{}{
			"error": "status running with no bound runtime",
		})
		return false
	}
	return k.status == StatusRunning && k.runtime != nil
}

// Pause snapshots current context, buffered events, and counters, appends
// the snapshot to the persistor, transitions to Paused, and returns the
// snapshot hash for a later Resume.
func (k *ExecutionKernel) Pause(ctx context.Context, reason string) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.status != StatusRunning || k.runtime == nil {
		return "", fmt.Errorf("%w: pause requires running, got %s", ErrInvalidState, k.status)
	}

	hash, err := k.takeSnapshotLocked(ctx, reason)
	if err != nil {
		return "", err
	}
	k.transitionLocked(StatusPaused, reason)
	return hash, nil
}

// Resume loads a snapshot by hash, validates it, and restores context,
// counters, and buffered events into a freshly constructed runtime.
// The previous runtime, if any, is destroyed before the new one is
// installed. On success the kernel is Running.
//
// A failed resume does not disturb a kernel that was Paused: validation
// and load errors return before any teardown happens.
func (k *ExecutionKernel) Resume(ctx context.Context, hash string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.status == StatusRunning {
		return fmt.Errorf("%w: resume while running", ErrInvalidState)
	}

	stored, err := k.opts.Persistor.GetByHash(ctx, hash)
	if err != nil {
		return fmt.Errorf("resume snapshot %s: %w", hash, err)
	}
	// A persistor may be shared across tenants; a foreign tenant's hash
	// must never import that tenant's context into this kernel.
	if stored.XCID != k.tenantID {
		return &KernelError{
			Message: fmt.Sprintf("snapshot %s belongs to tenant %s, not %s", hash, stored.XCID, k.tenantID),
			Code:    "SNAPSHOT_INVALID",
		}
	}
	if err := persist.ValidateSnapshot(stored); err != nil {
		return &KernelError{
			Message: fmt.Sprintf("snapshot %s failed validation", hash),
			Code:    "SNAPSHOT_INVALID",
			Cause:   err,
		}
	}

	snap, err := persist.Load(ctx, k.opts.Persistor, hash)
	if err != nil {
		return fmt.Errorf("resume snapshot %s: %w", hash, err)
	}

	var state map[string]any
	events, err := persist.RestoreSnapshot(snap, &state)
	if err != nil {
		return &KernelError{
			Message: fmt.Sprintf("snapshot %s failed to restore", hash),
			Code:    "SNAPSHOT_INVALID",
			Cause:   err,
		}
	}

	if k.runtime != nil {
		if cerr := k.runtime.Cleanup(); cerr != nil {
			k.failLocked(cerr)
			return fmt.Errorf("resume teardown: %w", cerr)
		}
		k.runtime = nil
	}

	if err := k.buildRuntimeLocked(false); err != nil {
		k.failLocked(err)
		return &KernelError{
			Message: "kernel initialization failed",
			Code:    "INITIALIZATION_FAILED",
			Cause:   err,
		}
	}

	k.opts.ContextStore.Import(k.tenantID, decodeContextExport(state["context"]))
	k.eventCount = decodeInt(state["event_count"])
	if err := k.runtime.Queue().RestoreEvents(events); err != nil {
		k.failLocked(err)
		return fmt.Errorf("resume events: %w", err)
	}

	k.lastSnapshotHash = hash
	k.lastSnapshotState = state
	k.transitionLocked(StatusRunning, "resume")
	return nil
}

// Reset tears the runtime down and returns the kernel to a clean
// Uninitialized slate: counters cleared, tenant context dropped, snapshot
// base forgotten, recovery budget restored.
//
// If runtime cleanup fails the kernel transitions to Failed with a nil
// runtime and the error is returned — reset always leaves a terminal,
// inspectable state, never a half-cleaned runtime.
func (k *ExecutionKernel) Reset(_ context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.stopDLQReprocessLocked()

	if k.runtime != nil {
		err := k.runtime.Cleanup()
		k.runtime = nil
		if err != nil {
			k.failLocked(err)
			return fmt.Errorf("reset: %w", err)
		}
	}

	k.eventCount = 0
	k.seenRetries = 0
	k.seenDLQMoves = 0
	k.lastSnapshotHash = ""
	k.lastSnapshotState = nil
	k.opts.ContextStore.DropTenant(k.tenantID)
	if k.recovery != nil {
		k.recovery.reset()
	}
	k.transitionLocked(StatusUninitialized, "reset")
	return nil
}

// Complete finishes the kernel's lifecycle: the runtime is torn down and
// the kernel transitions to Completed. Cleanup problems are reported via
// the emitter but never block completion.
func (k *ExecutionKernel) Complete(_ context.Context) {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.stopDLQReprocessLocked()

	if k.runtime != nil {
		if err := k.runtime.Cleanup(); err != nil {
			k.emitKernel("kernel", "cleanup_failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
		k.runtime = nil
	}
	k.transitionLocked(StatusCompleted, "complete")
}

// RecoverFromError reconstructs the runtime after a failure. It requires
// the Failed state and reports success as a bool; ordinary recovery
// failure is not an error. Only exceeding the recovery attempt ceiling
// returns an error (ErrRecoveryExhausted).
func (k *ExecutionKernel) RecoverFromError(_ context.Context) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.status != StatusFailed {
		return false, fmt.Errorf("%w: recover from %s", ErrInvalidState, k.status)
	}
	res, err := k.triggerRecoveryLocked()
	return res.Success, err
}

// triggerRecoveryLocked runs one recovery attempt through the coordinator
// when configured, or directly otherwise. Caller holds k.mu.
func (k *ExecutionKernel) triggerRecoveryLocked() (RecoveryResult, error) {
	var res RecoveryResult

	if k.recovery != nil {
		var err error
		res, err = k.recovery.TriggerRecovery()
		if err != nil {
			return RecoveryResult{}, err
		}
	} else {
		res.Success = k.rebuildRuntimeLocked() == nil
	}

	outcome := "failure"
	if res.Success {
		outcome = "success"
		k.transitionLocked(StatusRunning, "recovery")
	}
	k.opts.Metrics.IncrementRecoveryAttempts(k.tenantID, outcome)
	k.emitKernel("recovery", "recovery_attempt", map[string]interface{}{
		"attempt": res.Attempt,
		"success": res.Success,
	})
	return res, nil
}

// GetStatus returns the kernel's externally visible state. Always
// consistent and truthful, including immediately after a failure.
func (k *ExecutionKernel) GetStatus() StatusInfo {
	k.mu.Lock()
	defer k.mu.Unlock()

	info := StatusInfo{
		Status:     k.status,
		EventCount: k.eventCount,
	}
	if k.recovery != nil {
		rs := k.recovery.Status()
		info.RecoveryAttempts = rs.Attempts
		info.LastRecoveryTime = rs.LastRecoveryTime
	}
	return info
}

// GetRuntime returns the bound runtime, or nil.
func (k *ExecutionKernel) GetRuntime() *Runtime {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.runtime
}

// GetRuntimeStats fails fast with ErrNotReady when the runtime is not
// available; it never attempts a partial answer.
func (k *ExecutionKernel) GetRuntimeStats() (RuntimeStats, error) {
	rt, err := k.readyRuntime()
	if err != nil {
		return RuntimeStats{}, err
	}
	return rt.Stats(), nil
}

// RegisterHandler binds an event type to a step at runtime. Like other
// runtime-dependent operations it fails fast when the kernel is not
// ready.
func (k *ExecutionKernel) RegisterHandler(eventType, stepID string, step Step) error {
	if _, err := k.readyRuntime(); err != nil {
		return err
	}
	k.workflow.register(eventType, stepID, step)
	return nil
}

// GetContext retrieves a context value scoped by (namespace, key,
// threadID) within this kernel's tenant. An empty threadID addresses the
// tenant-global scope.
func (k *ExecutionKernel) GetContext(namespace, key, threadID string) (any, bool) {
	return k.opts.ContextStore.Get(k.tenantID, namespace, key, threadID)
}

// SetContext stores a context value in this kernel's tenant scope.
func (k *ExecutionKernel) SetContext(namespace, key, threadID string, value any) {
	k.opts.ContextStore.Set(k.tenantID, namespace, key, threadID, value)
}

// IncrementContext atomically adds delta to a numeric context entry,
// treating a missing key as 0, and returns the post-increment value.
func (k *ExecutionKernel) IncrementContext(namespace, key, threadID string, delta int64) (int64, error) {
	return k.opts.ContextStore.Increment(k.tenantID, namespace, key, threadID, delta)
}

// GetHealthStatus reports per-subsystem health checks. "healthy" requires
// a ready runtime and a reachable persistor.
func (k *ExecutionKernel) GetHealthStatus(ctx context.Context) HealthStatus {
	checks := map[string]bool{
		"runtime":   k.IsRuntimeReady(),
		"persistor": true,
		"queue":     k.GetRuntime() != nil,
	}

	if pinger, ok := k.opts.Persistor.(interface{ Ping(context.Context) error }); ok {
		checks["persistor"] = pinger.Ping(ctx) == nil
	}

	status := "healthy"
	for _, ok := range checks {
		if !ok {
			status = "unhealthy"
			break
		}
	}
	return HealthStatus{Status: status, Checks: checks}
}

// GetEnhancedRuntimeStats aggregates queue statistics with kernel-level
// recovery and DLQ-management state. Safe to call in any status.
func (k *ExecutionKernel) GetEnhancedRuntimeStats() EnhancedRuntimeStats {
	k.mu.Lock()
	defer k.mu.Unlock()

	out := EnhancedRuntimeStats{
		Kernel: KernelStats{
			DLQAutoReprocessEnabled: k.scheduler != nil,
		},
	}
	if k.recovery != nil {
		rs := k.recovery.Status()
		out.Kernel.RecoveryAttempts = rs.Attempts
		out.Kernel.LastRecoveryTime = rs.LastRecoveryTime
	}
	if k.runtime != nil {
		out.EnhancedQueue = EnhancedQueueStats{
			Enabled: true,
			Stats:   k.runtime.Queue().GetStats(),
		}
	}
	return out
}

// EnhancedCleanup tears down timers: the DLQ auto-reprocess scheduler is
// stopped. Safe to call multiple times and in any status.
func (k *ExecutionKernel) EnhancedCleanup() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.stopDLQReprocessLocked()
}

// takeSnapshotLocked captures current context, buffered events, and
// counters, appends the snapshot, and returns its hash. With UseDelta
// enabled and a previous snapshot on record, only the diff is stored.
// Caller holds k.mu.
func (k *ExecutionKernel) takeSnapshotLocked(ctx context.Context, reason string) (string, error) {
	state, err := normalizeState(map[string]any{
		"event_count": k.eventCount,
		"context":     k.opts.ContextStore.Export(k.tenantID),
	})
	if err != nil {
		return "", err
	}

	var events []event.Event
	if k.runtime != nil {
		events = k.runtime.Queue().PendingEvents()
	}

	var snap persist.Snapshot
	kind := "full"
	if k.opts.AutoSnapshot.UseDelta && k.lastSnapshotHash != "" && k.lastSnapshotState != nil {
		ops := persist.DiffStates(k.lastSnapshotState, state)
		snap, err = persist.CreateDeltaSnapshot(k.tenantID, k.lastSnapshotHash, ops, events)
		kind = "delta"
	} else {
		snap, err = persist.CreateSnapshot(k.tenantID, state, events)
	}
	if err != nil {
		return "", fmt.Errorf("create snapshot: %w", err)
	}

	if err := k.opts.Persistor.Append(ctx, snap); err != nil {
		return "", fmt.Errorf("append snapshot: %w", err)
	}

	k.lastSnapshotHash = snap.Hash
	k.lastSnapshotState = state
	k.opts.Metrics.RecordSnapshot(k.tenantID, kind, len(snap.State))
	k.emitKernel("persistor", "snapshot_created", map[string]interface{}{
		"hash":   snap.Hash,
		"kind":   kind,
		"reason": reason,
	})
	return snap.Hash, nil
}

// startDLQReprocessLocked schedules periodic DLQ reprocessing when
// configured. Caller holds k.mu. The scheduled callback runs for the
// lifetime of the kernel, not of the Initialize call, so it carries its
// own context.
func (k *ExecutionKernel) startDLQReprocessLocked() {
	if !k.opts.DLQManagement.AutoReprocess || k.scheduler != nil {
		return
	}

	minutes := int(k.opts.DLQManagement.ReprocessInterval.Minutes())
	if minutes < 1 {
		minutes = 1
	}

	c := cron.New()
	_, err := c.AddFunc(fmt.Sprintf("@every %dm", minutes), func() {
		k.reprocessDLQScheduled(context.Background())
	})
	if err != nil {
		k.emitKernel("kernel", "dlq_schedule_failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	c.Start()
	k.scheduler = c
}

func (k *ExecutionKernel) stopDLQReprocessLocked() {
	if k.scheduler != nil {
		k.scheduler.Stop()
		k.scheduler = nil
	}
}

// reprocessDLQScheduled is the cron callback: it re-enqueues DLQ items
// matching the configured criteria and drains them.
func (k *ExecutionKernel) reprocessDLQScheduled(ctx context.Context) {
	rt, err := k.readyRuntime()
	if err != nil {
		return
	}

	res := rt.Queue().ReprocessDLQByCriteria(k.opts.DLQManagement.Criteria)
	if res.ReprocessedCount == 0 {
		return
	}
	k.mu.Lock()
	if rt != k.runtime {
		// The runtime was unbound between readyRuntime and here; the
		// reprocessed items died with its queue.
		k.mu.Unlock()
		return
	}
	k.emitKernel("queue", "dlq_reprocess", map[string]interface{}{
		"reprocessed": res.ReprocessedCount,
	})
	k.mu.Unlock()

	if processed, perr := rt.Dispatch(ctx); perr == nil {
		k.afterProcessing(ctx, rt, processed)
	}
}

// transitionLocked moves the status machine and publishes the change.
// Caller holds k.mu.
func (k *ExecutionKernel) transitionLocked(to Status, reason string) {
	from := k.status
	k.status = to
	k.opts.Metrics.SetStatus(k.tenantID, to)
	k.emitKernel("kernel", "status_changed", map[string]interface{}{
		"from":   string(from),
		"to":     string(to),
		"reason": reason,
	})
}

// failLocked flips the kernel to Failed with a nil runtime. Caller holds
// k.mu.
func (k *ExecutionKernel) failLocked(cause error) {
	k.runtime = nil
	from := k.status
	k.status = StatusFailed
	k.opts.Metrics.SetStatus(k.tenantID, StatusFailed)
	k.emitKernel("kernel", "status_changed", map[string]interface{}{
		"from":   string(from),
		"to":     string(StatusFailed),
		"reason": "failure",
		"error":  cause.Error(),
	})
}

func (k *ExecutionKernel) nextSeq() int {
	return int(k.seq.Add(1))
}

func (k *ExecutionKernel) emitKernel(source, msg string, meta map[string]interface{}) {
	k.opts.Emitter.Emit(emit.Event{
		TenantID: k.tenantID,
		Seq:      k.nextSeq(),
		Source:   source,
		Msg:      msg,
		Meta:     meta,
	})
}
