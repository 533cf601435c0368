package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dshills/agentkernel-go/kernel/ctxstore"
	"github.com/dshills/agentkernel-go/kernel/emit"
	"github.com/dshills/agentkernel-go/kernel/event"
	"github.com/dshills/agentkernel-go/kernel/persist"
	"github.com/dshills/agentkernel-go/kernel/queue"
)

// testWorkflow records processed events into context and fails events of
// type "explode".
func testWorkflow() *Workflow {
	return &Workflow{
		Name: "test-workflow",
		Steps: map[string]Step{
			"record": StepFunc(func(_ context.Context, ev event.Event, kc ContextAccessor) StepResult {
				if _, err := kc.Increment("counters", "processed", ev.ThreadID, 1); err != nil {
					return StepResult{Err: err}
				}
				return StepResult{Route: Stop()}
			}),
			"explode": StepFunc(func(_ context.Context, _ event.Event, _ ContextAccessor) StepResult {
				return StepResult{Err: errors.New("handler failure")}
			}),
		},
		Entry: map[string]string{
			"":        "record",
			"explode": "explode",
		},
	}
}

func fastQueueConfig() queue.Config {
	return queue.Config{
		MaxRetries:     2,
		BaseRetryDelay: time.Millisecond,
		MaxRetryDelay:  5 * time.Millisecond,
		EnableDLQ:      true,
	}
}

func newTestKernel(t *testing.T, opts ...Option) *ExecutionKernel {
	t.Helper()
	k, err := New("tenant-a", testWorkflow(), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := k.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return k
}

func TestKernel_InitializeTransitionsToRunning(t *testing.T) {
	k := newTestKernel(t)

	if got := k.GetStatus().Status; got != StatusRunning {
		t.Errorf("status = %s, want %s", got, StatusRunning)
	}
	if !k.IsRuntimeReady() {
		t.Error("expected runtime ready after Initialize")
	}
	if k.GetRuntime() == nil {
		t.Error("expected bound runtime after Initialize")
	}
}

func TestKernel_InitializeRequiresUninitialized(t *testing.T) {
	k := newTestKernel(t)
	if err := k.Initialize(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Errorf("second Initialize = %v, want ErrInvalidState", err)
	}
}

func TestKernel_InitializeFailsOnContextFactory(t *testing.T) {
	wf := testWorkflow()
	wf.ContextFactory = func(ContextAccessor) error {
		return errors.New("factory boom")
	}

	k, err := New("tenant-a", wf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	err = k.Initialize(context.Background())
	if err == nil {
		t.Fatal("expected Initialize to fail")
	}
	var kerr *KernelError
	if !errors.As(err, &kerr) || kerr.Code != "INITIALIZATION_FAILED" {
		t.Errorf("error = %v, want KernelError INITIALIZATION_FAILED", err)
	}
	if got := k.GetStatus().Status; got != StatusFailed {
		t.Errorf("status = %s, want %s", got, StatusFailed)
	}
	if k.GetRuntime() != nil {
		t.Error("expected nil runtime after failed Initialize")
	}
}

func TestKernel_InitializeFailsOnInvalidQueueConfig(t *testing.T) {
	k, err := New("tenant-a", testWorkflow(),
		WithQueueConfig(queue.Config{MaxRetries: -1}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := k.Initialize(context.Background()); !errors.Is(err, queue.ErrInvalidConfig) {
		t.Errorf("Initialize = %v, want ErrInvalidConfig", err)
	}
	if got := k.GetStatus().Status; got != StatusFailed {
		t.Errorf("status = %s, want %s", got, StatusFailed)
	}
}

func TestKernel_RunProcessesEvent(t *testing.T) {
	k := newTestKernel(t)

	ev := event.New("message", "thread-1", map[string]any{"text": "hi"})
	if err := k.Run(context.Background(), ev); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := k.GetStatus().EventCount; got != 1 {
		t.Errorf("event count = %d, want 1", got)
	}
	v, ok := k.GetContext("counters", "processed", "thread-1")
	if !ok || v != int64(1) {
		t.Errorf("processed counter = %v (%v), want 1", v, ok)
	}
}

func TestKernel_SendEventDefersProcessing(t *testing.T) {
	k := newTestKernel(t)

	if err := k.SendEvent(context.Background(), event.New("message", "t", nil)); err != nil {
		t.Fatalf("SendEvent: %v", err)
	}
	if got := k.GetStatus().EventCount; got != 0 {
		t.Errorf("event count before ProcessQueue = %d, want 0", got)
	}

	processed, err := k.ProcessQueue(context.Background())
	if err != nil {
		t.Fatalf("ProcessQueue: %v", err)
	}
	if processed != 1 {
		t.Errorf("processed = %d, want 1", processed)
	}
	if got := k.GetStatus().EventCount; got != 1 {
		t.Errorf("event count = %d, want 1", got)
	}
}

func TestKernel_NotReadyFailsFast(t *testing.T) {
	k, err := New("tenant-a", testWorkflow())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := k.Run(context.Background(), event.New("message", "t", nil)); !errors.Is(err, ErrNotReady) {
		t.Errorf("Run = %v, want ErrNotReady", err)
	}
	if _, err := k.GetRuntimeStats(); !errors.Is(err, ErrNotReady) {
		t.Errorf("GetRuntimeStats = %v, want ErrNotReady", err)
	}
	if err := k.RegisterHandler("x", "record", nil); !errors.Is(err, ErrNotReady) {
		t.Errorf("RegisterHandler = %v, want ErrNotReady", err)
	}
}

func TestKernel_ReadinessInvariantSelfHeals(t *testing.T) {
	k := newTestKernel(t)

	// Force the desynchronization the invariant guards against: status
	// Running with no bound runtime.
	k.mu.Lock()
	k.runtime = nil
	k.mu.Unlock()

	if k.IsRuntimeReady() {
		t.Fatal("expected not ready with nil runtime")
	}
	if got := k.GetStatus().Status; got != StatusFailed {
		t.Errorf("status after desync read = %s, want %s", got, StatusFailed)
	}

	// A second caller observes the corrected state, not the inconsistency.
	if k.IsRuntimeReady() {
		t.Error("expected not ready after self-heal")
	}
}

func TestKernel_AutosnapshotEveryInterval(t *testing.T) {
	p := persist.NewMemPersistor()
	k := newTestKernel(t, WithPersistor(p), WithAutoSnapshot(2, false))

	for i := 0; i < 3; i++ {
		ev := event.New("message", "thread-1", map[string]any{"n": i})
		if err := k.Run(context.Background(), ev); err != nil {
			t.Fatalf("Run %d: %v", i, err)
		}
	}

	if got := p.Len(); got != 1 {
		t.Errorf("snapshots appended = %d, want exactly 1", got)
	}
	if got := k.GetStatus().EventCount; got < 3 {
		t.Errorf("event count = %d, want >= 3", got)
	}
	if got := k.GetStatus().Status; got != StatusRunning {
		t.Errorf("autosnapshot changed status to %s", got)
	}
}

func TestKernel_AutosnapshotDeltaChainsToBase(t *testing.T) {
	p := persist.NewMemPersistor()
	k := newTestKernel(t, WithPersistor(p), WithAutoSnapshot(1, true))

	for i := 0; i < 2; i++ {
		ev := event.New("message", "thread-1", map[string]any{"n": i})
		if err := k.Run(context.Background(), ev); err != nil {
			t.Fatalf("Run %d: %v", i, err)
		}
	}

	hashes, err := p.ListHashes(context.Background(), "tenant-a")
	if err != nil {
		t.Fatalf("ListHashes: %v", err)
	}
	if len(hashes) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(hashes))
	}

	first, _ := p.GetByHash(context.Background(), hashes[0])
	second, _ := p.GetByHash(context.Background(), hashes[1])
	if first.Base != "" {
		t.Errorf("first snapshot should be full, has base %q", first.Base)
	}
	if second.Base != first.Hash {
		t.Errorf("second snapshot base = %q, want %q", second.Base, first.Hash)
	}

	// Resume from the delta must transparently resolve the chain.
	if _, err := k.Pause(context.Background(), "verify"); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if err := k.Resume(context.Background(), second.Hash); err != nil {
		t.Fatalf("Resume from delta: %v", err)
	}
	if got := k.GetStatus().EventCount; got != 2 {
		t.Errorf("event count after delta resume = %d, want 2", got)
	}
}

func TestKernel_PauseResumeRoundTrip(t *testing.T) {
	k := newTestKernel(t)

	k.SetContext("session", "user", "", "alice")
	k.SetContext("session", "topic", "thread-1", "weather")
	if err := k.Run(context.Background(), event.New("message", "thread-1", nil)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	hash, err := k.Pause(context.Background(), "manual")
	if err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if hash == "" {
		t.Fatal("Pause returned empty hash")
	}
	if got := k.GetStatus().Status; got != StatusPaused {
		t.Errorf("status = %s, want %s", got, StatusPaused)
	}

	// Paused kernels reject event ingestion.
	if err := k.Run(context.Background(), event.New("message", "thread-1", nil)); !errors.Is(err, ErrNotReady) {
		t.Errorf("Run while paused = %v, want ErrNotReady", err)
	}

	if err := k.Resume(context.Background(), hash); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if got := k.GetStatus().Status; got != StatusRunning {
		t.Errorf("status = %s, want %s", got, StatusRunning)
	}

	if v, ok := k.GetContext("session", "user", ""); !ok || v != "alice" {
		t.Errorf("tenant-global context after resume = %v (%v), want alice", v, ok)
	}
	if v, ok := k.GetContext("session", "topic", "thread-1"); !ok || v != "weather" {
		t.Errorf("thread context after resume = %v (%v), want weather", v, ok)
	}
	if got := k.GetStatus().EventCount; got != 1 {
		t.Errorf("event count after resume = %d, want 1", got)
	}
}

func TestKernel_PauseRequiresRunning(t *testing.T) {
	k, err := New("tenant-a", testWorkflow())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := k.Pause(context.Background(), "early"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Pause = %v, want ErrInvalidState", err)
	}
}

func TestKernel_ResumeUnknownHash(t *testing.T) {
	k, err := New("tenant-a", testWorkflow())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := k.Resume(context.Background(), "sha256:unknown"); !errors.Is(err, persist.ErrNotFound) {
		t.Errorf("Resume = %v, want ErrNotFound", err)
	}
}

func TestKernel_ResumeRejectsTamperedSnapshot(t *testing.T) {
	p := persist.NewMemPersistor()

	snap, err := persist.CreateSnapshot("tenant-a", map[string]any{"event_count": 1}, nil)
	if err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}
	snap.State = []byte(`{"event_count":999}`) // payload no longer matches hash
	if err := p.Append(context.Background(), snap); err != nil {
		t.Fatalf("Append: %v", err)
	}

	k, err := New("tenant-a", testWorkflow(), WithPersistor(p))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	err = k.Resume(context.Background(), snap.Hash)
	var kerr *KernelError
	if !errors.As(err, &kerr) || kerr.Code != "SNAPSHOT_INVALID" {
		t.Errorf("Resume = %v, want KernelError SNAPSHOT_INVALID", err)
	}
	if !errors.Is(err, persist.ErrInvalidSnapshot) {
		t.Errorf("Resume = %v, want wrapped ErrInvalidSnapshot", err)
	}
}

func TestKernel_ResumeRejectsForeignTenantSnapshot(t *testing.T) {
	p := persist.NewMemPersistor()
	store := ctxstore.New()

	ka, err := New("tenant-a", testWorkflow(), WithPersistor(p), WithContextStore(store))
	if err != nil {
		t.Fatalf("New tenant-a: %v", err)
	}
	if err := ka.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize tenant-a: %v", err)
	}
	ka.SetContext("session", "secret", "", "alpha")
	hash, err := ka.Pause(context.Background(), "handoff")
	if err != nil {
		t.Fatalf("Pause: %v", err)
	}

	// Another tenant's kernel over the same shared persistor and store.
	kb, err := New("tenant-b", testWorkflow(), WithPersistor(p), WithContextStore(store))
	if err != nil {
		t.Fatalf("New tenant-b: %v", err)
	}

	err = kb.Resume(context.Background(), hash)
	var kerr *KernelError
	if !errors.As(err, &kerr) || kerr.Code != "SNAPSHOT_INVALID" {
		t.Errorf("Resume = %v, want KernelError SNAPSHOT_INVALID", err)
	}
	if _, ok := kb.GetContext("session", "secret", ""); ok {
		t.Error("foreign tenant context imported across the scope boundary")
	}
}

func TestKernel_AutosnapshotCoalescesBatch(t *testing.T) {
	p := persist.NewMemPersistor()
	k := newTestKernel(t, WithPersistor(p), WithAutoSnapshot(2, false))

	// A single batch crossing two interval boundaries captures once: the
	// intermediate states are gone by the time the batch commits.
	for i := 0; i < 4; i++ {
		ev := event.New("message", "thread-1", map[string]any{"n": i})
		if err := k.SendEvent(context.Background(), ev); err != nil {
			t.Fatalf("SendEvent %d: %v", i, err)
		}
	}

	processed, err := k.ProcessQueue(context.Background())
	if err != nil {
		t.Fatalf("ProcessQueue: %v", err)
	}
	if processed != 4 {
		t.Fatalf("processed = %d, want 4", processed)
	}
	if got := p.Len(); got != 1 {
		t.Errorf("snapshots appended = %d, want exactly 1", got)
	}
}

func TestKernel_ResetReturnsCleanSlate(t *testing.T) {
	k := newTestKernel(t, WithAutoSnapshot(1, false))

	k.SetContext("session", "user", "", "alice")
	if err := k.Run(context.Background(), event.New("message", "t", nil)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if err := k.Reset(context.Background()); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if got := k.GetStatus().Status; got != StatusUninitialized {
		t.Errorf("status = %s, want %s", got, StatusUninitialized)
	}
	if k.GetRuntime() != nil {
		t.Error("expected nil runtime after Reset")
	}
	if got := k.GetStatus().EventCount; got != 0 {
		t.Errorf("event count = %d, want 0", got)
	}
	if _, ok := k.GetContext("session", "user", ""); ok {
		t.Error("tenant context survived Reset")
	}

	// A reset kernel can initialize again.
	if err := k.Initialize(context.Background()); err != nil {
		t.Fatalf("re-Initialize: %v", err)
	}
	if !k.IsRuntimeReady() {
		t.Error("expected ready after re-Initialize")
	}
}

func TestKernel_ResetDuringDispatchKeepsCleanSlate(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	wf := &Workflow{
		Name: "parked",
		Steps: map[string]Step{
			"park": StepFunc(func(_ context.Context, _ event.Event, _ ContextAccessor) StepResult {
				close(started)
				<-release
				return StepResult{Route: Stop()}
			}),
		},
		Entry: map[string]string{"": "park"},
	}

	k, err := New("tenant-a", wf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := k.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- k.Run(context.Background(), event.New("message", "thread-1", nil))
	}()

	// Reset completes while the handler is still parked mid-dispatch.
	<-started
	if err := k.Reset(context.Background()); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	// The dispatch concluding after Reset must not dirty the clean slate.
	if got := k.GetStatus().Status; got != StatusUninitialized {
		t.Errorf("status = %s, want %s", got, StatusUninitialized)
	}
	if got := k.GetStatus().EventCount; got != 0 {
		t.Errorf("event count after reset = %d, want 0", got)
	}
}

func TestKernel_ResetCleanupFailureTerminates(t *testing.T) {
	cleanupErr := errors.New("cleanup boom")
	k := newTestKernel(t, WithRuntimeCleanup(func() error { return cleanupErr }))

	err := k.Reset(context.Background())
	if !errors.Is(err, cleanupErr) {
		t.Fatalf("Reset = %v, want wrapped cleanup error", err)
	}
	if got := k.GetStatus().Status; got != StatusFailed {
		t.Errorf("status = %s, want %s", got, StatusFailed)
	}
	if k.GetRuntime() != nil {
		t.Error("expected nil runtime after failed Reset")
	}
}

func TestKernel_Complete(t *testing.T) {
	k := newTestKernel(t)

	k.Complete(context.Background())
	if got := k.GetStatus().Status; got != StatusCompleted {
		t.Errorf("status = %s, want %s", got, StatusCompleted)
	}
	if k.GetRuntime() != nil {
		t.Error("expected nil runtime after Complete")
	}
}

func TestKernel_RetryThenDLQ(t *testing.T) {
	k := newTestKernel(t, WithQueueConfig(fastQueueConfig()))

	ev := event.New("explode", "thread-1", nil)
	if err := k.Run(context.Background(), ev); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := k.DrainQueue(context.Background()); err != nil {
		t.Fatalf("DrainQueue: %v", err)
	}

	ops := k.GetDLQOperations()
	if ops == nil {
		t.Fatal("expected DLQ operations with DLQ enabled")
	}

	items := ops.Items()
	if len(items) != 1 {
		t.Fatalf("DLQ depth = %d, want 1", len(items))
	}
	if items[0].Event.ID != ev.ID {
		t.Errorf("DLQ holds event %s, want %s", items[0].Event.ID, ev.ID)
	}
	if got := len(items[0].FailureHistory); got != 2 {
		t.Errorf("failure history = %d records, want 2", got)
	}

	// A handler failure never fails the kernel.
	if got := k.GetStatus().Status; got != StatusRunning {
		t.Errorf("status = %s, want %s", got, StatusRunning)
	}
}

func TestKernel_DLQReprocessRecovers(t *testing.T) {
	var mu sync.Mutex
	attempts := 0

	wf := &Workflow{
		Name: "flaky",
		Steps: map[string]Step{
			"flaky": StepFunc(func(_ context.Context, _ event.Event, _ ContextAccessor) StepResult {
				mu.Lock()
				attempts++
				n := attempts
				mu.Unlock()
				if n <= 2 {
					return StepResult{Err: fmt.Errorf("transient failure %d", n)}
				}
				return StepResult{Route: Stop()}
			}),
		},
		Entry: map[string]string{"": "flaky"},
	}

	k, err := New("tenant-a", wf, WithQueueConfig(fastQueueConfig()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := k.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	ev := event.New("message", "thread-1", nil)
	if err := k.Run(context.Background(), ev); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := k.DrainQueue(context.Background()); err != nil {
		t.Fatalf("DrainQueue: %v", err)
	}

	ops := k.GetDLQOperations()
	if got := ops.Stats().DLQ.Depth; got != 1 {
		t.Fatalf("DLQ depth = %d, want 1", got)
	}

	if !ops.ReprocessOne(ev.ID) {
		t.Fatal("ReprocessOne returned false for a known event")
	}
	if ops.ReprocessOne("no-such-event") {
		t.Error("ReprocessOne returned true for an unknown event")
	}

	if err := k.DrainQueue(context.Background()); err != nil {
		t.Fatalf("DrainQueue after reprocess: %v", err)
	}
	if got := ops.Stats().DLQ.Depth; got != 0 {
		t.Errorf("DLQ depth after reprocess = %d, want 0", got)
	}
	if got := k.GetStatus().EventCount; got != 1 {
		t.Errorf("event count = %d, want 1", got)
	}
}

func TestKernel_ReprocessEmptyDLQ(t *testing.T) {
	k := newTestKernel(t, WithQueueConfig(fastQueueConfig()))

	ops := k.GetDLQOperations()
	res := ops.ReprocessByCriteria(queue.ReprocessCriteria{})
	if res.ReprocessedCount != 0 {
		t.Errorf("reprocessed = %d, want 0", res.ReprocessedCount)
	}
	if res.Events == nil || len(res.Events) != 0 {
		t.Errorf("events = %v, want empty non-nil slice", res.Events)
	}
}

func TestKernel_DLQOperationsNilWhenUnavailable(t *testing.T) {
	t.Run("dlq disabled", func(t *testing.T) {
		k := newTestKernel(t)
		if k.GetDLQOperations() != nil {
			t.Error("expected nil DLQ operations with DLQ disabled")
		}
	})

	t.Run("before initialize", func(t *testing.T) {
		k, err := New("tenant-a", testWorkflow(), WithQueueConfig(fastQueueConfig()))
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if k.GetDLQOperations() != nil {
			t.Error("expected nil DLQ operations before Initialize")
		}
	})
}

func TestKernel_RecoveryCeiling(t *testing.T) {
	k := newTestKernel(t, WithRecovery(2))

	ops := k.GetRecoveryOperations()
	if ops == nil {
		t.Fatal("expected recovery operations after Initialize")
	}

	for i := 1; i <= 2; i++ {
		res, err := ops.TriggerRecovery()
		if err != nil {
			t.Fatalf("TriggerRecovery %d: %v", i, err)
		}
		if !res.Success || res.Attempt != i {
			t.Errorf("attempt %d: result = %+v", i, res)
		}
	}

	if _, err := ops.TriggerRecovery(); !errors.Is(err, ErrRecoveryExhausted) {
		t.Errorf("TriggerRecovery past ceiling = %v, want ErrRecoveryExhausted", err)
	}
	if status := ops.Status(); status.CanAttemptRecovery {
		t.Error("CanAttemptRecovery = true past ceiling")
	}
}

func TestKernel_RecoverFromError(t *testing.T) {
	k := newTestKernel(t, WithRecovery(3))

	// Not recoverable while running.
	if _, err := k.RecoverFromError(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Errorf("RecoverFromError while running = %v, want ErrInvalidState", err)
	}

	// Fail via the desync path, then recover.
	k.mu.Lock()
	k.runtime = nil
	k.mu.Unlock()
	k.IsRuntimeReady()

	ok, err := k.RecoverFromError(context.Background())
	if err != nil {
		t.Fatalf("RecoverFromError: %v", err)
	}
	if !ok {
		t.Fatal("expected successful recovery")
	}
	if got := k.GetStatus().Status; got != StatusRunning {
		t.Errorf("status = %s, want %s", got, StatusRunning)
	}
	if !k.IsRuntimeReady() {
		t.Error("expected ready after recovery")
	}
	if got := k.GetStatus().RecoveryAttempts; got != 1 {
		t.Errorf("recovery attempts = %d, want 1", got)
	}
}

func TestKernel_RecoveryOperationsNilWhenUnavailable(t *testing.T) {
	t.Run("recovery disabled", func(t *testing.T) {
		k := newTestKernel(t)
		if k.GetRecoveryOperations() != nil {
			t.Error("expected nil recovery operations when disabled")
		}
	})

	t.Run("before initialize", func(t *testing.T) {
		k, err := New("tenant-a", testWorkflow(), WithRecovery(3))
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if k.GetRecoveryOperations() != nil {
			t.Error("expected nil recovery operations before Initialize")
		}
	})
}

func TestKernel_TenantIsolation(t *testing.T) {
	// Two kernels sharing one context store and one persistor in the same
	// process, both with autosnapshot enabled.
	store := ctxstore.New()
	p := persist.NewMemPersistor()

	newKernel := func(tenant string) *ExecutionKernel {
		t.Helper()
		k, err := New(tenant, testWorkflow(),
			WithContextStore(store),
			WithPersistor(p),
			WithAutoSnapshot(1, false),
		)
		if err != nil {
			t.Fatalf("New %s: %v", tenant, err)
		}
		if err := k.Initialize(context.Background()); err != nil {
			t.Fatalf("Initialize %s: %v", tenant, err)
		}
		return k
	}

	ka := newKernel("tenant-a")
	kb := newKernel("tenant-b")

	ka.SetContext("session", "secret", "thread-1", "alpha")
	kb.SetContext("session", "secret", "thread-1", "bravo")

	var wg sync.WaitGroup
	for _, k := range []*ExecutionKernel{ka, kb} {
		wg.Add(1)
		go func(k *ExecutionKernel) {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				_ = k.Run(context.Background(), event.New("message", "thread-1", nil))
			}
		}(k)
	}
	wg.Wait()

	if v, _ := ka.GetContext("session", "secret", "thread-1"); v != "alpha" {
		t.Errorf("tenant-a secret = %v, want alpha", v)
	}
	if v, _ := kb.GetContext("session", "secret", "thread-1"); v != "bravo" {
		t.Errorf("tenant-b secret = %v, want bravo", v)
	}
	if v, _ := ka.GetContext("counters", "processed", "thread-1"); v != int64(5) {
		t.Errorf("tenant-a processed = %v, want 5", v)
	}
	if v, _ := kb.GetContext("counters", "processed", "thread-1"); v != int64(5) {
		t.Errorf("tenant-b processed = %v, want 5", v)
	}

	// Snapshot listing must stay scoped per tenant.
	aHashes, _ := p.ListHashes(context.Background(), "tenant-a")
	bHashes, _ := p.ListHashes(context.Background(), "tenant-b")
	seen := make(map[string]bool, len(aHashes))
	for _, h := range aHashes {
		seen[h] = true
	}
	for _, h := range bHashes {
		if seen[h] {
			t.Errorf("hash %s listed under both tenants", h)
		}
	}
}

func TestKernel_GetHealthStatus(t *testing.T) {
	k := newTestKernel(t)

	health := k.GetHealthStatus(context.Background())
	if health.Status != "healthy" {
		t.Errorf("health = %s, want healthy: %v", health.Status, health.Checks)
	}
	if !health.Checks["runtime"] {
		t.Error("runtime check failed on a running kernel")
	}

	k.Complete(context.Background())
	health = k.GetHealthStatus(context.Background())
	if health.Status != "unhealthy" {
		t.Errorf("health after Complete = %s, want unhealthy", health.Status)
	}
}

func TestKernel_GetEnhancedRuntimeStats(t *testing.T) {
	k := newTestKernel(t,
		WithQueueConfig(fastQueueConfig()),
		WithDLQAutoReprocess(time.Minute, queue.ReprocessCriteria{}),
		WithRecovery(3),
	)
	defer k.EnhancedCleanup()

	if err := k.Run(context.Background(), event.New("message", "t", nil)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	stats := k.GetEnhancedRuntimeStats()
	if !stats.EnhancedQueue.Enabled {
		t.Error("expected enhanced queue enabled")
	}
	if stats.EnhancedQueue.Stats.TotalProcessed != 1 {
		t.Errorf("total processed = %d, want 1", stats.EnhancedQueue.Stats.TotalProcessed)
	}
	if !stats.Kernel.DLQAutoReprocessEnabled {
		t.Error("expected DLQ auto-reprocess enabled")
	}

	k.EnhancedCleanup()
	stats = k.GetEnhancedRuntimeStats()
	if stats.Kernel.DLQAutoReprocessEnabled {
		t.Error("expected DLQ auto-reprocess disabled after EnhancedCleanup")
	}
}

func TestKernel_EmitsLifecycleEvents(t *testing.T) {
	buf := emit.NewBufferedEmitter()
	k := newTestKernel(t, WithEmitter(buf))

	if _, err := k.Pause(context.Background(), "manual"); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	transitions := buf.HistoryWithFilter("tenant-a", emit.HistoryFilter{Msg: "status_changed"})
	if len(transitions) < 3 { // initializing, running, paused
		t.Errorf("status_changed events = %d, want >= 3", len(transitions))
	}

	snapshots := buf.HistoryWithFilter("tenant-a", emit.HistoryFilter{Msg: "snapshot_created"})
	if len(snapshots) != 1 {
		t.Fatalf("snapshot_created events = %d, want 1", len(snapshots))
	}
	if snapshots[0].Meta["reason"] != "manual" {
		t.Errorf("snapshot reason = %v, want manual", snapshots[0].Meta["reason"])
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New("", testWorkflow()); err == nil {
		t.Error("expected error for empty tenant id")
	}
	if _, err := New("tenant-a", nil); err == nil {
		t.Error("expected error for nil workflow")
	}
	if _, err := New("tenant-a", &Workflow{Name: "empty"}); err == nil {
		t.Error("expected error for workflow without steps")
	}
}
