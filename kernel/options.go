package kernel

import (
	"fmt"
	"time"

	"github.com/dshills/agentkernel-go/kernel/ctxstore"
	"github.com/dshills/agentkernel-go/kernel/emit"
	"github.com/dshills/agentkernel-go/kernel/persist"
	"github.com/dshills/agentkernel-go/kernel/queue"
)

// AutoSnapshotConfig controls periodic implicit snapshotting, distinct
// from caller-triggered Pause.
type AutoSnapshotConfig struct {
	// Enabled turns autosnapshotting on.
	Enabled bool

	// EventInterval is the number of processed events between snapshots.
	EventInterval int

	// UseDelta stores only the diff from the previous snapshot instead of
	// full state. Restore transparently replays deltas forward from the
	// nearest full snapshot.
	UseDelta bool
}

// DLQManagementConfig controls scheduled dead-letter reprocessing.
type DLQManagementConfig struct {
	// AutoReprocess schedules ReprocessDLQByCriteria on a fixed interval
	// for the lifetime of the kernel; disabled by EnhancedCleanup.
	AutoReprocess bool

	// ReprocessInterval is the scheduling period. Minimum one minute;
	// default 5 minutes.
	ReprocessInterval time.Duration

	// Criteria selects which DLQ items each scheduled run reprocesses.
	// The zero value selects everything.
	Criteria queue.ReprocessCriteria
}

// RecoveryConfig controls the recovery coordinator.
type RecoveryConfig struct {
	// EnableAutoRecovery creates the coordinator at initialization.
	// When false, GetRecoveryOperations returns nil.
	EnableAutoRecovery bool

	// MaxRecoveryAttempts is the attempt ceiling. Default 3.
	MaxRecoveryAttempts int
}

// Options collects kernel configuration. All fields are optional with
// sane defaults; use the With* functional options to set them.
type Options struct {
	// AutoSnapshot is the implicit snapshotting policy.
	AutoSnapshot AutoSnapshotConfig

	// Queue configures retry and DLQ behavior of the enhanced queue.
	Queue queue.Config

	// DLQManagement configures scheduled DLQ reprocessing.
	DLQManagement DLQManagementConfig

	// Recovery configures the recovery coordinator.
	Recovery RecoveryConfig

	// Persistor stores snapshots. Default: in-memory.
	Persistor persist.Persistor

	// Emitter receives kernel observability events. Default: none.
	Emitter emit.Emitter

	// Metrics enables Prometheus metrics collection. Default: disabled.
	Metrics *PrometheusMetrics

	// ContextStore holds tenant context. A store may be shared by several
	// kernels in one process; isolation is structural per tenant. Default:
	// a fresh private store.
	ContextStore *ctxstore.Store

	// RuntimeCleanup, when set, runs during Reset/Complete before queue
	// teardown, releasing collaborator resources tied to the runtime. An
	// error from it fails Reset and transitions the kernel to Failed.
	RuntimeCleanup func() error
}

// Option is a functional option for configuring a kernel.
//
// Example:
//
//	k, err := kernel.New("tenant-a", wf,
//	    kernel.WithAutoSnapshot(10, false),
//	    kernel.WithQueueConfig(queue.Config{MaxRetries: 5, EnableDLQ: true}),
//	    kernel.WithRecovery(3),
//	)
type Option func(*Options) error

func (o *Options) apply(opts []Option) error {
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return err
		}
	}
	return nil
}

func (o *Options) withDefaults() {
	if o.Persistor == nil {
		o.Persistor = persist.NewMemPersistor()
	}
	if o.Emitter == nil {
		o.Emitter = emit.NewNullEmitter()
	}
	if o.ContextStore == nil {
		o.ContextStore = ctxstore.New()
	}
	if o.Recovery.MaxRecoveryAttempts == 0 {
		o.Recovery.MaxRecoveryAttempts = 3
	}
	if o.DLQManagement.ReprocessInterval == 0 {
		o.DLQManagement.ReprocessInterval = 5 * time.Minute
	}
}

// WithAutoSnapshot enables implicit snapshots every eventInterval
// processed events. useDelta stores diffs against the previous snapshot.
func WithAutoSnapshot(eventInterval int, useDelta bool) Option {
	return func(o *Options) error {
		if eventInterval <= 0 {
			return fmt.Errorf("autosnapshot event interval must be positive, got %d", eventInterval)
		}
		o.AutoSnapshot = AutoSnapshotConfig{
			Enabled:       true,
			EventInterval: eventInterval,
			UseDelta:      useDelta,
		}
		return nil
	}
}

// WithQueueConfig sets retry and DLQ behavior for the enhanced queue.
// Validation happens at Initialize when the queue is constructed.
func WithQueueConfig(cfg queue.Config) Option {
	return func(o *Options) error {
		o.Queue = cfg
		return nil
	}
}

// WithDLQAutoReprocess schedules criteria-based DLQ reprocessing every
// interval. Intervals are rounded down to whole minutes; minimum 1m.
func WithDLQAutoReprocess(interval time.Duration, criteria queue.ReprocessCriteria) Option {
	return func(o *Options) error {
		if interval < time.Minute {
			return fmt.Errorf("DLQ reprocess interval must be at least 1m, got %s", interval)
		}
		o.DLQManagement = DLQManagementConfig{
			AutoReprocess:     true,
			ReprocessInterval: interval,
			Criteria:          criteria,
		}
		return nil
	}
}

// WithRecovery enables the recovery coordinator with the given attempt
// ceiling (0 keeps the default of 3).
func WithRecovery(maxAttempts int) Option {
	return func(o *Options) error {
		if maxAttempts < 0 {
			return fmt.Errorf("max recovery attempts must not be negative, got %d", maxAttempts)
		}
		o.Recovery = RecoveryConfig{
			EnableAutoRecovery:  true,
			MaxRecoveryAttempts: maxAttempts,
		}
		return nil
	}
}

// WithPersistor sets the snapshot store.
func WithPersistor(p persist.Persistor) Option {
	return func(o *Options) error {
		o.Persistor = p
		return nil
	}
}

// WithEmitter sets the observability event sink.
func WithEmitter(e emit.Emitter) Option {
	return func(o *Options) error {
		o.Emitter = e
		return nil
	}
}

// WithMetrics enables Prometheus metrics collection.
func WithMetrics(m *PrometheusMetrics) Option {
	return func(o *Options) error {
		o.Metrics = m
		return nil
	}
}

// WithContextStore sets a shared context store. Several kernels in one
// process can share a store; entries stay partitioned per tenant.
func WithContextStore(s *ctxstore.Store) Option {
	return func(o *Options) error {
		o.ContextStore = s
		return nil
	}
}

// WithRuntimeCleanup registers a hook that runs during Reset/Complete
// before queue teardown.
func WithRuntimeCleanup(fn func() error) Option {
	return func(o *Options) error {
		o.RuntimeCleanup = fn
		return nil
	}
}
