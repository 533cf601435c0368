package kernel

import (
	"testing"
	"time"

	"github.com/dshills/agentkernel-go/kernel/queue"
)

func TestOptions_Validation(t *testing.T) {
	tests := []struct {
		name string
		opt  Option
	}{
		{"zero autosnapshot interval", WithAutoSnapshot(0, false)},
		{"negative autosnapshot interval", WithAutoSnapshot(-2, true)},
		{"sub-minute reprocess interval", WithDLQAutoReprocess(30*time.Second, queue.ReprocessCriteria{})},
		{"negative recovery attempts", WithRecovery(-1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New("tenant-a", testWorkflow(), tt.opt); err == nil {
				t.Error("expected constructor error")
			}
		})
	}
}

func TestOptions_Defaults(t *testing.T) {
	var o Options
	o.withDefaults()

	if o.Persistor == nil {
		t.Error("expected default persistor")
	}
	if o.Emitter == nil {
		t.Error("expected default emitter")
	}
	if o.ContextStore == nil {
		t.Error("expected default context store")
	}
	if o.Recovery.MaxRecoveryAttempts != 3 {
		t.Errorf("default max recovery attempts = %d, want 3", o.Recovery.MaxRecoveryAttempts)
	}
	if o.DLQManagement.ReprocessInterval != 5*time.Minute {
		t.Errorf("default reprocess interval = %s, want 5m", o.DLQManagement.ReprocessInterval)
	}
}

func TestWithRecovery_ZeroKeepsDefault(t *testing.T) {
	var o Options
	if err := WithRecovery(0)(&o); err != nil {
		t.Fatalf("WithRecovery(0): %v", err)
	}
	o.withDefaults()

	if !o.Recovery.EnableAutoRecovery {
		t.Error("expected recovery enabled")
	}
	if o.Recovery.MaxRecoveryAttempts != 3 {
		t.Errorf("max attempts = %d, want default 3", o.Recovery.MaxRecoveryAttempts)
	}
}
