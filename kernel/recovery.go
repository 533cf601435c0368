package kernel

import (
	"fmt"
	"sync"
	"time"
)

// RecoveryStatus exposes recovery progress for external health and
// alerting collaborators.
type RecoveryStatus struct {
	Attempts           int       `json:"attempts"`
	MaxAttempts        int       `json:"max_attempts"`
	CanAttemptRecovery bool      `json:"can_attempt_recovery"`
	LastRecoveryTime   time.Time `json:"last_recovery_time"`
}

// RecoveryResult reports the outcome of one recovery attempt.
type RecoveryResult struct {
	Success bool `json:"success"`
	Attempt int  `json:"attempt"`
}

// RecoveryCoordinator tracks recovery attempts against a configured
// ceiling and triggers runtime re-creation through a rebuild callback.
type RecoveryCoordinator struct {
	mu          sync.Mutex
	attempts    int
	maxAttempts int
	lastAt      time.Time
	rebuild     func() error
}

// newRecoveryCoordinator creates a coordinator with the given attempt
// ceiling. rebuild reconstructs the kernel's runtime.
func newRecoveryCoordinator(maxAttempts int, rebuild func() error) *RecoveryCoordinator {
	return &RecoveryCoordinator{
		maxAttempts: maxAttempts,
		rebuild:     rebuild,
	}
}

// TriggerRecovery attempts one runtime reconstruction.
//
// Past the attempt ceiling it returns ErrRecoveryExhausted without
// incrementing further. An ordinary rebuild failure is not an error: the
// result reports Success=false and the attempt is consumed.
func (rc *RecoveryCoordinator) TriggerRecovery() (RecoveryResult, error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.attempts >= rc.maxAttempts {
		return RecoveryResult{}, fmt.Errorf("%w (%d)", ErrRecoveryExhausted, rc.maxAttempts)
	}

	rc.attempts++
	result := RecoveryResult{Attempt: rc.attempts}
	if err := rc.rebuild(); err != nil {
		return result, nil
	}
	rc.lastAt = time.Now()
	result.Success = true
	return result, nil
}

// Status snapshots the coordinator's progress.
func (rc *RecoveryCoordinator) Status() RecoveryStatus {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	return RecoveryStatus{
		Attempts:           rc.attempts,
		MaxAttempts:        rc.maxAttempts,
		CanAttemptRecovery: rc.attempts < rc.maxAttempts,
		LastRecoveryTime:   rc.lastAt,
	}
}

// reset clears attempt bookkeeping. Used by kernel Reset so a cleanly
// reset kernel starts with a full recovery budget.
func (rc *RecoveryCoordinator) reset() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.attempts = 0
	rc.lastAt = time.Time{}
}
