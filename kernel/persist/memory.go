package persist

import (
	"context"
	"sync"
)

// MemPersistor is an in-memory implementation of Persistor.
//
// Designed for testing and single-process kernels where durability across
// restarts is not required. Thread-safe.
//
// For durable storage use SQLitePersistor or MySQLPersistor.
type MemPersistor struct {
	mu        sync.RWMutex
	snapshots map[string]Snapshot // hash -> snapshot
	order     []string            // append order, for ListHashes
}

// NewMemPersistor creates an empty in-memory persistor.
func NewMemPersistor() *MemPersistor {
	return &MemPersistor{
		snapshots: make(map[string]Snapshot),
	}
}

// Append stores a snapshot by hash. Re-appending an existing hash is a
// no-op: content addressing guarantees the payload is identical.
func (m *MemPersistor) Append(_ context.Context, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.snapshots[snap.Hash]; exists {
		return nil
	}
	m.snapshots[snap.Hash] = snap
	m.order = append(m.order, snap.Hash)
	return nil
}

// Has reports whether a hash exists.
func (m *MemPersistor) Has(_ context.Context, hash string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, exists := m.snapshots[hash]
	return exists, nil
}

// GetByHash retrieves a stored snapshot, or ErrNotFound.
func (m *MemPersistor) GetByHash(_ context.Context, hash string) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap, exists := m.snapshots[hash]
	if !exists {
		return Snapshot{}, ErrNotFound
	}
	return snap, nil
}

// ListHashes returns hashes scoped to one tenant, in append order.
func (m *MemPersistor) ListHashes(_ context.Context, scopeID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var hashes []string
	for _, hash := range m.order {
		if m.snapshots[hash].XCID == scopeID {
			hashes = append(hashes, hash)
		}
	}
	return hashes, nil
}

// Len returns the number of stored snapshots across all scopes.
func (m *MemPersistor) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.snapshots)
}
