// Package ctxstore provides the tenant- and thread-isolated key/value
// context store used by the execution kernel.
//
// Isolation is structural, not filtered: each tenant owns a separate
// partition keyed by tenant ID, and within a tenant each thread owns a
// separate sub-partition. No read or write can cross a
// (tenantID, threadID) boundary even when many kernels share a process.
package ctxstore

import (
	"fmt"
	"sync"
)

// entryKey addresses one value inside a tenant partition.
// An empty ThreadID addresses the tenant-global scope.
type entryKey struct {
	Namespace string
	Key       string
	ThreadID  string
}

// Store is a tenant+thread isolated key/value store with namespace support
// and atomic increment.
//
// Store is thread-safe and supports concurrent access from multiple kernels.
// Entries live as long as the Store instance; there is no eviction.
type Store struct {
	mu      sync.RWMutex
	tenants map[string]map[entryKey]any
}

// New creates an empty context store.
func New() *Store {
	return &Store{
		tenants: make(map[string]map[entryKey]any),
	}
}

// Get retrieves a value scoped by (tenantID, namespace, key, threadID).
// The second return value reports whether the entry exists.
func (s *Store) Get(tenantID, namespace, key, threadID string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	partition, ok := s.tenants[tenantID]
	if !ok {
		return nil, false
	}
	v, ok := partition[entryKey{Namespace: namespace, Key: key, ThreadID: threadID}]
	return v, ok
}

// Set stores a value scoped by (tenantID, namespace, key, threadID).
func (s *Store) Set(tenantID, namespace, key, threadID string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	partition, ok := s.tenants[tenantID]
	if !ok {
		partition = make(map[entryKey]any)
		s.tenants[tenantID] = partition
	}
	partition[entryKey{Namespace: namespace, Key: key, ThreadID: threadID}] = value
}

// Delete removes a single entry. Missing entries are a no-op.
func (s *Store) Delete(tenantID, namespace, key, threadID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if partition, ok := s.tenants[tenantID]; ok {
		delete(partition, entryKey{Namespace: namespace, Key: key, ThreadID: threadID})
	}
}

// Increment atomically adds delta to a numeric entry and returns the
// post-increment value. A missing entry is treated as 0.
//
// Returns an error if the existing entry holds a non-numeric value.
// Stored values of int, int64, or float64 (the JSON round-trip types) are
// accepted; the result is stored as int64 for int-ish inputs.
func (s *Store) Increment(tenantID, namespace, key, threadID string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	partition, ok := s.tenants[tenantID]
	if !ok {
		partition = make(map[entryKey]any)
		s.tenants[tenantID] = partition
	}

	k := entryKey{Namespace: namespace, Key: key, ThreadID: threadID}
	current := int64(0)
	if existing, exists := partition[k]; exists {
		switch v := existing.(type) {
		case int:
			current = int64(v)
		case int64:
			current = v
		case float64:
			current = int64(v)
		default:
			return 0, fmt.Errorf("increment %s/%s: existing value is %T, not numeric", namespace, key, existing)
		}
	}

	current += delta
	partition[k] = current
	return current, nil
}

// DropTenant removes an entire tenant partition. Used by kernel reset.
func (s *Store) DropTenant(tenantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tenants, tenantID)
}

// Export returns a serializable copy of one tenant's partition for
// snapshotting. The shape is namespace -> scopedKey -> value, where
// scopedKey is "key" for tenant-global entries and "threadID\x00key" for
// thread-scoped entries.
//
// Only the requested tenant's entries are visited; cross-tenant leakage
// through export is a correctness violation covered by isolation tests.
func (s *Store) Export(tenantID string) map[string]map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]map[string]any)
	partition, ok := s.tenants[tenantID]
	if !ok {
		return out
	}
	for k, v := range partition {
		ns, ok := out[k.Namespace]
		if !ok {
			ns = make(map[string]any)
			out[k.Namespace] = ns
		}
		ns[scopedKey(k.ThreadID, k.Key)] = v
	}
	return out
}

// Import replaces one tenant's partition with a previously exported copy.
// Used by kernel resume. Entries of other tenants are untouched.
func (s *Store) Import(tenantID string, data map[string]map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	partition := make(map[entryKey]any)
	for namespace, entries := range data {
		for sk, v := range entries {
			threadID, key := splitScopedKey(sk)
			partition[entryKey{Namespace: namespace, Key: key, ThreadID: threadID}] = v
		}
	}
	s.tenants[tenantID] = partition
}

// scopedKey flattens (threadID, key) into a single map key for export.
// The NUL separator cannot appear in either component via the public API.
func scopedKey(threadID, key string) string {
	if threadID == "" {
		return key
	}
	return threadID + "\x00" + key
}

func splitScopedKey(sk string) (threadID, key string) {
	for i := 0; i < len(sk); i++ {
		if sk[i] == 0 {
			return sk[:i], sk[i+1:]
		}
	}
	return "", sk
}
