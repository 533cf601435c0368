package persist

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a requested snapshot hash does not exist.
var ErrNotFound = errors.New("snapshot not found")

// Persistor durably stores snapshots by content hash.
//
// Implementations can use:
//   - In-memory storage (for testing, see memory.go)
//   - SQLite (single-process durability, see sqlite.go)
//   - MySQL (shared durability across processes, see mysql.go)
//
// Contract:
//   - Append is idempotent on hash: re-appending an identical snapshot is
//     a no-op, never an error (content addressing deduplicates).
//   - ListHashes returns only hashes whose XCID matches the given scope.
//     Cross-tenant leakage through listing is a correctness violation.
type Persistor interface {
	// Append durably stores a snapshot keyed by its hash.
	Append(ctx context.Context, snap Snapshot) error

	// Has reports whether a snapshot with the given hash exists.
	Has(ctx context.Context, hash string) (bool, error)

	// GetByHash retrieves a snapshot exactly as stored.
	// Delta snapshots come back unresolved; use Load to materialize them.
	// Returns ErrNotFound for unknown hashes.
	GetByHash(ctx context.Context, hash string) (Snapshot, error)

	// ListHashes returns the hashes of all snapshots whose XCID matches
	// scopeID, in append order.
	ListHashes(ctx context.Context, scopeID string) ([]string, error)
}

// Load retrieves a snapshot and materializes it: if the stored snapshot is
// a delta, the base chain is resolved back to the nearest full snapshot and
// the diff ops are replayed forward.
//
// The returned snapshot always has Base == "" and carries the requested
// snapshot's hash, events, and timestamp. Its State is the materialized
// full state, so RestoreSnapshot works on it directly. Note that a
// materialized delta will not pass ValidateSnapshot (its hash covers the
// delta encoding, not the materialized state); validate before loading.
func Load(ctx context.Context, p Persistor, hash string) (Snapshot, error) {
	snap, err := p.GetByHash(ctx, hash)
	if err != nil {
		return Snapshot{}, err
	}
	if snap.Base == "" {
		return snap, nil
	}
	return resolveDelta(ctx, p, snap, 0)
}

// maxDeltaChain bounds base-chain resolution to catch cycles introduced by
// a corrupted store.
const maxDeltaChain = 256

func resolveDelta(ctx context.Context, p Persistor, snap Snapshot, depth int) (Snapshot, error) {
	if depth > maxDeltaChain {
		return Snapshot{}, fmt.Errorf("delta chain for %s exceeds %d links", snap.Hash, maxDeltaChain)
	}

	base, err := p.GetByHash(ctx, snap.Base)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load delta base %s: %w", snap.Base, err)
	}
	if base.Base != "" {
		base, err = resolveDelta(ctx, p, base, depth+1)
		if err != nil {
			return Snapshot{}, err
		}
	}

	materialized, err := applyDeltaSnapshot(base, snap)
	if err != nil {
		return Snapshot{}, err
	}
	return materialized, nil
}
