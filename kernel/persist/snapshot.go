// Package persist provides the content-addressed snapshot engine and the
// pluggable Persistor stores backing kernel pause/resume and crash recovery.
//
// Snapshots are immutable once created. The hash is the only stable
// identifier used for retrieval: it is a SHA-256 digest over the canonical
// JSON serialization of (state, events), so identical inputs always produce
// an identical hash and duplicate states deduplicate naturally.
package persist

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dshills/agentkernel-go/kernel/event"
)

// ErrInvalidSnapshot is returned by ValidateSnapshot when a snapshot is
// missing required fields or its stored hash does not match a recomputed
// digest of its payload.
var ErrInvalidSnapshot = errors.New("invalid snapshot")

// Snapshot is an immutable, content-hashed capture of kernel state plus
// buffered events.
//
// This is the stable external record shape: stores persist it as-is and
// other processes may read it. Full snapshots have Base == "". Delta
// snapshots carry the hash of their base in Base and encode []DiffOp in
// State; see delta.go.
type Snapshot struct {
	// XCID is the scope (tenant) this snapshot belongs to.
	XCID string `json:"xc_id"`

	// State is the canonical JSON serialization of the captured state.
	// Opaque to the store.
	State json.RawMessage `json:"state"`

	// Events is the ordered sequence of buffered events at capture time.
	Events []event.Event `json:"events"`

	// TS records creation time in Unix milliseconds. Not part of the hash:
	// two captures of identical state must collide.
	TS int64 `json:"ts"`

	// Hash is "sha256:" + hex digest over (state, events, base).
	Hash string `json:"hash"`

	// Base is the hash of the snapshot this delta applies to.
	// Empty for full snapshots.
	Base string `json:"base,omitempty"`
}

// CreateSnapshot captures state and events into a full snapshot.
//
// Deterministic: calling it twice with identical inputs yields snapshots
// with identical hashes (only TS differs). State must be JSON-serializable.
func CreateSnapshot(xcID string, state any, events []event.Event) (Snapshot, error) {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return Snapshot{}, fmt.Errorf("marshal snapshot state: %w", err)
	}

	evs := make([]event.Event, len(events))
	copy(evs, events)

	hash, err := computeHash(stateJSON, evs, "")
	if err != nil {
		return Snapshot{}, err
	}

	return Snapshot{
		XCID:   xcID,
		State:  stateJSON,
		Events: evs,
		TS:     time.Now().UnixMilli(),
		Hash:   hash,
	}, nil
}

// RestoreSnapshot projects a snapshot back into (state, events).
// Pure: performs no I/O and no validation. The snapshot's State is
// unmarshaled into statePtr, which must be a non-nil pointer.
//
// For delta snapshots use Load, which resolves the base chain first.
func RestoreSnapshot(snap Snapshot, statePtr any) ([]event.Event, error) {
	if err := json.Unmarshal(snap.State, statePtr); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot state: %w", err)
	}
	events := make([]event.Event, len(snap.Events))
	copy(events, snap.Events)
	return events, nil
}

// ValidateSnapshot checks required fields and verifies the stored hash
// against a recomputed digest of the payload.
//
// Returns an error wrapping ErrInvalidSnapshot on any mismatch. A snapshot
// that fails validation must never be restored into a runtime.
func ValidateSnapshot(snap Snapshot) error {
	if snap.XCID == "" {
		return fmt.Errorf("%w: missing xc_id", ErrInvalidSnapshot)
	}
	if snap.Hash == "" {
		return fmt.Errorf("%w: missing hash", ErrInvalidSnapshot)
	}
	if len(snap.State) == 0 {
		return fmt.Errorf("%w: missing state", ErrInvalidSnapshot)
	}

	recomputed, err := computeHash(snap.State, snap.Events, snap.Base)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	if recomputed != snap.Hash {
		return fmt.Errorf("%w: hash mismatch (stored %s, recomputed %s)", ErrInvalidSnapshot, snap.Hash, recomputed)
	}
	return nil
}

// computeHash digests the canonical serialization of (state, events, base).
//
// State arrives pre-marshaled, but is re-canonicalized through a map round
// trip so that field ordering in the caller's struct cannot influence the
// digest. Events are marshaled in order. The base hash participates so that
// two deltas with identical ops over different bases do not collide.
func computeHash(stateJSON json.RawMessage, events []event.Event, base string) (string, error) {
	h := sha256.New()

	canonical, err := canonicalJSON(stateJSON)
	if err != nil {
		return "", fmt.Errorf("canonicalize snapshot state: %w", err)
	}
	h.Write(canonical)

	eventsJSON, err := json.Marshal(events)
	if err != nil {
		return "", fmt.Errorf("marshal snapshot events: %w", err)
	}
	h.Write(eventsJSON)

	h.Write([]byte(base))

	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}

// canonicalJSON re-encodes raw JSON through interface{} so that object keys
// come out sorted (encoding/json sorts map keys deterministically).
func canonicalJSON(raw json.RawMessage) ([]byte, error) {
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}
