package persist

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/dshills/agentkernel-go/kernel/event"
)

// Delta snapshots store only the difference from a base snapshot instead of
// full state, reducing persisted payload size for autosnapshot-heavy runs.
// A delta is represented as {base hash, diff ops}; restore is a fold that
// applies ops to the materialized base (see Load in persist.go).

// DiffOpKind enumerates the closed set of delta operations.
type DiffOpKind string

const (
	// OpSet writes a leaf value at a path, creating intermediate objects.
	OpSet DiffOpKind = "set"

	// OpDelete removes the value at a path. Missing paths are a no-op.
	OpDelete DiffOpKind = "delete"
)

// DiffOp is a single state mutation within a delta snapshot.
//
// Path addresses a leaf using slash-separated segments with RFC 6901
// escaping ("~0" for "~", "~1" for "/"), so namespace or key strings
// containing slashes survive the round trip.
type DiffOp struct {
	Op    DiffOpKind `json:"op"`
	Path  string     `json:"path"`
	Value any        `json:"value,omitempty"`
}

// DiffStates computes the ops that transform prev into next.
//
// Both states must be JSON-object shaped (map[string]any, arbitrarily
// nested). Nested objects are descended into; arrays and scalars are
// replaced wholesale when unequal. Ops come out sorted by path so that
// identical (prev, next) pairs always produce an identical encoding,
// keeping delta snapshot hashes deterministic.
func DiffStates(prev, next map[string]any) []DiffOp {
	var ops []DiffOp
	diffObjects("", prev, next, &ops)
	sort.Slice(ops, func(i, j int) bool { return ops[i].Path < ops[j].Path })
	return ops
}

func diffObjects(prefix string, prev, next map[string]any, ops *[]DiffOp) {
	for key, prevVal := range prev {
		path := joinPath(prefix, key)
		nextVal, exists := next[key]
		if !exists {
			*ops = append(*ops, DiffOp{Op: OpDelete, Path: path})
			continue
		}
		prevObj, prevIsObj := prevVal.(map[string]any)
		nextObj, nextIsObj := nextVal.(map[string]any)
		if prevIsObj && nextIsObj {
			diffObjects(path, prevObj, nextObj, ops)
			continue
		}
		if !jsonEqual(prevVal, nextVal) {
			*ops = append(*ops, DiffOp{Op: OpSet, Path: path, Value: nextVal})
		}
	}
	for key, nextVal := range next {
		if _, exists := prev[key]; exists {
			continue
		}
		*ops = append(*ops, DiffOp{Op: OpSet, Path: joinPath(prefix, key), Value: nextVal})
	}
}

// ApplyDiff folds ops over a deep copy of base and returns the result.
// The input map is never mutated.
func ApplyDiff(base map[string]any, ops []DiffOp) (map[string]any, error) {
	out, err := deepCopyObject(base)
	if err != nil {
		return nil, err
	}
	for _, op := range ops {
		segments := splitPath(op.Path)
		if len(segments) == 0 {
			return nil, fmt.Errorf("apply diff: empty path in %s op", op.Op)
		}
		switch op.Op {
		case OpSet:
			setPath(out, segments, op.Value)
		case OpDelete:
			deletePath(out, segments)
		default:
			return nil, fmt.Errorf("apply diff: unknown op kind %q", op.Op)
		}
	}
	return out, nil
}

// CreateDeltaSnapshot captures a delta against baseHash. The snapshot's
// State holds the encoded ops; its hash covers (ops, events, baseHash).
func CreateDeltaSnapshot(xcID, baseHash string, ops []DiffOp, events []event.Event) (Snapshot, error) {
	if baseHash == "" {
		return Snapshot{}, fmt.Errorf("delta snapshot requires a base hash")
	}

	snap, err := CreateSnapshot(xcID, ops, events)
	if err != nil {
		return Snapshot{}, err
	}

	// Rehash with the base folded in: two identical deltas over different
	// bases must not collide.
	snap.Base = baseHash
	snap.Hash, err = computeHash(snap.State, snap.Events, baseHash)
	if err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// applyDeltaSnapshot materializes a delta snapshot over its resolved base.
func applyDeltaSnapshot(base, delta Snapshot) (Snapshot, error) {
	var baseState map[string]any
	if err := json.Unmarshal(base.State, &baseState); err != nil {
		return Snapshot{}, fmt.Errorf("unmarshal base state %s: %w", base.Hash, err)
	}

	var ops []DiffOp
	if err := json.Unmarshal(delta.State, &ops); err != nil {
		return Snapshot{}, fmt.Errorf("unmarshal delta ops %s: %w", delta.Hash, err)
	}

	merged, err := ApplyDiff(baseState, ops)
	if err != nil {
		return Snapshot{}, fmt.Errorf("apply delta %s: %w", delta.Hash, err)
	}

	mergedJSON, err := json.Marshal(merged)
	if err != nil {
		return Snapshot{}, fmt.Errorf("marshal materialized state: %w", err)
	}

	return Snapshot{
		XCID:   delta.XCID,
		State:  mergedJSON,
		Events: delta.Events,
		TS:     delta.TS,
		Hash:   delta.Hash,
	}, nil
}

func setPath(obj map[string]any, segments []string, value any) {
	for _, seg := range segments[:len(segments)-1] {
		child, ok := obj[seg].(map[string]any)
		if !ok {
			child = make(map[string]any)
			obj[seg] = child
		}
		obj = child
	}
	obj[segments[len(segments)-1]] = value
}

func deletePath(obj map[string]any, segments []string) {
	for _, seg := range segments[:len(segments)-1] {
		child, ok := obj[seg].(map[string]any)
		if !ok {
			return
		}
		obj = child
	}
	delete(obj, segments[len(segments)-1])
}

func joinPath(prefix, key string) string {
	escaped := strings.ReplaceAll(strings.ReplaceAll(key, "~", "~0"), "/", "~1")
	if prefix == "" {
		return escaped
	}
	return prefix + "/" + escaped
}

func splitPath(path string) []string {
	if path == "" {
		return nil
	}
	raw := strings.Split(path, "/")
	segments := make([]string, len(raw))
	for i, seg := range raw {
		segments[i] = strings.ReplaceAll(strings.ReplaceAll(seg, "~1", "/"), "~0", "~")
	}
	return segments
}

// jsonEqual compares two values by canonical JSON encoding. Slow but
// deterministic for the mixed map/scalar shapes that survive a JSON round
// trip.
func jsonEqual(a, b any) bool {
	aj, errA := json.Marshal(a)
	bj, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(aj) == string(bj)
}

// deepCopyObject copies a JSON-object state via a marshal round trip,
// the same approach the runtime uses for state copies.
func deepCopyObject(obj map[string]any) (map[string]any, error) {
	data, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("deep copy state: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("deep copy state: %w", err)
	}
	if out == nil {
		out = make(map[string]any)
	}
	return out, nil
}
