package kernel

import (
	"encoding/json"
	"fmt"
)

// normalizeState round-trips a state object through JSON so that values
// carry JSON types (float64 numbers, map[string]any objects). Snapshot
// diffing and restore both work over this normalized shape, so a state
// diffed before persisting equals the same state read back.
func normalizeState(state map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("normalize state: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("normalize state: %w", err)
	}
	return out, nil
}

// decodeContextExport rebuilds a context-store export
// (namespace -> scopedKey -> value) from its JSON-decoded form.
// Unexpected shapes decode to an empty export rather than failing the
// resume: a snapshot without context is a kernel with no context.
func decodeContextExport(v any) map[string]map[string]any {
	out := make(map[string]map[string]any)
	byNS, ok := v.(map[string]any)
	if !ok {
		return out
	}
	for namespace, entries := range byNS {
		byKey, ok := entries.(map[string]any)
		if !ok {
			continue
		}
		ns := make(map[string]any, len(byKey))
		for key, val := range byKey {
			ns[key] = val
		}
		out[namespace] = ns
	}
	return out
}

// decodeInt extracts an integer from a JSON-decoded value.
func decodeInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	}
	return 0
}
