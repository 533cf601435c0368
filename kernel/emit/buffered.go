package emit

import "sync"

// BufferedEmitter implements Emitter by storing events in memory, keyed by
// tenant. Intended for tests and dashboards that need to query execution
// history after the fact.
//
// All events are retained until Clear is called; long-lived production
// kernels should prefer LogEmitter or OTelEmitter.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // tenantID -> events
}

// HistoryFilter selects events from a tenant's history. Zero-value fields
// do not filter; set fields combine with AND.
type HistoryFilter struct {
	Source string // filter by emitting component
	Msg    string // filter by message
}

// NewBufferedEmitter creates an empty buffered emitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{events: make(map[string][]Event)}
}

// Emit stores an event under its tenant. Safe for concurrent use.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[event.TenantID] = append(b.events[event.TenantID], event)
}

// History returns a copy of all events for a tenant, in emission order.
func (b *BufferedEmitter) History(tenantID string) []Event {
	return b.HistoryWithFilter(tenantID, HistoryFilter{})
}

// HistoryWithFilter returns a filtered copy of a tenant's events.
// Returns an empty slice, never nil, when nothing matches.
func (b *BufferedEmitter) HistoryWithFilter(tenantID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := []Event{}
	for _, event := range b.events[tenantID] {
		if filter.Source != "" && event.Source != filter.Source {
			continue
		}
		if filter.Msg != "" && event.Msg != filter.Msg {
			continue
		}
		result = append(result, event)
	}
	return result
}

// Clear removes stored events for one tenant, or all tenants when
// tenantID is empty.
func (b *BufferedEmitter) Clear(tenantID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if tenantID == "" {
		b.events = make(map[string][]Event)
		return
	}
	delete(b.events, tenantID)
}
