package health

import (
	"sort"
	"sync"
)

const defaultHistoryDepth = 64

// History is an append-only, bounded log of snapshots per service.
// The most recent snapshot wins for current-status queries.
type History struct {
	mu    sync.RWMutex
	depth int
	items map[string][]Snapshot
}

// NewHistory keeps up to depth snapshots per service.
func NewHistory(depth int) *History {
	if depth <= 0 {
		depth = defaultHistoryDepth
	}
	return &History{depth: depth, items: map[string][]Snapshot{}}
}

// Append records snapshots. A snapshot older than the latest one recorded for
// its service is dropped so that per-service history stays ordered.
func (h *History) Append(snapshots ...Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, snap := range snapshots {
		items := h.items[snap.Service]
		if n := len(items); n > 0 && snap.Timestamp.Before(items[n-1].Timestamp) {
			continue
		}
		items = append(items, snap)
		if len(items) > h.depth {
			items = append([]Snapshot(nil), items[len(items)-h.depth:]...)
		}
		h.items[snap.Service] = items
	}
}

// Latest returns the most recent snapshot for service.
func (h *History) Latest(service string) (Snapshot, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	items := h.items[service]
	if len(items) == 0 {
		return Snapshot{}, false
	}
	return items[len(items)-1], true
}

// Current returns the latest snapshot of every known service.
func (h *History) Current() map[string]Snapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	current := make(map[string]Snapshot, len(h.items))
	for service, items := range h.items {
		if len(items) > 0 {
			current[service] = items[len(items)-1]
		}
	}
	return current
}

// Of returns a copy of the history of service, oldest first.
func (h *History) Of(service string) []Snapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]Snapshot(nil), h.items[service]...)
}

// Forget drops services that are no longer part of the topology.
func (h *History) Forget(keep []string) {
	allowed := make(map[string]struct{}, len(keep))
	for _, name := range keep {
		allowed[name] = struct{}{}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for name := range h.items {
		if _, ok := allowed[name]; !ok {
			delete(h.items, name)
		}
	}
}

// Services returns the names with recorded history, sorted.
func (h *History) Services() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.items))
	for name := range h.items {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
