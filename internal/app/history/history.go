// Package history keeps the bounded per-topic, per-node notification history used for dedup and resume markers.
package history

import (
	"sort"
	"sync"

	"github.com/coachpo/uinotify/internal/domain/historystore"
	"github.com/coachpo/uinotify/internal/domain/notification"
)

// DefaultCount bounds the entries kept per (topic, node).
const DefaultCount = 10

// History remembers the newest notifications seen per (topic, node).
type History struct {
	mu     sync.RWMutex
	limit  int
	topics map[string]map[string][]notification.HistoryEntry
	starts map[string]map[string]notification.HistoryEntry
	// topics confirmed by the backend since this history was created; restored markers do not count
	confirmed map[string]struct{}
}

// New creates a history bounded to limit entries per (topic, node).
func New(limit int) *History {
	if limit <= 0 {
		limit = DefaultCount
	}
	return &History{
		mu:     sync.RWMutex{},
		limit:  limit,
		topics: make(map[string]map[string][]notification.HistoryEntry),
		starts: make(map[string]map[string]notification.HistoryEntry),

		confirmed: make(map[string]struct{}),
	}
}

// Limit returns the per (topic, node) bound.
func (h *History) Limit() int {
	return h.limit
}

// Record inserts entry in creation time order and trims the oldest entries beyond the bound.
// Entries with equal timestamps keep arrival order. It returns false when the id is already known.
func (h *History) Record(topic, nodeID string, entry notification.HistoryEntry) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	nodes := h.topics[topic]
	if nodes == nil {
		nodes = make(map[string][]notification.HistoryEntry)
		h.topics[topic] = nodes
	}
	entries := nodes[nodeID]
	if indexOf(entries, entry.ID) >= 0 {
		return false
	}

	pos := sort.Search(len(entries), func(i int) bool {
		return entries[i].CreationTime.After(entry.CreationTime)
	})
	entries = append(entries, notification.HistoryEntry{})
	copy(entries[pos+1:], entries[pos:])
	entries[pos] = entry

	if overflow := len(entries) - h.limit; overflow > 0 {
		trimmed := make([]notification.HistoryEntry, h.limit)
		copy(trimmed, entries[overflow:])
		entries = trimmed
	}
	nodes[nodeID] = entries
	return true
}

// Has reports whether id was already recorded for (topic, node).
func (h *History) Has(topic, nodeID, id string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return indexOf(h.topics[topic][nodeID], id) >= 0
}

// MarkStart remembers a subscription start marker for (topic, node).
// Start markers never take part in dedup; they only move the resume point.
func (h *History) MarkStart(topic, nodeID string, entry notification.HistoryEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.markStartLocked(topic, nodeID, entry)
	h.confirmed[topic] = struct{}{}
}

func (h *History) markStartLocked(topic, nodeID string, entry notification.HistoryEntry) {
	nodes := h.starts[topic]
	if nodes == nil {
		nodes = make(map[string]notification.HistoryEntry)
		h.starts[topic] = nodes
	}
	if existing, ok := nodes[nodeID]; ok && existing.CreationTime.After(entry.CreationTime) {
		return
	}
	nodes[nodeID] = entry
}

// Started reports whether the backend confirmed topic through MarkStart.
// Markers seeded by Restore only resume polling; they never count as confirmation.
func (h *History) Started(topic string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.confirmed[topic]
	return ok && len(h.starts[topic]) > 0
}

// LastMarkers returns, per node with any history for topic, the most recent entry or start marker.
func (h *History) LastMarkers(topic string) map[string]notification.Marker {
	h.mu.RLock()
	defer h.mu.RUnlock()

	markers := make(map[string]notification.Marker)
	for nodeID, entries := range h.topics[topic] {
		if len(entries) == 0 {
			continue
		}
		last := entries[len(entries)-1]
		markers[nodeID] = notification.Marker{ID: last.ID, CreationTime: last.CreationTime, NodeID: nodeID}
	}
	for nodeID, start := range h.starts[topic] {
		if existing, ok := markers[nodeID]; ok && !start.CreationTime.After(existing.CreationTime) {
			continue
		}
		markers[nodeID] = notification.Marker{ID: start.ID, CreationTime: start.CreationTime, NodeID: nodeID}
	}
	return markers
}

// Markers returns LastMarkers ordered by node id, ready for the wire.
func (h *History) Markers(topic string) []notification.Marker {
	byNode := h.LastMarkers(topic)
	if len(byNode) == 0 {
		return nil
	}
	out := make([]notification.Marker, 0, len(byNode))
	for _, marker := range byNode {
		out = append(out, marker)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].NodeID < out[j].NodeID
	})
	return out
}

// Entries returns a copy of the entries kept for (topic, node).
func (h *History) Entries(topic, nodeID string) []notification.HistoryEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	entries := h.topics[topic][nodeID]
	if len(entries) == 0 {
		return nil
	}
	out := make([]notification.HistoryEntry, len(entries))
	copy(out, entries)
	return out
}

// Len returns the number of history entries across all topics and nodes.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	total := 0
	for _, nodes := range h.topics {
		for _, entries := range nodes {
			total += len(entries)
		}
	}
	return total
}

// Remove purges everything known about topic.
func (h *History) Remove(topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.topics, topic)
	delete(h.starts, topic)
	delete(h.confirmed, topic)
}

// RemoveNode purges the history of a single node for topic.
func (h *History) RemoveNode(topic, nodeID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if nodes := h.topics[topic]; nodes != nil {
		delete(nodes, nodeID)
		if len(nodes) == 0 {
			delete(h.topics, topic)
		}
	}
	if nodes := h.starts[topic]; nodes != nil {
		delete(nodes, nodeID)
		if len(nodes) == 0 {
			delete(h.starts, topic)
			delete(h.confirmed, topic)
		}
	}
}

// Topics lists the topics with any history, sorted.
func (h *History) Topics() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := make(map[string]struct{}, len(h.topics)+len(h.starts))
	for topic := range h.topics {
		seen[topic] = struct{}{}
	}
	for topic := range h.starts {
		seen[topic] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for topic := range seen {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}

// Restore seeds the history from persisted entries. Restored start markers
// feed LastMarkers but leave Started false until the backend confirms again.
func (h *History) Restore(entries []historystore.Entry) {
	for _, entry := range entries {
		if entry.SubscriptionStart {
			h.mu.Lock()
			h.markStartLocked(entry.Topic, entry.NodeID, entry.HistoryEntry())
			h.mu.Unlock()
			continue
		}
		h.Record(entry.Topic, entry.NodeID, entry.HistoryEntry())
	}
}

func indexOf(entries []notification.HistoryEntry, id string) int {
	for i := range entries {
		if entries[i].ID == id {
			return i
		}
	}
	return -1
}
