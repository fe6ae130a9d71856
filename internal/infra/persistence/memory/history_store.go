// Package memory provides an in-process history store used when no database is configured.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/coachpo/uinotify/internal/domain/historystore"
)

type nodeKey struct {
	system string
	topic  string
	node   string
}

// HistoryStore keeps the bounded history of every (system, topic, node) in memory.
type HistoryStore struct {
	mu      sync.RWMutex
	entries map[nodeKey][]historystore.Entry
	starts  map[nodeKey]historystore.Entry
}

// NewHistoryStore constructs an empty store.
func NewHistoryStore() *HistoryStore {
	return &HistoryStore{
		mu:      sync.RWMutex{},
		entries: make(map[nodeKey][]historystore.Entry),
		starts:  make(map[nodeKey]historystore.Entry),
	}
}

// Load returns the entries of system ordered by topic, node and creation time.
func (s *HistoryStore) Load(ctx context.Context, system string) ([]historystore.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	system = strings.TrimSpace(system)
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []historystore.Entry
	for key, entries := range s.entries {
		if key.system == system {
			out = append(out, entries...)
		}
	}
	for key, start := range s.starts {
		if key.system == system {
			out = append(out, start)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Topic != out[j].Topic {
			return out[i].Topic < out[j].Topic
		}
		if out[i].NodeID != out[j].NodeID {
			return out[i].NodeID < out[j].NodeID
		}
		return out[i].CreationTime.Before(out[j].CreationTime)
	})
	return out, nil
}

// Append stores entry and trims the oldest entries of its node beyond limit.
// Only the newest subscription start marker per node is kept.
func (s *HistoryStore) Append(ctx context.Context, entry historystore.Entry, limit int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := nodeKey{system: entry.System, topic: entry.Topic, node: entry.NodeID}
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.SubscriptionStart {
		if existing, ok := s.starts[key]; ok && existing.CreationTime.After(entry.CreationTime) {
			return nil
		}
		s.starts[key] = entry
		return nil
	}

	entries := s.entries[key]
	for _, existing := range entries {
		if existing.ID == entry.ID {
			return nil
		}
	}
	pos := sort.Search(len(entries), func(i int) bool {
		return entries[i].CreationTime.After(entry.CreationTime)
	})
	entries = append(entries, historystore.Entry{})
	copy(entries[pos+1:], entries[pos:])
	entries[pos] = entry
	if limit > 0 && len(entries) > limit {
		entries = append([]historystore.Entry(nil), entries[len(entries)-limit:]...)
	}
	s.entries[key] = entries
	return nil
}

// RemoveTopic deletes everything stored for (system, topic).
func (s *HistoryStore) RemoveTopic(ctx context.Context, system, topic string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.entries {
		if key.system == system && key.topic == topic {
			delete(s.entries, key)
		}
	}
	for key := range s.starts {
		if key.system == system && key.topic == topic {
			delete(s.starts, key)
		}
	}
	return nil
}
