// Package historystore defines persistence contracts for notification history.
package historystore

import (
	"context"
	"time"

	"github.com/coachpo/uinotify/internal/domain/notification"
)

// Entry is a persisted history entry or subscription start marker.
type Entry struct {
	System            string
	Topic             string
	NodeID            string
	ID                string
	CreationTime      time.Time
	SubscriptionStart bool
}

// HistoryEntry converts the persisted row into the in-memory history form.
func (e Entry) HistoryEntry() notification.HistoryEntry {
	return notification.HistoryEntry{ID: e.ID, CreationTime: e.CreationTime}
}

// Store abstracts persistence of notification history per system.
type Store interface {
	Load(ctx context.Context, system string) ([]Entry, error)
	Append(ctx context.Context, entry Entry, limit int) error
	RemoveTopic(ctx context.Context, system, topic string) error
}
