package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/uinotify/internal/domain/historystore"
)

func TestHistoryStoreNilPool(t *testing.T) {
	store := NewHistoryStore(nil)
	ctx := context.Background()
	entry := historystore.Entry{
		System:            "main",
		Topic:             "aaa",
		NodeID:            "node1",
		ID:                "1",
		CreationTime:      time.Now(),
		SubscriptionStart: false,
	}
	_, err := store.Load(ctx, "main")
	require.Error(t, err)
	require.Error(t, store.Append(ctx, entry, 10))
	require.Error(t, store.RemoveTopic(ctx, "main", "aaa"))
}
