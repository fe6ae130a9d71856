package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/uinotify/internal/domain/historystore"
)

var base = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func entry(topic, node, id string, offset time.Duration) historystore.Entry {
	return historystore.Entry{System: "main", Topic: topic, NodeID: node, ID: id, CreationTime: base.Add(offset)}
}

func TestAppendTrimsAndOrders(t *testing.T) {
	ctx := context.Background()
	store := NewHistoryStore()
	for i := 5; i > 0; i-- {
		require.NoError(t, store.Append(ctx, entry("aaa", "node1", fmt.Sprint(i), time.Duration(i)*time.Second), 3))
	}
	require.NoError(t, store.Append(ctx, entry("aaa", "node1", "5", 0), 3))

	loaded, err := store.Load(ctx, "main")
	require.NoError(t, err)
	require.Len(t, loaded, 3)
	require.Equal(t, "3", loaded[0].ID)
	require.Equal(t, "5", loaded[2].ID)
}

func TestStartMarkersKeepNewest(t *testing.T) {
	ctx := context.Background()
	store := NewHistoryStore()
	start := entry("aaa", "node1", "", 2*time.Second)
	start.SubscriptionStart = true
	require.NoError(t, store.Append(ctx, start, 10))
	older := start
	older.CreationTime = base
	require.NoError(t, store.Append(ctx, older, 10))

	loaded, err := store.Load(ctx, "main")
	require.NoError(t, err)
	require.Equal(t, []historystore.Entry{start}, loaded)
}

func TestRemoveTopicAndSystemIsolation(t *testing.T) {
	ctx := context.Background()
	store := NewHistoryStore()
	require.NoError(t, store.Append(ctx, entry("aaa", "node1", "1", 0), 10))
	require.NoError(t, store.Append(ctx, entry("bbb", "node1", "2", 0), 10))
	other := entry("aaa", "node1", "3", 0)
	other.System = "other"
	require.NoError(t, store.Append(ctx, other, 10))

	require.NoError(t, store.RemoveTopic(ctx, "main", "aaa"))
	loaded, err := store.Load(ctx, "main")
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	require.Equal(t, "bbb", loaded[0].Topic)

	loaded, err = store.Load(ctx, "other")
	require.NoError(t, err)
	require.Len(t, loaded, 1)
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	store := NewHistoryStore()
	require.ErrorIs(t, store.Append(ctx, entry("aaa", "node1", "1", 0), 10), context.Canceled)
	_, err := store.Load(ctx, "main")
	require.ErrorIs(t, err, context.Canceled)
}
