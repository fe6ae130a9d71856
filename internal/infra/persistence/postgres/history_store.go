package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/uinotify/internal/domain/historystore"
)

// HistoryStore persists notification history so markers survive restarts.
type HistoryStore struct {
	pool *pgxpool.Pool
}

var _ historystore.Store = (*HistoryStore)(nil)

// NewHistoryStore constructs a HistoryStore backed by the provided pool.
func NewHistoryStore(pool *pgxpool.Pool) *HistoryStore {
	return &HistoryStore{pool: pool}
}

const (
	historyLoadSQL = `
SELECT system, topic, node_id, notification_id, creation_time, FALSE AS subscription_start
FROM notification_history
WHERE system = $1
UNION ALL
SELECT system, topic, node_id, notification_id, creation_time, TRUE AS subscription_start
FROM notification_subscription_starts
WHERE system = $1
ORDER BY topic, node_id, creation_time;
`

	historyInsertSQL = `
INSERT INTO notification_history (system, topic, node_id, notification_id, creation_time)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (system, topic, node_id, notification_id) DO NOTHING;
`

	historyTrimSQL = `
DELETE FROM notification_history
WHERE system = $1
  AND topic = $2
  AND node_id = $3
  AND notification_id IN (
    SELECT notification_id
    FROM notification_history
    WHERE system = $1 AND topic = $2 AND node_id = $3
    ORDER BY creation_time DESC, notification_id DESC
    OFFSET $4
  );
`

	startUpsertSQL = `
INSERT INTO notification_subscription_starts (system, topic, node_id, notification_id, creation_time)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (system, topic, node_id) DO UPDATE
SET notification_id = EXCLUDED.notification_id,
    creation_time = EXCLUDED.creation_time,
    recorded_at = NOW()
WHERE notification_subscription_starts.creation_time <= EXCLUDED.creation_time;
`

	historyDeleteTopicSQL = `
DELETE FROM notification_history
WHERE system = $1 AND topic = $2;
`

	startDeleteTopicSQL = `
DELETE FROM notification_subscription_starts
WHERE system = $1 AND topic = $2;
`
)

// Load returns every persisted entry of system ordered by topic, node and creation time.
func (s *HistoryStore) Load(ctx context.Context, system string) ([]historystore.Entry, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("history store: nil pool")
	}
	rows, err := s.pool.Query(ctx, historyLoadSQL, strings.TrimSpace(system))
	if err != nil {
		return nil, fmt.Errorf("history store: load: %w", err)
	}
	defer rows.Close()

	var entries []historystore.Entry
	for rows.Next() {
		var entry historystore.Entry
		if err := rows.Scan(
			&entry.System,
			&entry.Topic,
			&entry.NodeID,
			&entry.ID,
			&entry.CreationTime,
			&entry.SubscriptionStart,
		); err != nil {
			return nil, fmt.Errorf("history store: scan: %w", err)
		}
		entry.CreationTime = entry.CreationTime.UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history store: iterate: %w", err)
	}
	return entries, nil
}

// Append stores entry and trims the node's history to limit entries.
// Subscription start markers replace an older marker of the same node.
func (s *HistoryStore) Append(ctx context.Context, entry historystore.Entry, limit int) error {
	if s.pool == nil {
		return fmt.Errorf("history store: nil pool")
	}
	if strings.TrimSpace(entry.System) == "" || strings.TrimSpace(entry.Topic) == "" {
		return fmt.Errorf("history store: system and topic required")
	}
	if entry.SubscriptionStart {
		if _, err := s.pool.Exec(ctx, startUpsertSQL, entry.System, entry.Topic, entry.NodeID, entry.ID, entry.CreationTime); err != nil {
			return fmt.Errorf("history store: upsert start marker: %w", err)
		}
		return nil
	}
	if strings.TrimSpace(entry.ID) == "" {
		return fmt.Errorf("history store: notification id required")
	}

	var txOptions pgx.TxOptions
	txOptions.IsoLevel = pgx.ReadCommitted
	txOptions.AccessMode = pgx.ReadWrite
	txOptions.DeferrableMode = pgx.NotDeferrable

	tx, err := s.pool.BeginTx(ctx, txOptions)
	if err != nil {
		return fmt.Errorf("history store: begin append tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if _, err := tx.Exec(ctx, historyInsertSQL, entry.System, entry.Topic, entry.NodeID, entry.ID, entry.CreationTime); err != nil {
		return fmt.Errorf("history store: insert: %w", err)
	}
	if limit > 0 {
		if _, err := tx.Exec(ctx, historyTrimSQL, entry.System, entry.Topic, entry.NodeID, limit); err != nil {
			return fmt.Errorf("history store: trim: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("history store: commit append tx: %w", err)
	}
	return nil
}

// RemoveTopic deletes the history and start markers of (system, topic).
func (s *HistoryStore) RemoveTopic(ctx context.Context, system, topic string) error {
	if s.pool == nil {
		return fmt.Errorf("history store: nil pool")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("history store: begin remove tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if _, err := tx.Exec(ctx, historyDeleteTopicSQL, system, topic); err != nil {
		return fmt.Errorf("history store: delete history: %w", err)
	}
	if _, err := tx.Exec(ctx, startDeleteTopicSQL, system, topic); err != nil {
		return fmt.Errorf("history store: delete start markers: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("history store: commit remove tx: %w", err)
	}
	return nil
}
