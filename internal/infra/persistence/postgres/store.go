package postgres

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/uinotify/internal/infra/persistence"
)

// Store exposes the PostgreSQL-backed notification history.
type Store struct {
	*persistence.Store
	History *HistoryStore
}

// New constructs a PostgreSQL persistence store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		Store:   persistence.NewStore(pool),
		History: NewHistoryStore(pool),
	}
}
