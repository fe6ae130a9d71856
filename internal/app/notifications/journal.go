package notifications

import (
	"context"
	"log"
	"time"

	"github.com/coachpo/uinotify/internal/domain/historystore"
	"github.com/coachpo/uinotify/lib/async"
)

const (
	defaultJournalQueue = 1024
	journalTimeout      = 5 * time.Second
)

// journal writes history changes to the store from a single worker so writes keep their order.
type journal struct {
	store  historystore.Store
	pool   *async.Pool
	limit  int
	logger *log.Logger
}

func newJournal(store historystore.Store, limit, queue int, logger *log.Logger) (*journal, error) {
	pool, err := async.NewPool(1, queue, async.WithErrorHandler(func(err error) {
		logger.Printf("history persistence failed: %v", err)
	}))
	if err != nil {
		return nil, err
	}
	return &journal{
		store:  store,
		pool:   pool,
		limit:  limit,
		logger: logger,
	}, nil
}

// Append queues entry for persistence. A full queue drops the write.
func (j *journal) Append(entry historystore.Entry) {
	j.submit(func(ctx context.Context) error {
		return j.store.Append(ctx, entry, j.limit)
	})
}

// RemoveTopic queues the purge of a topic.
func (j *journal) RemoveTopic(system, topic string) {
	j.submit(func(ctx context.Context) error {
		return j.store.RemoveTopic(ctx, system, topic)
	})
}

func (j *journal) submit(task async.Task) {
	err := j.pool.Submit(context.Background(), func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, journalTimeout)
		defer cancel()
		return task(ctx)
	})
	if err != nil {
		j.logger.Printf("history persistence skipped: %v", err)
	}
}

func (j *journal) Shutdown(ctx context.Context) error {
	return j.pool.Shutdown(ctx)
}
