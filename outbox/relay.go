package outbox

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"agencyflow/db"
	"agencyflow/logging"
	"agencyflow/metrics"
)

// Publisher delivers one event body to the broker.
type Publisher interface {
	Publish(ctx context.Context, topic string, body []byte) error
}

// Relay moves pending outbox rows to a Publisher. Concurrent relays never
// claim the same row.
type Relay struct {
	pool      db.TxBeginner
	store     Store
	publisher Publisher
	batchSize int
}

func NewRelay(pool db.TxBeginner, store Store, publisher Publisher) *Relay {
	if store == nil {
		store = NewStore()
	}
	return &Relay{pool: pool, store: store, publisher: publisher, batchSize: 50}
}

func (r *Relay) WithBatchSize(n int) *Relay {
	if n > 0 {
		r.batchSize = n
	}
	return r
}

// RunOnce claims one batch and returns how many rows were published.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("outbox: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	msgs, err := r.store.ClaimPending(ctx, tx, r.batchSize)
	if err != nil {
		return 0, err
	}

	published, failed := 0, 0
	for _, m := range msgs {
		if err := r.publisher.Publish(ctx, m.Topic, m.Payload); err != nil {
			logging.Logger.WithFields(logrus.Fields{
				"outbox_id": m.ID,
				"topic":     m.Topic,
				"attempts":  m.Attempts + 1,
			}).WithError(err).Warn("outbox publish failed")
			if err := r.store.MarkFailed(ctx, tx, m.ID, err.Error()); err != nil {
				return published, err
			}
			failed++
			continue
		}
		if err := r.store.MarkProcessed(ctx, tx, m.ID); err != nil {
			return published, err
		}
		published++
	}

	if err := tx.Commit(ctx); err != nil {
		return published, fmt.Errorf("outbox: commit tx: %w", err)
	}
	metrics.RecordOutbox(published, failed)
	return published, nil
}

// Tick is the cron entry point; errors are logged.
func (r *Relay) Tick() {
	ctx := context.Background()
	n, err := r.RunOnce(ctx)
	if err != nil {
		logging.Logger.WithError(err).Error("outbox relay run failed")
		return
	}
	if n > 0 {
		logging.Logger.WithField("published", n).Debug("outbox relay run")
	}
}
