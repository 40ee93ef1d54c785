package outbox

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Message is an unpublished outbox row.
type Message struct {
	ID      int64
	Topic   string
	Payload []byte
}

// Store claims and acknowledges outbox rows.
type Store interface {
	Claim(ctx context.Context, tx pgx.Tx, limit int) ([]Message, error)
	MarkPublished(ctx context.Context, tx pgx.Tx, ids []int64) error
}

type PGStore struct{}

// Claim locks up to limit unpublished rows. Rows held by another relay are
// skipped rather than waited on.
func (PGStore) Claim(ctx context.Context, tx pgx.Tx, limit int) ([]Message, error) {
	const q = `
SELECT id, topic, payload
FROM outbox
WHERE published_at IS NULL
ORDER BY id
LIMIT $1
FOR UPDATE SKIP LOCKED
`
	rows, err := tx.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: claim: %w", err)
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Message, error) {
		var m Message
		err := row.Scan(&m.ID, &m.Topic, &m.Payload)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("outbox: scan claimed: %w", err)
	}
	return msgs, nil
}

func (PGStore) MarkPublished(ctx context.Context, tx pgx.Tx, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := tx.Exec(ctx, `UPDATE outbox SET published_at = now() WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("outbox: mark published: %w", err)
	}
	return nil
}

type Relay struct {
	pool      TxBeginner
	store     Store
	publisher Publisher
	batchSize int
	interval  time.Duration
}

func NewRelay(pool *pgxpool.Pool, publisher Publisher) *Relay {
	return newRelay(pool, PGStore{}, publisher)
}

func newRelay(pool TxBeginner, store Store, publisher Publisher) *Relay {
	return &Relay{
		pool:      pool,
		store:     store,
		publisher: publisher,
		batchSize: 100,
		interval:  time.Second,
	}
}

func (r *Relay) WithBatchSize(n int) *Relay {
	if n > 0 {
		r.batchSize = n
	}
	return r
}

func (r *Relay) WithInterval(d time.Duration) *Relay {
	if d > 0 {
		r.interval = d
	}
	return r
}

// RunOnce publishes one batch. Messages published before a failure are still
// marked, the rest stay pending for the next pass.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("outbox: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	msgs, err := r.store.Claim(ctx, tx, r.batchSize)
	if err != nil {
		return 0, err
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	published := make([]int64, 0, len(msgs))
	var publishErr error
	for _, m := range msgs {
		if err := r.publisher.Publish(Subject(m.Topic), strconv.FormatInt(m.ID, 10), m.Payload); err != nil {
			publishErr = fmt.Errorf("outbox: publish %d (%s): %w", m.ID, m.Topic, err)
			break
		}
		published = append(published, m.ID)
	}

	if err := r.store.MarkPublished(ctx, tx, published); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("outbox: commit tx: %w", err)
	}
	return len(published), publishErr
}

// Run drains the outbox every interval until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		for {
			n, err := r.RunOnce(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				log.Printf("outbox relay: %v", err)
				break
			}
			if n < r.batchSize {
				break
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
