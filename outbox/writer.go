// Package outbox records timeline events and outbox messages inside the
// caller's database transaction and relays unpublished messages to JetStream.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Writer appends timeline_events and outbox rows on an open pgx.Tx.
type Writer struct{}

func NewWriter() *Writer { return &Writer{} }

func (w *Writer) Append(ctx context.Context, tx pgx.Tx, transactionID, eventType, actorID string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal timeline payload: %w", err)
	}
	var actor any
	if actorID != "" {
		actor = actorID
	}
	const q = `
INSERT INTO timeline_events (transaction_id, type, payload, actor_id)
VALUES ($1, $2, $3::jsonb, $4)
`
	if _, err := tx.Exec(ctx, q, transactionID, eventType, body, actor); err != nil {
		return fmt.Errorf("outbox: insert timeline event: %w", err)
	}
	return nil
}

func (w *Writer) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal payload: %w", err)
	}
	const q = `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`
	if _, err := tx.Exec(ctx, q, topic, body); err != nil {
		return fmt.Errorf("outbox: enqueue %s: %w", topic, err)
	}
	return nil
}
