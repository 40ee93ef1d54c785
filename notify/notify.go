// Package notify delivers fire-and-forget notifications. Delivery failures
// are logged and never fail the operation that triggered them.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

type Kind string

const (
	KindConveyancerInvited   Kind = "conveyancer_invited"
	KindConveyancerResponded Kind = "conveyancer_responded"
	KindPartyInvited         Kind = "party_invited"
)

type Message struct {
	Kind          Kind           `json:"kind"`
	TransactionID string         `json:"transaction_id"`
	RecipientName string         `json:"recipient_name,omitempty"`
	Email         string         `json:"email,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
	SentAt        time.Time      `json:"sent_at"`
}

type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// Send delivers msg and swallows the error after logging it.
func Send(ctx context.Context, n Notifier, msg Message) {
	if n == nil {
		return
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now().UTC()
	}
	if err := n.Notify(ctx, msg); err != nil {
		log.Printf("notify: %s for %s failed: %v", msg.Kind, msg.TransactionID, err)
	}
}

// NATSNotifier publishes each message on conveyflow.notify.<kind> for the
// mail worker to pick up.
type NATSNotifier struct {
	Conn *nats.Conn
}

func NewNATSNotifier(conn *nats.Conn) *NATSNotifier {
	return &NATSNotifier{Conn: conn}
}

func Subject(kind Kind) string {
	return "conveyflow.notify." + string(kind)
}

func (n *NATSNotifier) Notify(_ context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("notify: marshal: %w", err)
	}
	if err := n.Conn.Publish(Subject(msg.Kind), body); err != nil {
		return fmt.Errorf("notify: publish: %w", err)
	}
	return nil
}

// LogNotifier writes notifications to the process log. Used when no NATS
// URL is configured.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, msg Message) error {
	log.Printf("notify: %s -> %s <%s> (transaction %s)", msg.Kind, msg.RecipientName, msg.Email, msg.TransactionID)
	return nil
}
