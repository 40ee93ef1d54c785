// Package party tracks inviting a transaction's buyer and seller onto the
// platform. Each party can be invited once; the invite carries a token the
// recipient later redeems.
package party

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"conveyflow/auth"
	"conveyflow/notify"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

var (
	ErrInvalid   = errors.New("party: invalid input")
	ErrForbidden = errors.New("party: forbidden")
	// ErrNotTransactionAgent is returned when an agent invites a party onto a
	// transaction they did not open.
	ErrNotTransactionAgent = fmt.Errorf("%w: not the transaction's agent", ErrForbidden)
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type TimelineWriter interface {
	Append(ctx context.Context, tx pgx.Tx, transactionID, eventType, actorID string, payload map[string]any) error
}

type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

type Service struct {
	pool     TxBeginner
	repo     Repository
	timeline TimelineWriter
	outbox   OutboxWriter
	notifier notify.Notifier
	newToken func() string
	now      func() time.Time
}

func NewService(pool TxBeginner, repo Repository, timeline TimelineWriter, outbox OutboxWriter) *Service {
	return &Service{
		pool:     pool,
		repo:     repo,
		timeline: timeline,
		outbox:   outbox,
		notifier: notify.LogNotifier{},
		newToken: func() string { return uuid.NewString() },
		now:      time.Now,
	}
}

func (s *Service) WithNotifier(n notify.Notifier) *Service {
	s.notifier = n
	return s
}

func (s *Service) WithTokenGenerator(gen func() string) *Service {
	s.newToken = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

type InviteParams struct {
	TransactionID string
	Party         Kind
	InvitedBy     string
	Role          auth.Role
}

// Invite stamps the party's invited-at and issues a token. Only the agent who
// owns the transaction may invite. It fails with ErrMissingContact when there
// is no email on file and ErrAlreadyInvited when the party was invited
// before, including by a concurrent caller.
func (s *Service) Invite(ctx context.Context, params InviteParams) (Invite, error) {
	if params.TransactionID == "" || params.InvitedBy == "" {
		return Invite{}, fmt.Errorf("%w: transaction and inviter required", ErrInvalid)
	}
	if !params.Party.Valid() {
		return Invite{}, fmt.Errorf("%w: unknown party %q", ErrInvalid, params.Party)
	}
	if params.Role != auth.RoleAgent {
		return Invite{}, fmt.Errorf("%w: %s cannot invite the %s", ErrForbidden, params.Role, params.Party)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Invite{}, fmt.Errorf("party: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	contact, err := s.repo.Contact(ctx, tx, params.TransactionID, params.Party)
	if err != nil {
		return Invite{}, err
	}
	if contact.AgentID != params.InvitedBy {
		return Invite{}, fmt.Errorf("%w: %s on %s", ErrNotTransactionAgent, params.InvitedBy, params.TransactionID)
	}
	if contact.Email == nil || strings.TrimSpace(*contact.Email) == "" {
		return Invite{}, fmt.Errorf("%w: %s on %s", ErrMissingContact, params.Party, params.TransactionID)
	}
	if contact.InvitedAt != nil {
		return Invite{}, ErrAlreadyInvited
	}

	invitedAt, err := s.repo.MarkInvited(ctx, tx, params.TransactionID, params.Party)
	if err != nil {
		return Invite{}, err
	}

	inv, err := s.repo.InsertInvite(ctx, tx, Invite{
		Token:         s.newToken(),
		TransactionID: params.TransactionID,
		Party:         params.Party,
		Email:         strings.ToLower(strings.TrimSpace(*contact.Email)),
		Name:          contact.Name,
		InvitedBy:     params.InvitedBy,
	})
	if err != nil {
		return Invite{}, err
	}

	payload := map[string]any{
		"invite_id":  inv.ID,
		"party":      inv.Party,
		"invited_at": invitedAt.UTC().Format(time.RFC3339Nano),
	}
	if s.timeline != nil {
		if err := s.timeline.Append(ctx, tx, params.TransactionID, TimelinePartyInvited, params.InvitedBy, payload); err != nil {
			return Invite{}, fmt.Errorf("party: append timeline: %w", err)
		}
	}
	if s.outbox != nil {
		payload["transaction_id"] = params.TransactionID
		if err := s.outbox.Enqueue(ctx, tx, OutboxTopicInvited, payload); err != nil {
			return Invite{}, fmt.Errorf("party: enqueue outbox: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Invite{}, fmt.Errorf("party: commit tx: %w", err)
	}

	notify.Send(ctx, s.notifier, notify.Message{
		Kind:          notify.KindPartyInvited,
		TransactionID: inv.TransactionID,
		RecipientName: inv.Name,
		Email:         inv.Email,
		Data:          map[string]any{"party": inv.Party, "token": inv.Token},
		SentAt:        s.now().UTC(),
	})
	return inv, nil
}

// Lookup returns a pending invite behind token together with its property
// summary. A used token yields ErrInviteNotPending and no details.
func (s *Service) Lookup(ctx context.Context, token string) (InviteDetails, error) {
	if strings.TrimSpace(token) == "" {
		return InviteDetails{}, fmt.Errorf("%w: token required", ErrInvalid)
	}
	d, err := s.repo.GetByToken(ctx, token)
	if err != nil {
		return InviteDetails{}, err
	}
	if d.Status != InviteStatusPending {
		return InviteDetails{}, ErrInviteNotPending
	}
	return d, nil
}

// Accept links accountID to the invite. An invite can be accepted once.
func (s *Service) Accept(ctx context.Context, token, accountID string) (Invite, error) {
	if strings.TrimSpace(token) == "" || accountID == "" {
		return Invite{}, fmt.Errorf("%w: token and account required", ErrInvalid)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Invite{}, fmt.Errorf("party: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	inv, err := s.repo.Accept(ctx, tx, token, accountID)
	if err != nil {
		return Invite{}, err
	}

	payload := map[string]any{
		"invite_id":  inv.ID,
		"party":      inv.Party,
		"account_id": accountID,
	}
	if s.timeline != nil {
		if err := s.timeline.Append(ctx, tx, inv.TransactionID, TimelinePartyAccepted, accountID, payload); err != nil {
			return Invite{}, fmt.Errorf("party: append timeline: %w", err)
		}
	}
	if s.outbox != nil {
		payload["transaction_id"] = inv.TransactionID
		if err := s.outbox.Enqueue(ctx, tx, OutboxTopicAccepted, payload); err != nil {
			return Invite{}, fmt.Errorf("party: enqueue outbox: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Invite{}, fmt.Errorf("party: commit tx: %w", err)
	}
	return inv, nil
}

func (s *Service) State(ctx context.Context, transactionID string) (State, error) {
	if transactionID == "" {
		return State{}, fmt.Errorf("%w: transaction id required", ErrInvalid)
	}
	return s.repo.State(ctx, transactionID)
}
