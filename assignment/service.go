package assignment

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"conveyflow/auth"
	"conveyflow/directory"
	"conveyflow/notify"

	"github.com/jackc/pgx/v5"
)

var (
	ErrInvalid   = errors.New("assignment: invalid input")
	ErrForbidden = errors.New("assignment: forbidden")
	// ErrUnknownTransaction is returned when inviting onto a transaction that
	// does not exist.
	ErrUnknownTransaction = errors.New("assignment: unknown transaction")
	// ErrNotInvitee is returned when someone other than the invited firm
	// answers an invite.
	ErrNotInvitee = fmt.Errorf("%w: not the invited conveyancer", ErrForbidden)
	// ErrNotTransactionAgent is returned when an agent invites onto a
	// transaction they did not open.
	ErrNotTransactionAgent = fmt.Errorf("%w: not the transaction's agent", ErrForbidden)
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// ProfileReader resolves the responder's stored email.
type ProfileReader interface {
	GetProfileByID(ctx context.Context, actorID string) (auth.Profile, error)
}

type DirectoryReader interface {
	Get(ctx context.Context, id string) (directory.Entry, error)
}

type TimelineWriter interface {
	Append(ctx context.Context, tx pgx.Tx, transactionID, eventType, actorID string, payload map[string]any) error
}

type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

type Service struct {
	pool      TxBeginner
	repo      Repository
	directory DirectoryReader
	profiles  ProfileReader
	timeline  TimelineWriter
	outbox    OutboxWriter
	notifier  notify.Notifier
	now       func() time.Time
}

func NewService(pool TxBeginner, repo Repository, dir DirectoryReader, profiles ProfileReader, timeline TimelineWriter, outbox OutboxWriter) *Service {
	return &Service{
		pool:      pool,
		repo:      repo,
		directory: dir,
		profiles:  profiles,
		timeline:  timeline,
		outbox:    outbox,
		notifier:  notify.LogNotifier{},
		now:       time.Now,
	}
}

func (s *Service) WithNotifier(n notify.Notifier) *Service {
	s.notifier = n
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// InviteParams names either a directory ConveyancerID or an ad-hoc Contact.
type InviteParams struct {
	TransactionID string
	ConveyancerID string
	Contact       Contact
	InvitedBy     string
	Role          auth.Role
}

// Invite creates a pending assignment that becomes the transaction's current
// one. Earlier assignments are kept as history.
func (s *Service) Invite(ctx context.Context, params InviteParams) (Assignment, error) {
	if params.TransactionID == "" || params.InvitedBy == "" {
		return Assignment{}, fmt.Errorf("%w: transaction and inviter required", ErrInvalid)
	}
	if params.Role != auth.RoleAgent {
		return Assignment{}, fmt.Errorf("%w: %s cannot invite conveyancers", ErrForbidden, params.Role)
	}

	a := Assignment{TransactionID: params.TransactionID, InvitedBy: params.InvitedBy}
	if params.ConveyancerID != "" {
		entry, err := s.directory.Get(ctx, params.ConveyancerID)
		if err != nil {
			return Assignment{}, err
		}
		if !entry.Active {
			return Assignment{}, fmt.Errorf("%w: conveyancer %s is not active", ErrInvalid, entry.ID)
		}
		a.ConveyancerID = &entry.ID
		a.Contact = Contact{FirmName: entry.FirmName, ContactName: entry.ContactName, Email: entry.Email, Phone: entry.Phone}
	} else {
		a.Contact = params.Contact
	}
	a.Contact = a.Contact.normalized()
	if a.Contact.Email == "" || !strings.Contains(a.Contact.Email, "@") {
		return Assignment{}, fmt.Errorf("%w: conveyancer email required", ErrInvalid)
	}
	if a.Contact.FirmName == "" && a.Contact.ContactName == "" {
		return Assignment{}, fmt.Errorf("%w: firm or contact name required", ErrInvalid)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Assignment{}, fmt.Errorf("assignment: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	agentID, err := s.repo.TransactionAgent(ctx, tx, params.TransactionID)
	if err != nil {
		return Assignment{}, err
	}
	if agentID != params.InvitedBy {
		return Assignment{}, fmt.Errorf("%w: %s on %s", ErrNotTransactionAgent, params.InvitedBy, params.TransactionID)
	}

	created, err := s.repo.Insert(ctx, tx, a)
	if err != nil {
		return Assignment{}, err
	}

	payload := map[string]any{
		"assignment_id":  created.ID,
		"firm_name":      created.Contact.FirmName,
		"email":          created.Contact.Email,
		"from_directory": created.ConveyancerID != nil,
	}
	if s.timeline != nil {
		if err := s.timeline.Append(ctx, tx, created.TransactionID, TimelineConveyancerInvited, params.InvitedBy, payload); err != nil {
			return Assignment{}, fmt.Errorf("assignment: append timeline: %w", err)
		}
	}
	if s.outbox != nil {
		payload["transaction_id"] = created.TransactionID
		if err := s.outbox.Enqueue(ctx, tx, OutboxTopicInvited, payload); err != nil {
			return Assignment{}, fmt.Errorf("assignment: enqueue outbox: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Assignment{}, fmt.Errorf("assignment: commit tx: %w", err)
	}

	notify.Send(ctx, s.notifier, notify.Message{
		Kind:          notify.KindConveyancerInvited,
		TransactionID: created.TransactionID,
		RecipientName: created.Contact.ContactName,
		Email:         created.Contact.Email,
		Data:          map[string]any{"assignment_id": created.ID, "firm_name": created.Contact.FirmName},
		SentAt:        s.now().UTC(),
	})
	return created, nil
}

type RespondParams struct {
	AssignmentID string
	Decision     Decision
	ActorID      string
	Role         auth.Role
}

// Respond accepts or declines a pending invite on behalf of the invited firm:
// the responder's profile email must match the invite's contact email.
// Superseded invites that are still pending may be answered; that never
// changes which one is current.
func (s *Service) Respond(ctx context.Context, params RespondParams) (Assignment, error) {
	if params.AssignmentID == "" || params.ActorID == "" {
		return Assignment{}, fmt.Errorf("%w: assignment and responder required", ErrInvalid)
	}
	status, ok := params.Decision.status()
	if !ok {
		return Assignment{}, fmt.Errorf("%w: unknown decision %q", ErrInvalid, params.Decision)
	}
	if !params.Role.IsConveyancer() {
		return Assignment{}, fmt.Errorf("%w: %s cannot respond to an invite", ErrForbidden, params.Role)
	}

	invited, err := s.repo.GetByID(ctx, params.AssignmentID)
	if err != nil {
		return Assignment{}, err
	}
	if err := s.checkInvitee(ctx, invited, params.ActorID); err != nil {
		return Assignment{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Assignment{}, fmt.Errorf("assignment: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	updated, err := s.repo.Respond(ctx, tx, params.AssignmentID, status)
	if err != nil {
		return Assignment{}, err
	}

	payload := map[string]any{
		"assignment_id": updated.ID,
		"status":        updated.Status,
	}
	if s.timeline != nil {
		if err := s.timeline.Append(ctx, tx, updated.TransactionID, TimelineConveyancerResponded, params.ActorID, payload); err != nil {
			return Assignment{}, fmt.Errorf("assignment: append timeline: %w", err)
		}
	}
	if s.outbox != nil {
		payload["transaction_id"] = updated.TransactionID
		if err := s.outbox.Enqueue(ctx, tx, OutboxTopicResponded, payload); err != nil {
			return Assignment{}, fmt.Errorf("assignment: enqueue outbox: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Assignment{}, fmt.Errorf("assignment: commit tx: %w", err)
	}

	log.Printf("assignment %s on transaction %s: %s", updated.ID, updated.TransactionID, updated.Status)
	notify.Send(ctx, s.notifier, notify.Message{
		Kind:          notify.KindConveyancerResponded,
		TransactionID: updated.TransactionID,
		RecipientName: updated.Contact.FirmName,
		Data:          map[string]any{"assignment_id": updated.ID, "status": updated.Status, "invited_by": updated.InvitedBy},
		SentAt:        s.now().UTC(),
	})
	return updated, nil
}

func (s *Service) checkInvitee(ctx context.Context, a Assignment, actorID string) error {
	if s.profiles == nil {
		return fmt.Errorf("%w: no profile source", ErrNotInvitee)
	}
	profile, err := s.profiles.GetProfileByID(ctx, actorID)
	if err != nil {
		if errors.Is(err, auth.ErrProfileNotFound) {
			return fmt.Errorf("%w: %s has no profile", ErrNotInvitee, actorID)
		}
		return fmt.Errorf("assignment: load responder profile: %w", err)
	}
	if !strings.EqualFold(strings.TrimSpace(profile.Email), a.Contact.Email) {
		return fmt.Errorf("%w: %s answered invite %s", ErrNotInvitee, actorID, a.ID)
	}
	return nil
}

func (s *Service) Get(ctx context.Context, id string) (Assignment, error) {
	return s.repo.GetByID(ctx, id)
}

// Current returns the most recent invite for the transaction, or ErrNotFound.
func (s *Service) Current(ctx context.Context, transactionID string) (Assignment, error) {
	return s.repo.Current(ctx, transactionID)
}

// History lists every invite for the transaction, newest first.
func (s *Service) History(ctx context.Context, transactionID string) ([]Assignment, error) {
	return s.repo.History(ctx, transactionID)
}

// HasAcceptedAssignment reports whether the current assignment is accepted.
func (s *Service) HasAcceptedAssignment(ctx context.Context, transactionID string) (bool, error) {
	cur, err := s.repo.Current(ctx, transactionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return cur.Status == StatusAccepted, nil
}
