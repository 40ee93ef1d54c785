package party

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound = errors.New("party: not found")
	// ErrAlreadyInvited is returned once a party's invited-at is set.
	ErrAlreadyInvited = errors.New("party: already invited")
	// ErrMissingContact is returned when the party has no email to invite.
	ErrMissingContact = errors.New("party: missing contact email")
	// ErrInviteNotPending is returned when accepting a used invite.
	ErrInviteNotPending = errors.New("party: invite not pending")
	ErrDuplicateToken   = errors.New("party: duplicate invite token")
)

type Repository interface {
	Contact(ctx context.Context, tx pgx.Tx, transactionID string, kind Kind) (Contact, error)
	MarkInvited(ctx context.Context, tx pgx.Tx, transactionID string, kind Kind) (time.Time, error)
	InsertInvite(ctx context.Context, tx pgx.Tx, inv Invite) (Invite, error)
	GetByToken(ctx context.Context, token string) (InviteDetails, error)
	Accept(ctx context.Context, tx pgx.Tx, token, accountID string) (Invite, error)
	State(ctx context.Context, transactionID string) (State, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) Contact(ctx context.Context, tx pgx.Tx, transactionID string, kind Kind) (Contact, error) {
	query := `SELECT agent_id, seller_name, seller_email, seller_invited_at FROM transactions WHERE id = $1`
	if kind == KindBuyer {
		query = `SELECT agent_id, buyer_name, buyer_email, buyer_invited_at FROM transactions WHERE id = $1`
	}
	var (
		c    Contact
		name *string
	)
	if err := tx.QueryRow(ctx, query, transactionID).Scan(&c.AgentID, &name, &c.Email, &c.InvitedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Contact{}, ErrNotFound
		}
		return Contact{}, fmt.Errorf("party: load contact: %w", err)
	}
	if name != nil {
		c.Name = *name
	}
	return c, nil
}

// MarkInvited stamps the party's invited-at only if it is still unset; a
// concurrent inviter that got there first yields ErrAlreadyInvited.
func (r *PGRepository) MarkInvited(ctx context.Context, tx pgx.Tx, transactionID string, kind Kind) (time.Time, error) {
	col := kind.invitedColumn()
	query := `UPDATE transactions SET ` + col + ` = clock_timestamp(), updated_at = clock_timestamp()
		WHERE id = $1 AND ` + col + ` IS NULL
		RETURNING ` + col

	var at time.Time
	if err := tx.QueryRow(ctx, query, transactionID).Scan(&at); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, ErrAlreadyInvited
		}
		return time.Time{}, fmt.Errorf("party: mark invited: %w", err)
	}
	return at, nil
}

const inviteColumns = `id, token, transaction_id, party, email, name, invited_by, status, account_id, created_at, accepted_at`

func (r *PGRepository) InsertInvite(ctx context.Context, tx pgx.Tx, inv Invite) (Invite, error) {
	query := `
		INSERT INTO party_invites (token, transaction_id, party, email, name, invited_by, status)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending')
		RETURNING ` + inviteColumns

	created, err := scanInvite(tx.QueryRow(ctx, query, inv.Token, inv.TransactionID, inv.Party, inv.Email, inv.Name, inv.InvitedBy))
	if err != nil {
		return Invite{}, insertError(err)
	}
	return created, nil
}

const (
	tokenConstraint       = "party_invites_token_key"
	onePerPartyConstraint = "party_invites_transaction_id_party_key"
)

// insertError tells the two unique constraints on party_invites apart.
func insertError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		switch pgErr.ConstraintName {
		case onePerPartyConstraint:
			return ErrAlreadyInvited
		case tokenConstraint:
			return ErrDuplicateToken
		}
	}
	return fmt.Errorf("party: insert invite: %w", err)
}

func (r *PGRepository) GetByToken(ctx context.Context, token string) (InviteDetails, error) {
	const query = `
		SELECT i.id, i.token, i.transaction_id, i.party, i.email, i.name, i.invited_by, i.status, i.account_id, i.created_at, i.accepted_at,
		       t.reference, concat_ws(', ', t.address_line1, NULLIF(t.address_line2, ''), t.city) || ' ' || t.postcode
		FROM party_invites i
		JOIN transactions t ON t.id = i.transaction_id
		WHERE i.token = $1
	`
	var (
		d            InviteDetails
		party, state string
	)
	err := r.pool.QueryRow(ctx, query, token).Scan(
		&d.ID, &d.Token, &d.TransactionID, &party, &d.Email, &d.Name, &d.InvitedBy, &state, &d.AccountID, &d.CreatedAt, &d.AcceptedAt,
		&d.Reference, &d.Address,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return InviteDetails{}, ErrNotFound
		}
		return InviteDetails{}, fmt.Errorf("party: get invite: %w", err)
	}
	d.Party = Kind(party)
	d.Status = InviteStatus(state)
	return d, nil
}

func (r *PGRepository) Accept(ctx context.Context, tx pgx.Tx, token, accountID string) (Invite, error) {
	query := `
		UPDATE party_invites
		SET status = 'accepted', account_id = $2, accepted_at = clock_timestamp()
		WHERE token = $1 AND status = 'pending'
		RETURNING ` + inviteColumns

	inv, err := scanInvite(tx.QueryRow(ctx, query, token, accountID))
	if err == nil {
		return inv, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Invite{}, fmt.Errorf("party: accept invite: %w", err)
	}

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM party_invites WHERE token = $1)`, token).Scan(&exists); err != nil {
		return Invite{}, fmt.Errorf("party: accept lookup: %w", err)
	}
	if !exists {
		return Invite{}, ErrNotFound
	}
	return Invite{}, ErrInviteNotPending
}

func (r *PGRepository) State(ctx context.Context, transactionID string) (State, error) {
	const query = `
		SELECT t.seller_invited_at, t.buyer_invited_at,
		       EXISTS (SELECT 1 FROM party_invites WHERE transaction_id = t.id AND party = 'seller' AND status = 'accepted'),
		       EXISTS (SELECT 1 FROM party_invites WHERE transaction_id = t.id AND party = 'buyer' AND status = 'accepted')
		FROM transactions t
		WHERE t.id = $1
	`
	s := State{TransactionID: transactionID}
	err := r.pool.QueryRow(ctx, query, transactionID).Scan(&s.Seller.InvitedAt, &s.Buyer.InvitedAt, &s.Seller.Accepted, &s.Buyer.Accepted)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return State{}, ErrNotFound
		}
		return State{}, fmt.Errorf("party: state: %w", err)
	}
	return s, nil
}

func scanInvite(row pgx.Row) (Invite, error) {
	var (
		inv          Invite
		party, state string
	)
	err := row.Scan(&inv.ID, &inv.Token, &inv.TransactionID, &party, &inv.Email, &inv.Name, &inv.InvitedBy, &state, &inv.AccountID, &inv.CreatedAt, &inv.AcceptedAt)
	if err != nil {
		return Invite{}, err
	}
	inv.Party = Kind(party)
	inv.Status = InviteStatus(state)
	if !inv.Party.Valid() || !inv.Status.Valid() {
		return Invite{}, fmt.Errorf("party: invite %s has unexpected party %q or status %q", inv.ID, party, state)
	}
	return inv, nil
}
