package assignment

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound = errors.New("assignment: not found")
	// ErrInvalidTransition is returned when responding to an invite that is
	// no longer pending.
	ErrInvalidTransition = errors.New("assignment: invalid transition")
)

type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, a Assignment) (Assignment, error)
	GetByID(ctx context.Context, id string) (Assignment, error)
	Current(ctx context.Context, transactionID string) (Assignment, error)
	History(ctx context.Context, transactionID string) ([]Assignment, error)
	Respond(ctx context.Context, tx pgx.Tx, id string, status Status) (Assignment, error)
	TransactionAgent(ctx context.Context, tx pgx.Tx, transactionID string) (string, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const assignmentColumns = `id, seq, transaction_id, conveyancer_id, firm_name, contact_name, email, phone,
	status, invited_by, invited_at, responded_at`

// Insert stores a new pending invite. invited_at comes from clock_timestamp so
// invites made within one database transaction still order correctly.
func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, a Assignment) (Assignment, error) {
	query := `
		INSERT INTO conveyancer_assignments (transaction_id, conveyancer_id, firm_name, contact_name, email, phone, status, invited_by, invited_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending', $7, clock_timestamp())
		RETURNING ` + assignmentColumns

	created, err := scanAssignment(tx.QueryRow(ctx, query,
		a.TransactionID,
		a.ConveyancerID,
		a.Contact.FirmName,
		a.Contact.ContactName,
		a.Contact.Email,
		nullable(a.Contact.Phone),
		a.InvitedBy,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return Assignment{}, ErrUnknownTransaction
		}
		return Assignment{}, fmt.Errorf("assignment: insert: %w", err)
	}
	return created, nil
}

// TransactionAgent returns the agent who opened the transaction.
func (r *PGRepository) TransactionAgent(ctx context.Context, tx pgx.Tx, transactionID string) (string, error) {
	var agentID string
	if err := tx.QueryRow(ctx, `SELECT agent_id FROM transactions WHERE id = $1`, transactionID).Scan(&agentID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrUnknownTransaction
		}
		return "", fmt.Errorf("assignment: load transaction agent: %w", err)
	}
	return agentID, nil
}

func (r *PGRepository) GetByID(ctx context.Context, id string) (Assignment, error) {
	a, err := scanAssignment(r.pool.QueryRow(ctx, `SELECT `+assignmentColumns+` FROM conveyancer_assignments WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Assignment{}, ErrNotFound
		}
		return Assignment{}, fmt.Errorf("assignment: get: %w", err)
	}
	return a, nil
}

func (r *PGRepository) Current(ctx context.Context, transactionID string) (Assignment, error) {
	query := `SELECT ` + assignmentColumns + `
		FROM conveyancer_assignments
		WHERE transaction_id = $1
		ORDER BY invited_at DESC, seq DESC
		LIMIT 1`
	a, err := scanAssignment(r.pool.QueryRow(ctx, query, transactionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Assignment{}, ErrNotFound
		}
		return Assignment{}, fmt.Errorf("assignment: current: %w", err)
	}
	return a, nil
}

func (r *PGRepository) History(ctx context.Context, transactionID string) ([]Assignment, error) {
	query := `SELECT ` + assignmentColumns + `
		FROM conveyancer_assignments
		WHERE transaction_id = $1
		ORDER BY invited_at DESC, seq DESC`

	rows, err := r.pool.Query(ctx, query, transactionID)
	if err != nil {
		return nil, fmt.Errorf("assignment: history: %w", err)
	}
	defer rows.Close()

	out := make([]Assignment, 0, 4)
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, fmt.Errorf("assignment: scan history: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("assignment: iterate history: %w", err)
	}
	return out, nil
}

// Respond moves a pending invite to status. Any other current status leaves
// the row untouched and yields ErrInvalidTransition.
func (r *PGRepository) Respond(ctx context.Context, tx pgx.Tx, id string, status Status) (Assignment, error) {
	query := `
		UPDATE conveyancer_assignments
		SET status = $2, responded_at = clock_timestamp()
		WHERE id = $1 AND status = 'pending'
		RETURNING ` + assignmentColumns

	a, err := scanAssignment(tx.QueryRow(ctx, query, id, status))
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Assignment{}, fmt.Errorf("assignment: respond: %w", err)
	}

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM conveyancer_assignments WHERE id = $1)`, id).Scan(&exists); err != nil {
		return Assignment{}, fmt.Errorf("assignment: respond lookup: %w", err)
	}
	if !exists {
		return Assignment{}, ErrNotFound
	}
	return Assignment{}, ErrInvalidTransition
}

func scanAssignment(row pgx.Row) (Assignment, error) {
	var (
		a      Assignment
		status string
		phone  *string
	)
	err := row.Scan(
		&a.ID,
		&a.Seq,
		&a.TransactionID,
		&a.ConveyancerID,
		&a.Contact.FirmName,
		&a.Contact.ContactName,
		&a.Contact.Email,
		&phone,
		&status,
		&a.InvitedBy,
		&a.InvitedAt,
		&a.RespondedAt,
	)
	if err != nil {
		return Assignment{}, err
	}
	a.Status = Status(status)
	if !a.Status.Valid() {
		return Assignment{}, fmt.Errorf("assignment: %s has unknown status %q", a.ID, status)
	}
	if phone != nil {
		a.Contact.Phone = *phone
	}
	return a, nil
}

func nullable(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
