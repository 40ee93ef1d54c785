package transaction

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound is returned when no transaction row exists for the identifier.
	ErrNotFound = errors.New("transaction: not found")
	// ErrStageConflict signals the compare-and-set lost to a concurrent write.
	ErrStageConflict = errors.New("transaction: stage changed concurrently")
	// ErrDuplicateReference is returned when a generated reference is taken.
	ErrDuplicateReference = errors.New("transaction: duplicate reference")
)

type Repository interface {
	Create(ctx context.Context, tx pgx.Tx, t Transaction) (Transaction, error)
	Get(ctx context.Context, id string) (Transaction, error)
	GetTx(ctx context.Context, tx pgx.Tx, id string) (Transaction, error)
	ListForAgent(ctx context.Context, filters Filters) ([]Transaction, int, error)
	CompareAndSetStage(ctx context.Context, tx pgx.Tx, update StageUpdate) (Transaction, error)
	Involvement(ctx context.Context, id, actorID string) (Involvement, error)
	InvolvementTx(ctx context.Context, tx pgx.Tx, id, actorID string) (Involvement, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const transactionColumns = `id, reference, agent_id, transaction_type,
	address_line1, address_line2, city, postcode, price_pence, property_type, bedrooms,
	current_stage, progress_percentage,
	seller_name, seller_email, seller_phone, seller_invited_at,
	buyer_name, buyer_email, buyer_phone, buyer_invited_at,
	created_at, updated_at`

const referenceConstraint = "transactions_reference_key"

func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, t Transaction) (Transaction, error) {
	query := `
		INSERT INTO transactions (id, reference, agent_id, transaction_type,
			address_line1, address_line2, city, postcode, price_pence, property_type, bedrooms,
			seller_name, seller_email, seller_phone, buyer_name, buyer_email, buyer_phone)
		VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING ` + transactionColumns

	row := tx.QueryRow(ctx, query,
		t.ID,
		t.Reference,
		t.AgentID,
		t.Type,
		t.AddressLine1,
		nullableString(t.AddressLine2),
		t.City,
		t.Postcode,
		t.PricePence,
		nullableString(t.PropertyType),
		t.Bedrooms,
		nullableString(t.Seller.Name),
		t.Seller.Email,
		t.Seller.Phone,
		nullableString(t.Buyer.Name),
		t.Buyer.Email,
		t.Buyer.Phone,
	)

	created, err := ScanTransaction(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == referenceConstraint {
			return Transaction{}, ErrDuplicateReference
		}
		return Transaction{}, fmt.Errorf("transaction: insert: %w", err)
	}
	return created, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Transaction, error) {
	return r.get(ctx, r.pool.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id))
}

func (r *PGRepository) GetTx(ctx context.Context, tx pgx.Tx, id string) (Transaction, error) {
	return r.get(ctx, tx.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id))
}

func (r *PGRepository) get(_ context.Context, row pgx.Row) (Transaction, error) {
	t, err := ScanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrNotFound
		}
		return Transaction{}, fmt.Errorf("transaction: get: %w", err)
	}
	return t, nil
}

func (r *PGRepository) ListForAgent(ctx context.Context, filters Filters) ([]Transaction, int, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}

	query := `SELECT ` + transactionColumns + `
		FROM transactions
		WHERE agent_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`

	rows, err := r.pool.Query(ctx, query, filters.AgentID, filters.PageSize, (filters.Page-1)*filters.PageSize)
	if err != nil {
		return nil, 0, fmt.Errorf("transaction: list: %w", err)
	}
	defer rows.Close()

	list := []Transaction{}
	for rows.Next() {
		t, err := ScanTransaction(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("transaction: scan list: %w", err)
		}
		list = append(list, t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("transaction: iterate list: %w", err)
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM transactions WHERE agent_id = $1`, filters.AgentID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("transaction: count list: %w", err)
	}
	return list, total, nil
}

// CompareAndSetStage writes the next stage only if the stored stage still
// equals update.ExpectedStage.
func (r *PGRepository) CompareAndSetStage(ctx context.Context, tx pgx.Tx, update StageUpdate) (Transaction, error) {
	query := `
		UPDATE transactions
		SET current_stage = $2,
		    progress_percentage = $3,
		    updated_at = clock_timestamp()
		WHERE id = $1
		  AND current_stage IS NOT DISTINCT FROM $4::text
		RETURNING ` + transactionColumns

	t, err := ScanTransaction(tx.QueryRow(ctx, query, update.TransactionID, update.NextStage, update.Progress, update.ExpectedStage))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrStageConflict
		}
		return Transaction{}, fmt.Errorf("transaction: update stage: %w", err)
	}
	return t, nil
}

const involvementQuery = `
	SELECT t.agent_id = $2,
	       COALESCE((
	           SELECT lower(a.email) = lower(p.email) AND a.status <> 'declined'
	           FROM conveyancer_assignments a
	           JOIN profiles p ON p.id = $2
	           WHERE a.transaction_id = t.id
	           ORDER BY a.invited_at DESC, a.seq DESC
	           LIMIT 1
	       ), false),
	       EXISTS (
	           SELECT 1 FROM party_invites i
	           WHERE i.transaction_id = t.id AND i.account_id = $2 AND i.status = 'accepted'
	       )
	FROM transactions t
	WHERE t.id = $1`

// Involvement reports how actorID relates to the transaction. The assignee
// check only looks at the current invite.
func (r *PGRepository) Involvement(ctx context.Context, id, actorID string) (Involvement, error) {
	return scanInvolvement(r.pool.QueryRow(ctx, involvementQuery, id, actorID))
}

func (r *PGRepository) InvolvementTx(ctx context.Context, tx pgx.Tx, id, actorID string) (Involvement, error) {
	return scanInvolvement(tx.QueryRow(ctx, involvementQuery, id, actorID))
}

func scanInvolvement(row pgx.Row) (Involvement, error) {
	var inv Involvement
	if err := row.Scan(&inv.Agent, &inv.Assignee, &inv.Party); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Involvement{}, ErrNotFound
		}
		return Involvement{}, fmt.Errorf("transaction: involvement: %w", err)
	}
	return inv, nil
}

// ScanTransaction reads a row selected with the full transaction column list.
func ScanTransaction(row pgx.Row) (Transaction, error) {
	var (
		t                      Transaction
		txType                 string
		sellerName, buyerName  *string
		addressLine2, propType *string
	)
	err := row.Scan(
		&t.ID,
		&t.Reference,
		&t.AgentID,
		&txType,
		&t.AddressLine1,
		&addressLine2,
		&t.City,
		&t.Postcode,
		&t.PricePence,
		&propType,
		&t.Bedrooms,
		&t.CurrentStage,
		&t.ProgressPercentage,
		&sellerName,
		&t.Seller.Email,
		&t.Seller.Phone,
		&t.Seller.InvitedAt,
		&buyerName,
		&t.Buyer.Email,
		&t.Buyer.Phone,
		&t.Buyer.InvitedAt,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return Transaction{}, err
	}

	t.Type = Type(txType)
	if !t.Type.Valid() {
		return Transaction{}, fmt.Errorf("transaction: %s has unknown type %q", t.ID, txType)
	}
	if t.ProgressPercentage < 0 || t.ProgressPercentage > 100 {
		return Transaction{}, fmt.Errorf("transaction: %s has progress %d outside 0-100", t.ID, t.ProgressPercentage)
	}
	t.AddressLine2 = deref(addressLine2)
	t.PropertyType = deref(propType)
	t.Seller.Name = deref(sellerName)
	t.Buyer.Name = deref(buyerName)
	return t, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullableString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
