package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound signals the requested conveyancer does not exist.
var ErrNotFound = errors.New("directory: not found")

type Repository interface {
	Get(ctx context.Context, id string) (Entry, error)
	Page(ctx context.Context, q Query, after *Cursor) ([]Entry, error)
}

// PGRepository provides read access to the conveyancers table.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const entryColumns = `id, firm_name, contact_name, email, phone, address_line, town, county, postcode,
	rating, review_count, fixed_fee_pence, accreditations, active, transactions_completed, created_at`

func (r *PGRepository) Get(ctx context.Context, id string) (Entry, error) {
	e, err := scanEntry(r.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM conveyancers WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, fmt.Errorf("directory: query by id: %w", err)
	}
	return e, nil
}

// Page fetches the next q.PageSize matches ranked by rating, starting after
// the cursor when one is given.
func (r *PGRepository) Page(ctx context.Context, q Query, after *Cursor) ([]Entry, error) {
	q = q.normalized()

	var (
		conds = []string{"TRUE"}
		args  []any
	)
	if q.Text != "" {
		args = append(args, "%"+escapeLike(q.Text)+"%")
		n := len(args)
		conds = append(conds, fmt.Sprintf("(contact_name ILIKE $%d OR firm_name ILIKE $%d OR town ILIKE $%d)", n, n, n))
	}
	if q.ActiveOnly {
		conds = append(conds, "active")
	}
	if after != nil {
		args = append(args, after.Rating, after.ID)
		conds = append(conds, fmt.Sprintf("(rating, id) < ($%d::numeric, $%d::uuid)", len(args)-1, len(args)))
	}
	args = append(args, q.PageSize)

	query := `SELECT ` + entryColumns + `
		FROM conveyancers
		WHERE ` + strings.Join(conds, " AND ") + `
		ORDER BY rating DESC, id DESC
		LIMIT $` + fmt.Sprint(len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("directory: search: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, q.PageSize)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("directory: scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("directory: iterate entries: %w", err)
	}
	return entries, nil
}

func scanEntry(row pgx.Row) (Entry, error) {
	var e Entry
	var phone, addr, county *string
	err := row.Scan(
		&e.ID,
		&e.FirmName,
		&e.ContactName,
		&e.Email,
		&phone,
		&addr,
		&e.Town,
		&county,
		&e.Postcode,
		&e.Rating,
		&e.ReviewCount,
		&e.FixedFeePence,
		&e.Accreditations,
		&e.Active,
		&e.TransactionsCompleted,
		&e.CreatedAt,
	)
	if err != nil {
		return Entry{}, err
	}
	if phone != nil {
		e.Phone = *phone
	}
	if addr != nil {
		e.AddressLine = *addr
	}
	if county != nil {
		e.County = *county
	}
	return e, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
