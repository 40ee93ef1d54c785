package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrProfileNotFound signals that no profile exists for the actor.
	ErrProfileNotFound = errors.New("auth: profile not found")
	// ErrDuplicateEmail signals that the email is already registered.
	ErrDuplicateEmail = errors.New("auth: email already exists")
)

// Repository reads stored profiles.
type Repository interface {
	GetProfileByID(ctx context.Context, actorID string) (Profile, error)
}

// CreateProfileParams contains write parameters for seeding profiles.
type CreateProfileParams struct {
	Email    string
	FullName string
	Phone    *string
	Role     Role
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a PostgreSQL-backed profile repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// CreateProfile inserts a profile. Account provisioning happens elsewhere;
// this exists for local tooling and integration tests.
func (r *PGRepository) CreateProfile(ctx context.Context, params CreateProfileParams) (Profile, error) {
	if !params.Role.Valid() {
		return Profile{}, fmt.Errorf("auth: invalid role %q", params.Role)
	}

	const insertSQL = `
		INSERT INTO profiles (email, full_name, phone, role)
		VALUES ($1, $2, $3, $4)
		RETURNING id, email, full_name, phone, role, created_at, updated_at
	`

	profile, err := scanProfile(r.pool.QueryRow(ctx, insertSQL, params.Email, params.FullName, params.Phone, params.Role))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Profile{}, ErrDuplicateEmail
		}
		return Profile{}, fmt.Errorf("auth: create profile: %w", err)
	}

	return profile, nil
}

// GetProfileByID retrieves a profile by actor ID.
func (r *PGRepository) GetProfileByID(ctx context.Context, actorID string) (Profile, error) {
	const selectSQL = `
		SELECT id, email, full_name, phone, role, created_at, updated_at
		FROM profiles
		WHERE id = $1
	`

	profile, err := scanProfile(r.pool.QueryRow(ctx, selectSQL, actorID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Profile{}, ErrProfileNotFound
		}
		return Profile{}, fmt.Errorf("auth: get profile by id: %w", err)
	}

	return profile, nil
}

func scanProfile(row pgx.Row) (Profile, error) {
	var (
		profile Profile
		phone   *string
		role    string
	)
	err := row.Scan(
		&profile.ID,
		&profile.Email,
		&profile.FullName,
		&phone,
		&role,
		&profile.CreatedAt,
		&profile.UpdatedAt,
	)
	if err != nil {
		return Profile{}, err
	}

	profile.Phone = phone
	profile.Role = Role(role)
	if !profile.Role.Valid() {
		return Profile{}, fmt.Errorf("auth: profile %s has unknown role %q", profile.ID, role)
	}
	return profile, nil
}
