package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"agencyflow/action"
	"agencyflow/db"
)

var (
	// ErrUserNotFound signals that the agent does not exist.
	ErrUserNotFound = action.NotFound("Agent not found")
	// ErrDuplicateEmail signals that the email is already registered.
	ErrDuplicateEmail = action.Conflict("An account with this email already exists")
	// ErrUnknownReferralCode signals a referral code no agent owns.
	ErrUnknownReferralCode = action.Invalid("referralCode", "is not a valid referral code")
)

// Repository handles data access for authentication.
type Repository interface {
	CreateUser(ctx context.Context, params CreateUserParams) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	GetUserByID(ctx context.Context, userID string) (User, error)
	FindReferrer(ctx context.Context, code string) (Referrer, error)
}

// CreateUserParams contains write parameters for creating agents. When
// OrganizationID is nil a new organization named OrganizationName is created
// in the same statement.
type CreateUserParams struct {
	Email            string
	FullName         string
	PasswordHash     string
	Role             Role
	OrganizationID   *string
	OrganizationName string
	UplineID         *string
}

// Referrer is the owner of a referral code.
type Referrer struct {
	AgentID        string
	OrganizationID string
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a PostgreSQL-backed auth repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const userColumns = `id, organization_id, email, full_name, password_hash, role, upline_id, is_active, created_at, updated_at`

// CreateUser inserts a new agent with a hashed password.
func (r *PGRepository) CreateUser(ctx context.Context, params CreateUserParams) (User, error) {
	const insertSQL = `
		WITH org AS (
			INSERT INTO organizations (name)
			SELECT $5
			WHERE $6::uuid IS NULL
			RETURNING id
		)
		INSERT INTO agents (email, full_name, password_hash, role, organization_id, upline_id)
		VALUES ($1, $2, $3, $4, COALESCE($6::uuid, (SELECT id FROM org)), $7)
		RETURNING ` + userColumns

	user, err := scanUser(r.pool.QueryRow(ctx, insertSQL,
		params.Email,
		params.FullName,
		params.PasswordHash,
		params.Role,
		params.OrganizationName,
		params.OrganizationID,
		params.UplineID,
	))
	if err != nil {
		if db.IsUniqueViolation(err) {
			return User{}, ErrDuplicateEmail
		}
		return User{}, fmt.Errorf("auth: create user: %w", err)
	}

	return user, nil
}

// GetUserByEmail retrieves an agent by email address, case-insensitively.
func (r *PGRepository) GetUserByEmail(ctx context.Context, email string) (User, error) {
	selectSQL := `SELECT ` + userColumns + ` FROM agents WHERE lower(email) = lower($1)`

	user, err := scanUser(r.pool.QueryRow(ctx, selectSQL, email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("auth: get user by email: %w", err)
	}

	return user, nil
}

// GetUserByID retrieves an agent by ID.
func (r *PGRepository) GetUserByID(ctx context.Context, userID string) (User, error) {
	selectSQL := `SELECT ` + userColumns + ` FROM agents WHERE id = $1`

	user, err := scanUser(r.pool.QueryRow(ctx, selectSQL, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("auth: get user by id: %w", err)
	}

	return user, nil
}

// FindReferrer resolves an active agent by referral code.
func (r *PGRepository) FindReferrer(ctx context.Context, code string) (Referrer, error) {
	const selectSQL = `
		SELECT id, organization_id
		FROM agents
		WHERE referral_code = $1 AND is_active
	`
	var ref Referrer
	err := r.pool.QueryRow(ctx, selectSQL, code).Scan(&ref.AgentID, &ref.OrganizationID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Referrer{}, ErrUnknownReferralCode
		}
		return Referrer{}, fmt.Errorf("auth: find referrer: %w", err)
	}
	return ref, nil
}

func scanUser(row pgx.Row) (User, error) {
	var user User
	err := row.Scan(
		&user.ID,
		&user.OrganizationID,
		&user.Email,
		&user.FullName,
		&user.PasswordHash,
		&user.Role,
		&user.UplineID,
		&user.IsActive,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		return User{}, err
	}
	return user, nil
}
