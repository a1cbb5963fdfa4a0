package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"agencyflow/action"
	"agencyflow/auth"
	"agencyflow/db"
)

var (
	// ErrNotFound signals the requested agent does not exist in the organization.
	ErrNotFound = action.NotFound("Agent not found")
	// ErrDuplicateEmail signals the email already belongs to an agent.
	ErrDuplicateEmail = action.Conflict("An agent with this email already exists")
	// ErrCodeCollision signals a generated referral code was already taken.
	ErrCodeCollision = errors.New("agent: referral code collision")
)

// Repository provides access to agents and their hierarchy.
type Repository interface {
	GetByID(ctx context.Context, orgID, id string) (Agent, error)
	UpdateProfile(ctx context.Context, orgID, id string, upd MemberUpdate) (Agent, error)
	Downline(ctx context.Context, id string) ([]TeamMember, error)
	Upline(ctx context.Context, id string) ([]TeamMember, error)
	IsInDownline(ctx context.Context, ancestorID, id string) (bool, error)
	Create(ctx context.Context, params CreateParams) (Agent, error)
	Deactivate(ctx context.Context, orgID, id string) (Agent, error)
	ClaimReferralCode(ctx context.Context, id, code string) (string, error)
	StatsReader
}

// StatsReader runs the independent aggregate queries behind production stats.
type StatsReader interface {
	CountByStage(ctx context.Context, agentIDs []string) (map[string]int, error)
	CountClients(ctx context.Context, agentIDs []string) (int, error)
	CountSignatures(ctx context.Context, agentIDs []string) (int, error)
	CountMessagesSince(ctx context.Context, agentIDs []string, since time.Time) (int, error)
}

type CreateParams struct {
	OrganizationID string
	UplineID       string
	Email          string
	FullName       string
	Phone          *string
	LicenseNumber  *string
	Role           auth.Role
	PasswordHash   string
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const agentColumns = `id, organization_id, email, full_name, phone, role, upline_id, referral_code, license_number, is_active, created_at, updated_at`

func (r *PGRepository) GetByID(ctx context.Context, orgID, id string) (Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE id = $1 AND organization_id = $2`

	a, err := scanAgent(r.pool.QueryRow(ctx, query, id, orgID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agent{}, ErrNotFound
		}
		return Agent{}, fmt.Errorf("agent: get by id: %w", err)
	}
	return a, nil
}

func (r *PGRepository) UpdateProfile(ctx context.Context, orgID, id string, upd MemberUpdate) (Agent, error) {
	query := `
		UPDATE agents
		SET full_name = COALESCE($3, full_name),
		    phone = COALESCE($4, phone),
		    license_number = COALESCE($5, license_number),
		    role = COALESCE($6, role),
		    updated_at = get_tx_timestamp()
		WHERE id = $1 AND organization_id = $2
		RETURNING ` + agentColumns

	a, err := scanAgent(r.pool.QueryRow(ctx, query, id, orgID, upd.FullName, upd.Phone, upd.LicenseNumber, upd.Role))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agent{}, ErrNotFound
		}
		return Agent{}, fmt.Errorf("agent: update profile: %w", err)
	}
	return a, nil
}

func (r *PGRepository) Downline(ctx context.Context, id string) ([]TeamMember, error) {
	const query = `
		WITH RECURSIVE tree AS (
			SELECT a.id, 1 AS depth
			FROM agents a
			WHERE a.upline_id = $1
			UNION ALL
			SELECT a.id, t.depth + 1
			FROM agents a
			JOIN tree t ON a.upline_id = t.id
			WHERE t.depth < 32
		)
		SELECT a.id, a.organization_id, a.email, a.full_name, a.phone, a.role, a.upline_id, a.referral_code,
		       a.license_number, a.is_active, a.created_at, a.updated_at, t.depth
		FROM tree t
		JOIN agents a ON a.id = t.id
		ORDER BY t.depth, a.full_name
	`
	return r.queryMembers(ctx, query, id)
}

func (r *PGRepository) Upline(ctx context.Context, id string) ([]TeamMember, error) {
	const query = `
		WITH RECURSIVE chain AS (
			SELECT a.upline_id AS id, 1 AS depth
			FROM agents a
			WHERE a.id = $1 AND a.upline_id IS NOT NULL
			UNION ALL
			SELECT a.upline_id, c.depth + 1
			FROM agents a
			JOIN chain c ON a.id = c.id
			WHERE a.upline_id IS NOT NULL AND c.depth < 32
		)
		SELECT a.id, a.organization_id, a.email, a.full_name, a.phone, a.role, a.upline_id, a.referral_code,
		       a.license_number, a.is_active, a.created_at, a.updated_at, c.depth
		FROM chain c
		JOIN agents a ON a.id = c.id
		ORDER BY c.depth
	`
	return r.queryMembers(ctx, query, id)
}

func (r *PGRepository) queryMembers(ctx context.Context, query, id string) ([]TeamMember, error) {
	rows, err := r.pool.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("agent: hierarchy: %w", err)
	}
	defer rows.Close()

	members := []TeamMember{}
	for rows.Next() {
		var m TeamMember
		if err := rows.Scan(
			&m.ID, &m.OrganizationID, &m.Email, &m.FullName, &m.Phone, &m.Role, &m.UplineID,
			&m.ReferralCode, &m.LicenseNumber, &m.IsActive, &m.CreatedAt, &m.UpdatedAt, &m.Depth,
		); err != nil {
			return nil, fmt.Errorf("agent: scan member: %w", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("agent: iterate members: %w", err)
	}
	return members, nil
}

func (r *PGRepository) IsInDownline(ctx context.Context, ancestorID, id string) (bool, error) {
	const query = `
		WITH RECURSIVE chain AS (
			SELECT upline_id AS id, 1 AS depth FROM agents WHERE id = $2
			UNION ALL
			SELECT a.upline_id, c.depth + 1
			FROM agents a
			JOIN chain c ON a.id = c.id
			WHERE c.depth < 32
		)
		SELECT EXISTS (SELECT 1 FROM chain WHERE id = $1)
	`
	var ok bool
	if err := r.pool.QueryRow(ctx, query, ancestorID, id).Scan(&ok); err != nil {
		return false, fmt.Errorf("agent: downline check: %w", err)
	}
	return ok, nil
}

func (r *PGRepository) Create(ctx context.Context, params CreateParams) (Agent, error) {
	query := `
		INSERT INTO agents (organization_id, upline_id, email, full_name, phone, license_number, role, password_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING ` + agentColumns

	a, err := scanAgent(r.pool.QueryRow(ctx, query,
		params.OrganizationID,
		params.UplineID,
		params.Email,
		params.FullName,
		params.Phone,
		params.LicenseNumber,
		params.Role,
		params.PasswordHash,
	))
	if err != nil {
		if db.IsUniqueViolation(err) {
			return Agent{}, ErrDuplicateEmail
		}
		return Agent{}, fmt.Errorf("agent: create: %w", err)
	}
	return a, nil
}

func (r *PGRepository) Deactivate(ctx context.Context, orgID, id string) (Agent, error) {
	query := `
		UPDATE agents
		SET is_active = FALSE, updated_at = get_tx_timestamp()
		WHERE id = $1 AND organization_id = $2
		RETURNING ` + agentColumns

	a, err := scanAgent(r.pool.QueryRow(ctx, query, id, orgID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agent{}, ErrNotFound
		}
		return Agent{}, fmt.Errorf("agent: deactivate: %w", err)
	}
	return a, nil
}

// ClaimReferralCode stores code only when the agent has none yet and returns
// whichever code the agent ends up with.
func (r *PGRepository) ClaimReferralCode(ctx context.Context, id, code string) (string, error) {
	const claim = `
		UPDATE agents
		SET referral_code = $2, updated_at = get_tx_timestamp()
		WHERE id = $1 AND referral_code IS NULL
		RETURNING referral_code
	`
	var stored string
	err := r.pool.QueryRow(ctx, claim, id, code).Scan(&stored)
	if err == nil {
		return stored, nil
	}
	if db.IsUniqueViolation(err) {
		return "", ErrCodeCollision
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("agent: claim referral code: %w", err)
	}

	var existing *string
	if err := r.pool.QueryRow(ctx, `SELECT referral_code FROM agents WHERE id = $1`, id).Scan(&existing); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("agent: read referral code: %w", err)
	}
	if existing == nil {
		return "", fmt.Errorf("agent: referral code missing after claim")
	}
	return *existing, nil
}

func (r *PGRepository) CountByStage(ctx context.Context, agentIDs []string) (map[string]int, error) {
	rows, err := r.pool.Query(ctx, `SELECT stage, COUNT(*) FROM prospects WHERE agent_id = ANY($1::uuid[]) GROUP BY stage`, agentIDs)
	if err != nil {
		return nil, fmt.Errorf("agent: count by stage: %w", err)
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var (
			stage string
			n     int
		)
		if err := rows.Scan(&stage, &n); err != nil {
			return nil, fmt.Errorf("agent: scan stage count: %w", err)
		}
		out[stage] = n
	}
	return out, rows.Err()
}

func (r *PGRepository) CountClients(ctx context.Context, agentIDs []string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM prospects WHERE agent_id = ANY($1::uuid[]) AND status = 'CLIENT'`, agentIDs).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("agent: count clients: %w", err)
	}
	return n, nil
}

func (r *PGRepository) CountSignatures(ctx context.Context, agentIDs []string) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM disclosure_signatures s
		JOIN prospects p ON p.id = s.prospect_id
		WHERE p.agent_id = ANY($1::uuid[])
	`
	var n int
	if err := r.pool.QueryRow(ctx, query, agentIDs).Scan(&n); err != nil {
		return 0, fmt.Errorf("agent: count signatures: %w", err)
	}
	return n, nil
}

func (r *PGRepository) CountMessagesSince(ctx context.Context, agentIDs []string, since time.Time) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM messages
		WHERE agent_id = ANY($1::uuid[])
		  AND direction = 'OUTBOUND'
		  AND status IN ('SENT', 'DELIVERED')
		  AND created_at >= $2
	`
	var n int
	if err := r.pool.QueryRow(ctx, query, agentIDs, since).Scan(&n); err != nil {
		return 0, fmt.Errorf("agent: count messages: %w", err)
	}
	return n, nil
}

func scanAgent(row pgx.Row) (Agent, error) {
	var a Agent
	err := row.Scan(
		&a.ID,
		&a.OrganizationID,
		&a.Email,
		&a.FullName,
		&a.Phone,
		&a.Role,
		&a.UplineID,
		&a.ReferralCode,
		&a.LicenseNumber,
		&a.IsActive,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	return a, err
}
