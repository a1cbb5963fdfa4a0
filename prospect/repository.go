package prospect

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"agencyflow/action"
	"agencyflow/db"
	"agencyflow/timeline"
)

var (
	ErrNotFound = action.NotFound("Prospect not found")
	ErrNoShare  = errors.New("prospect: no share")
)

type Repository interface {
	Create(ctx context.Context, q db.DBTX, p Prospect) (Prospect, error)
	Get(ctx context.Context, orgID, id string) (Prospect, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, orgID, id string) (Prospect, error)
	Update(ctx context.Context, tx pgx.Tx, id string, req UpdateRequest) (Prospect, error)
	SetStage(ctx context.Context, tx pgx.Tx, id string, stage Stage, status *Status) (Prospect, error)
	SetStatus(ctx context.Context, tx pgx.Tx, id string, status Status) (Prospect, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, filters Filters) ([]ListItem, int, error)

	GetShare(ctx context.Context, prospectID, agentID string) (Share, error)
	UpsertShare(ctx context.Context, tx pgx.Tx, share Share) (Share, error)
	DeleteShare(ctx context.Context, tx pgx.Tx, prospectID, agentID string) (bool, error)
	ListShares(ctx context.Context, prospectID string) ([]Share, error)
	ListSharedWithMe(ctx context.Context, agentID string) ([]SharedProspect, error)
	ActiveAgentInOrg(ctx context.Context, orgID, agentID string) (bool, error)

	ListActivity(ctx context.Context, prospectID string, limit int) ([]timeline.Activity, error)
}

type PGRepository struct {
	pool     *pgxpool.Pool
	timeline *timeline.Writer
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool, timeline: timeline.NewWriter()}
}

const prospectColumns = `p.id, p.organization_id, p.agent_id, p.first_name, p.last_name, p.email, p.phone,
	to_char(p.date_of_birth, 'YYYY-MM-DD'), p.source, p.status, p.stage, p.annual_income::float8, p.existing_coverage::float8,
	p.total_debt::float8, p.mortgage_balance::float8, p.education_needs::float8, p.savings::float8,
	p.income_replacement_years, p.notes, p.created_at, p.updated_at`

func (r *PGRepository) Create(ctx context.Context, q db.DBTX, p Prospect) (Prospect, error) {
	query := `
		INSERT INTO prospects AS p (id, organization_id, agent_id, first_name, last_name, email, phone, date_of_birth,
			source, status, stage, annual_income, existing_coverage, total_debt, mortgage_balance, education_needs,
			savings, income_replacement_years, notes)
		VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, $5, $6, $7, NULLIF($8, '')::date,
			$9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		RETURNING ` + prospectColumns

	created, err := scanProspect(q.QueryRow(ctx, query,
		p.ID,
		p.OrganizationID,
		p.AgentID,
		p.FirstName,
		p.LastName,
		p.Email,
		p.Phone,
		p.DateOfBirth,
		p.Source,
		p.Status,
		p.Stage,
		p.AnnualIncome,
		p.ExistingCoverage,
		p.TotalDebt,
		p.MortgageBalance,
		p.EducationNeeds,
		p.Savings,
		p.IncomeReplacementYears,
		p.Notes,
	))
	if err != nil {
		return Prospect{}, fmt.Errorf("prospect: create: %w", err)
	}
	return created, nil
}

func (r *PGRepository) Get(ctx context.Context, orgID, id string) (Prospect, error) {
	query := `SELECT ` + prospectColumns + ` FROM prospects p WHERE p.id = $1 AND p.organization_id = $2`
	p, err := scanProspect(r.pool.QueryRow(ctx, query, id, orgID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Prospect{}, ErrNotFound
		}
		return Prospect{}, fmt.Errorf("prospect: get: %w", err)
	}
	return p, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, orgID, id string) (Prospect, error) {
	query := `SELECT ` + prospectColumns + ` FROM prospects p WHERE p.id = $1 AND p.organization_id = $2 FOR UPDATE`
	p, err := scanProspect(tx.QueryRow(ctx, query, id, orgID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Prospect{}, ErrNotFound
		}
		return Prospect{}, fmt.Errorf("prospect: get for update: %w", err)
	}
	return p, nil
}

func (r *PGRepository) Update(ctx context.Context, tx pgx.Tx, id string, req UpdateRequest) (Prospect, error) {
	query := `
		UPDATE prospects p
		SET first_name = COALESCE($2, p.first_name),
		    last_name = COALESCE($3, p.last_name),
		    email = COALESCE($4, p.email),
		    phone = COALESCE($5, p.phone),
		    date_of_birth = COALESCE(NULLIF($6, '')::date, p.date_of_birth),
		    source = COALESCE($7, p.source),
		    annual_income = COALESCE($8, p.annual_income),
		    existing_coverage = COALESCE($9, p.existing_coverage),
		    total_debt = COALESCE($10, p.total_debt),
		    mortgage_balance = COALESCE($11, p.mortgage_balance),
		    education_needs = COALESCE($12, p.education_needs),
		    savings = COALESCE($13, p.savings),
		    income_replacement_years = COALESCE($14, p.income_replacement_years),
		    notes = COALESCE($15, p.notes),
		    updated_at = get_tx_timestamp()
		WHERE p.id = $1
		RETURNING ` + prospectColumns

	p, err := scanProspect(tx.QueryRow(ctx, query,
		id,
		req.FirstName,
		req.LastName,
		req.Email,
		req.Phone,
		req.DateOfBirth,
		req.Source,
		req.AnnualIncome,
		req.ExistingCoverage,
		req.TotalDebt,
		req.MortgageBalance,
		req.EducationNeeds,
		req.Savings,
		req.IncomeReplacementYears,
		req.Notes,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Prospect{}, ErrNotFound
		}
		return Prospect{}, fmt.Errorf("prospect: update: %w", err)
	}
	return p, nil
}

func (r *PGRepository) SetStage(ctx context.Context, tx pgx.Tx, id string, stage Stage, status *Status) (Prospect, error) {
	query := `
		UPDATE prospects p
		SET stage = $2,
		    status = COALESCE($3, p.status),
		    updated_at = get_tx_timestamp()
		WHERE p.id = $1
		RETURNING ` + prospectColumns

	p, err := scanProspect(tx.QueryRow(ctx, query, id, stage, status))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Prospect{}, ErrNotFound
		}
		return Prospect{}, fmt.Errorf("prospect: set stage: %w", err)
	}
	return p, nil
}

func (r *PGRepository) SetStatus(ctx context.Context, tx pgx.Tx, id string, status Status) (Prospect, error) {
	query := `
		UPDATE prospects p
		SET status = $2, updated_at = get_tx_timestamp()
		WHERE p.id = $1
		RETURNING ` + prospectColumns

	p, err := scanProspect(tx.QueryRow(ctx, query, id, status))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Prospect{}, ErrNotFound
		}
		return Prospect{}, fmt.Errorf("prospect: set status: %w", err)
	}
	return p, nil
}

func (r *PGRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM prospects WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("prospect: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepository) List(ctx context.Context, filters Filters) ([]ListItem, int, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}
	if filters.SortKey == "" {
		filters.SortKey = "createdAt"
	}
	if filters.SortOrder == "" {
		filters.SortOrder = "desc"
	}

	from := `
		FROM prospects p
		LEFT JOIN prospect_shares s ON s.prospect_id = p.id AND s.shared_with_id = $1 AND s.can_view`
	where := []string{"(p.agent_id = $1 OR s.id IS NOT NULL)", "p.organization_id = $2"}
	args := []any{filters.AgentID, filters.OrganizationID}

	if filters.SharedOnly {
		where = append(where, "p.agent_id <> $1", "s.id IS NOT NULL")
	}
	if filters.Status != "" {
		where = append(where, fmt.Sprintf("p.status = $%d", len(args)+1))
		args = append(args, filters.Status)
	}
	if filters.Stage != "" {
		where = append(where, fmt.Sprintf("p.stage = $%d", len(args)+1))
		args = append(args, filters.Stage)
	}
	if search := strings.TrimSpace(filters.Search); search != "" {
		n := len(args) + 1
		where = append(where, fmt.Sprintf(
			"(p.first_name ILIKE $%d OR p.last_name ILIKE $%d OR p.email ILIKE $%d OR p.phone ILIKE $%d OR (p.first_name || ' ' || p.last_name) ILIKE $%d)",
			n, n, n, n, n))
		args = append(args, "%"+escapeLike(search)+"%")
	}

	whereClause := " WHERE " + strings.Join(where, " AND ")

	sortKey := mapSortKey(filters.SortKey)
	sortOrder := strings.ToUpper(filters.SortOrder)
	if sortOrder != "ASC" && sortOrder != "DESC" {
		sortOrder = "DESC"
	}

	limit := filters.PageSize
	offset := (filters.Page - 1) * filters.PageSize

	query := fmt.Sprintf(`SELECT %s, (p.agent_id <> $1) AS shared_with_me, COALESCE(s.can_edit, FALSE) %s%s ORDER BY %s %s, p.id LIMIT %d OFFSET %d`,
		prospectColumns, from, whereClause, sortKey, sortOrder, limit, offset)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("prospect: query list: %w", err)
	}
	defer rows.Close()

	list := []ListItem{}
	for rows.Next() {
		var item ListItem
		dest := append(prospectDest(&item.Prospect), &item.SharedWithMe, &item.CanEdit)
		if err := rows.Scan(dest...); err != nil {
			return nil, 0, fmt.Errorf("prospect: scan list: %w", err)
		}
		if !item.SharedWithMe {
			item.CanEdit = true
		}
		list = append(list, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("prospect: iterate list: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s%s", from, whereClause)
	var total int
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("prospect: count list: %w", err)
	}

	return list, total, nil
}

const shareColumns = `s.id, s.prospect_id, s.owner_agent_id, s.shared_with_id, s.can_view, s.can_edit, s.note, s.created_at, s.updated_at`

func (r *PGRepository) GetShare(ctx context.Context, prospectID, agentID string) (Share, error) {
	query := `SELECT ` + shareColumns + ` FROM prospect_shares s WHERE s.prospect_id = $1 AND s.shared_with_id = $2`
	sh, err := scanShare(r.pool.QueryRow(ctx, query, prospectID, agentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Share{}, ErrNoShare
		}
		return Share{}, fmt.Errorf("prospect: get share: %w", err)
	}
	return sh, nil
}

func (r *PGRepository) UpsertShare(ctx context.Context, tx pgx.Tx, share Share) (Share, error) {
	query := `
		INSERT INTO prospect_shares AS s (prospect_id, owner_agent_id, shared_with_id, can_view, can_edit, note)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (prospect_id, shared_with_id) DO UPDATE
		SET can_view = EXCLUDED.can_view,
		    can_edit = EXCLUDED.can_edit,
		    note = EXCLUDED.note,
		    updated_at = get_tx_timestamp()
		RETURNING ` + shareColumns

	sh, err := scanShare(tx.QueryRow(ctx, query,
		share.ProspectID, share.OwnerAgentID, share.SharedWithID, share.CanView, share.CanEdit, share.Note))
	if err != nil {
		return Share{}, fmt.Errorf("prospect: upsert share: %w", err)
	}
	return sh, nil
}

func (r *PGRepository) DeleteShare(ctx context.Context, tx pgx.Tx, prospectID, agentID string) (bool, error) {
	tag, err := tx.Exec(ctx, `DELETE FROM prospect_shares WHERE prospect_id = $1 AND shared_with_id = $2`, prospectID, agentID)
	if err != nil {
		return false, fmt.Errorf("prospect: delete share: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PGRepository) ListShares(ctx context.Context, prospectID string) ([]Share, error) {
	query := `
		SELECT ` + shareColumns + `, a.full_name
		FROM prospect_shares s
		JOIN agents a ON a.id = s.shared_with_id
		WHERE s.prospect_id = $1
		ORDER BY s.created_at`
	rows, err := r.pool.Query(ctx, query, prospectID)
	if err != nil {
		return nil, fmt.Errorf("prospect: list shares: %w", err)
	}
	defer rows.Close()

	out := []Share{}
	for rows.Next() {
		var sh Share
		dest := append(shareDest(&sh), &sh.SharedWithName)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("prospect: scan share: %w", err)
		}
		out = append(out, sh)
	}
	return out, rows.Err()
}

func (r *PGRepository) ListSharedWithMe(ctx context.Context, agentID string) ([]SharedProspect, error) {
	query := `
		SELECT ` + prospectColumns + `, ` + shareColumns + `, o.full_name
		FROM prospect_shares s
		JOIN prospects p ON p.id = s.prospect_id
		JOIN agents o ON o.id = s.owner_agent_id
		WHERE s.shared_with_id = $1 AND s.can_view
		ORDER BY s.updated_at DESC`
	rows, err := r.pool.Query(ctx, query, agentID)
	if err != nil {
		return nil, fmt.Errorf("prospect: list shared with me: %w", err)
	}
	defer rows.Close()

	out := []SharedProspect{}
	for rows.Next() {
		var sp SharedProspect
		dest := append(prospectDest(&sp.Prospect), shareDest(&sp.Share)...)
		dest = append(dest, &sp.OwnerName)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("prospect: scan shared: %w", err)
		}
		out = append(out, sp)
	}
	return out, rows.Err()
}

func (r *PGRepository) ActiveAgentInOrg(ctx context.Context, orgID, agentID string) (bool, error) {
	var ok bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM agents WHERE id = $1 AND organization_id = $2 AND is_active)`,
		agentID, orgID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("prospect: check agent: %w", err)
	}
	return ok, nil
}

func (r *PGRepository) ListActivity(ctx context.Context, prospectID string, limit int) ([]timeline.Activity, error) {
	return r.timeline.List(ctx, r.pool, prospectID, limit)
}

func prospectDest(p *Prospect) []any {
	return []any{
		&p.ID,
		&p.OrganizationID,
		&p.AgentID,
		&p.FirstName,
		&p.LastName,
		&p.Email,
		&p.Phone,
		&p.DateOfBirth,
		&p.Source,
		&p.Status,
		&p.Stage,
		&p.AnnualIncome,
		&p.ExistingCoverage,
		&p.TotalDebt,
		&p.MortgageBalance,
		&p.EducationNeeds,
		&p.Savings,
		&p.IncomeReplacementYears,
		&p.Notes,
		&p.CreatedAt,
		&p.UpdatedAt,
	}
}

func scanProspect(row pgx.Row) (Prospect, error) {
	var p Prospect
	err := row.Scan(prospectDest(&p)...)
	return p, err
}

func shareDest(s *Share) []any {
	return []any{&s.ID, &s.ProspectID, &s.OwnerAgentID, &s.SharedWithID, &s.CanView, &s.CanEdit, &s.Note, &s.CreatedAt, &s.UpdatedAt}
}

func scanShare(row pgx.Row) (Share, error) {
	var s Share
	err := row.Scan(shareDest(&s)...)
	return s, err
}

func mapSortKey(key string) string {
	switch key {
	case "updatedAt":
		return "p.updated_at"
	case "lastName":
		return "p.last_name"
	case "firstName":
		return "p.first_name"
	case "stage":
		return "p.stage"
	case "status":
		return "p.status"
	default:
		return "p.created_at"
	}
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
