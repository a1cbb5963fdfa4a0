package presentation

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"agencyflow/action"
)

var ErrNotFound = action.NotFound("Business prospect not found")

type Repository interface {
	Create(ctx context.Context, b BusinessProspect) (BusinessProspect, error)
	Get(ctx context.Context, agentID, id string) (BusinessProspect, error)
	List(ctx context.Context, agentID string) ([]BusinessProspect, error)
	Update(ctx context.Context, agentID, id string, req UpdateBusinessRequest) (BusinessProspect, error)
	Delete(ctx context.Context, agentID, id string) error
	UpsertHistory(ctx context.Context, entry HistoryEntry) (HistoryEntry, error)
	History(ctx context.Context, businessID string) ([]HistoryEntry, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const businessColumns = `b.id, b.organization_id, b.agent_id, b.prospect_id, b.business_name, b.industry,
	b.entity_type, b.employees, b.annual_revenue::float8, b.cost_of_goods::float8, b.operating_expenses::float8,
	b.owner_compensation::float8, b.tax_rate::float8, b.total_debt::float8, b.cash_reserves::float8,
	b.business_value::float8, b.key_person_coverage::float8, b.buy_sell_coverage::float8, b.created_at, b.updated_at`

func scanBusiness(row pgx.Row) (BusinessProspect, error) {
	var b BusinessProspect
	err := row.Scan(
		&b.ID,
		&b.OrganizationID,
		&b.AgentID,
		&b.ProspectID,
		&b.BusinessName,
		&b.Industry,
		&b.EntityType,
		&b.Employees,
		&b.AnnualRevenue,
		&b.CostOfGoods,
		&b.OperatingExpenses,
		&b.OwnerCompensation,
		&b.TaxRate,
		&b.TotalDebt,
		&b.CashReserves,
		&b.BusinessValue,
		&b.KeyPersonCoverage,
		&b.BuySellCoverage,
		&b.CreatedAt,
		&b.UpdatedAt,
	)
	return b, err
}

func (r *PGRepository) Create(ctx context.Context, b BusinessProspect) (BusinessProspect, error) {
	query := `
		INSERT INTO business_prospects AS b (organization_id, agent_id, prospect_id, business_name, industry,
			entity_type, employees, annual_revenue, cost_of_goods, operating_expenses, owner_compensation,
			tax_rate, total_debt, cash_reserves, business_value, key_person_coverage, buy_sell_coverage)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING ` + businessColumns

	created, err := scanBusiness(r.pool.QueryRow(ctx, query,
		b.OrganizationID,
		b.AgentID,
		b.ProspectID,
		b.BusinessName,
		b.Industry,
		b.EntityType,
		b.Employees,
		b.AnnualRevenue,
		b.CostOfGoods,
		b.OperatingExpenses,
		b.OwnerCompensation,
		b.TaxRate,
		b.TotalDebt,
		b.CashReserves,
		b.BusinessValue,
		b.KeyPersonCoverage,
		b.BuySellCoverage,
	))
	if err != nil {
		return BusinessProspect{}, fmt.Errorf("presentation: create business: %w", err)
	}
	return created, nil
}

func (r *PGRepository) Get(ctx context.Context, agentID, id string) (BusinessProspect, error) {
	query := `SELECT ` + businessColumns + ` FROM business_prospects b WHERE b.id = $1 AND b.agent_id = $2`
	b, err := scanBusiness(r.pool.QueryRow(ctx, query, id, agentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return BusinessProspect{}, ErrNotFound
		}
		return BusinessProspect{}, fmt.Errorf("presentation: get business: %w", err)
	}
	return b, nil
}

func (r *PGRepository) List(ctx context.Context, agentID string) ([]BusinessProspect, error) {
	query := `SELECT ` + businessColumns + ` FROM business_prospects b WHERE b.agent_id = $1 ORDER BY b.business_name`
	rows, err := r.pool.Query(ctx, query, agentID)
	if err != nil {
		return nil, fmt.Errorf("presentation: list businesses: %w", err)
	}
	defer rows.Close()

	out := make([]BusinessProspect, 0)
	for rows.Next() {
		b, err := scanBusiness(rows)
		if err != nil {
			return nil, fmt.Errorf("presentation: scan business: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (r *PGRepository) Update(ctx context.Context, agentID, id string, req UpdateBusinessRequest) (BusinessProspect, error) {
	query := `
		UPDATE business_prospects b
		SET business_name = COALESCE($3, b.business_name),
		    industry = COALESCE($4, b.industry),
		    entity_type = COALESCE($5, b.entity_type),
		    employees = COALESCE($6, b.employees),
		    annual_revenue = COALESCE($7, b.annual_revenue),
		    cost_of_goods = COALESCE($8, b.cost_of_goods),
		    operating_expenses = COALESCE($9, b.operating_expenses),
		    owner_compensation = COALESCE($10, b.owner_compensation),
		    tax_rate = COALESCE($11, b.tax_rate),
		    total_debt = COALESCE($12, b.total_debt),
		    cash_reserves = COALESCE($13, b.cash_reserves),
		    business_value = COALESCE($14, b.business_value),
		    key_person_coverage = COALESCE($15, b.key_person_coverage),
		    buy_sell_coverage = COALESCE($16, b.buy_sell_coverage),
		    updated_at = get_tx_timestamp()
		WHERE b.id = $1 AND b.agent_id = $2
		RETURNING ` + businessColumns

	b, err := scanBusiness(r.pool.QueryRow(ctx, query,
		id,
		agentID,
		req.BusinessName,
		req.Industry,
		req.EntityType,
		req.Employees,
		req.AnnualRevenue,
		req.CostOfGoods,
		req.OperatingExpenses,
		req.OwnerCompensation,
		req.TaxRate,
		req.TotalDebt,
		req.CashReserves,
		req.BusinessValue,
		req.KeyPersonCoverage,
		req.BuySellCoverage,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return BusinessProspect{}, ErrNotFound
		}
		return BusinessProspect{}, fmt.Errorf("presentation: update business: %w", err)
	}
	return b, nil
}

func (r *PGRepository) Delete(ctx context.Context, agentID, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM business_prospects WHERE id = $1 AND agent_id = $2`, id, agentID)
	if err != nil {
		return fmt.Errorf("presentation: delete business: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertHistory stores the snapshot for entry.Year, replacing an earlier
// snapshot of the same year.
func (r *PGRepository) UpsertHistory(ctx context.Context, entry HistoryEntry) (HistoryEntry, error) {
	query := `
		INSERT INTO business_financial_history (business_prospect_id, year, annual_revenue, cost_of_goods,
			operating_expenses, net_income)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (business_prospect_id, year) DO UPDATE
		SET annual_revenue = EXCLUDED.annual_revenue,
		    cost_of_goods = EXCLUDED.cost_of_goods,
		    operating_expenses = EXCLUDED.operating_expenses,
		    net_income = EXCLUDED.net_income
		RETURNING id, business_prospect_id, year, annual_revenue::float8, cost_of_goods::float8,
			operating_expenses::float8, net_income::float8, created_at`

	var saved HistoryEntry
	err := r.pool.QueryRow(ctx, query,
		entry.BusinessProspectID,
		entry.Year,
		entry.AnnualRevenue,
		entry.CostOfGoods,
		entry.OperatingExpenses,
		entry.NetIncome,
	).Scan(
		&saved.ID,
		&saved.BusinessProspectID,
		&saved.Year,
		&saved.AnnualRevenue,
		&saved.CostOfGoods,
		&saved.OperatingExpenses,
		&saved.NetIncome,
		&saved.CreatedAt,
	)
	if err != nil {
		return HistoryEntry{}, fmt.Errorf("presentation: upsert history: %w", err)
	}
	return saved, nil
}

func (r *PGRepository) History(ctx context.Context, businessID string) ([]HistoryEntry, error) {
	query := `
		SELECT id, business_prospect_id, year, annual_revenue::float8, cost_of_goods::float8,
			operating_expenses::float8, net_income::float8, created_at
		FROM business_financial_history
		WHERE business_prospect_id = $1
		ORDER BY year`
	rows, err := r.pool.Query(ctx, query, businessID)
	if err != nil {
		return nil, fmt.Errorf("presentation: history: %w", err)
	}
	defer rows.Close()

	out := make([]HistoryEntry, 0)
	for rows.Next() {
		var h HistoryEntry
		if err := rows.Scan(&h.ID, &h.BusinessProspectID, &h.Year, &h.AnnualRevenue, &h.CostOfGoods,
			&h.OperatingExpenses, &h.NetIncome, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("presentation: scan history: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
