package contact

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"agencyflow/action"
)

var ErrNotFound = action.NotFound("Contact not found")

type Repository interface {
	Create(ctx context.Context, c Contact) (Contact, error)
	Get(ctx context.Context, ownerID, id string) (Contact, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, ownerID, id string) (Contact, error)
	Update(ctx context.Context, ownerID, id string, req UpdateRequest) (Contact, error)
	SetTemperature(ctx context.Context, ownerID, id string, temp Temperature) (Contact, error)
	MarkConverted(ctx context.Context, tx pgx.Tx, id, prospectID string) (Contact, error)
	Delete(ctx context.Context, ownerID, id string) error
	List(ctx context.Context, ownerID string, filters Filters) ([]Contact, error)
}

// PGRepository scopes every statement to the owning agent.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const contactColumns = `id, organization_id, agent_id, first_name, last_name, email, phone, relationship, temperature,
	notes, converted_prospect_id, created_at, updated_at`

func (r *PGRepository) Create(ctx context.Context, c Contact) (Contact, error) {
	query := `
		INSERT INTO contacts (organization_id, agent_id, first_name, last_name, email, phone, relationship, temperature, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING ` + contactColumns

	created, err := scanContact(r.pool.QueryRow(ctx, query,
		c.OrganizationID, c.AgentID, c.FirstName, c.LastName, c.Email, c.Phone, c.Relationship, c.Temperature, c.Notes))
	if err != nil {
		return Contact{}, fmt.Errorf("contact: create: %w", err)
	}
	return created, nil
}

func (r *PGRepository) Get(ctx context.Context, ownerID, id string) (Contact, error) {
	query := `SELECT ` + contactColumns + ` FROM contacts WHERE id = $1 AND agent_id = $2`
	return r.one(ctx, r.pool, "get", query, id, ownerID)
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, ownerID, id string) (Contact, error) {
	query := `SELECT ` + contactColumns + ` FROM contacts WHERE id = $1 AND agent_id = $2 FOR UPDATE`
	return r.one(ctx, tx, "get for update", query, id, ownerID)
}

func (r *PGRepository) Update(ctx context.Context, ownerID, id string, req UpdateRequest) (Contact, error) {
	query := `
		UPDATE contacts
		SET first_name = COALESCE($3, first_name),
		    last_name = COALESCE($4, last_name),
		    email = COALESCE($5, email),
		    phone = COALESCE($6, phone),
		    relationship = COALESCE($7, relationship),
		    notes = COALESCE($8, notes),
		    updated_at = get_tx_timestamp()
		WHERE id = $1 AND agent_id = $2
		RETURNING ` + contactColumns
	return r.one(ctx, r.pool, "update", query, id, ownerID,
		req.FirstName, req.LastName, req.Email, req.Phone, req.Relationship, req.Notes)
}

func (r *PGRepository) SetTemperature(ctx context.Context, ownerID, id string, temp Temperature) (Contact, error) {
	query := `
		UPDATE contacts
		SET temperature = $3, updated_at = get_tx_timestamp()
		WHERE id = $1 AND agent_id = $2
		RETURNING ` + contactColumns
	return r.one(ctx, r.pool, "set temperature", query, id, ownerID, temp)
}

func (r *PGRepository) MarkConverted(ctx context.Context, tx pgx.Tx, id, prospectID string) (Contact, error) {
	query := `
		UPDATE contacts
		SET temperature = 'CONVERTED', converted_prospect_id = $2, updated_at = get_tx_timestamp()
		WHERE id = $1
		RETURNING ` + contactColumns
	return r.one(ctx, tx, "mark converted", query, id, prospectID)
}

func (r *PGRepository) Delete(ctx context.Context, ownerID, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM contacts WHERE id = $1 AND agent_id = $2`, id, ownerID)
	if err != nil {
		return fmt.Errorf("contact: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepository) List(ctx context.Context, ownerID string, filters Filters) ([]Contact, error) {
	query := `SELECT ` + contactColumns + ` FROM contacts WHERE agent_id = $1`
	args := []any{ownerID}
	if filters.Temperature != "" {
		args = append(args, filters.Temperature)
		query += fmt.Sprintf(" AND temperature = $%d", len(args))
	}
	if search := strings.TrimSpace(filters.Search); search != "" {
		args = append(args, "%"+search+"%")
		n := len(args)
		query += fmt.Sprintf(" AND (first_name ILIKE $%d OR last_name ILIKE $%d OR email ILIKE $%d OR phone ILIKE $%d)", n, n, n, n)
	}
	query += " ORDER BY created_at DESC"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("contact: list: %w", err)
	}
	defer rows.Close()

	out := make([]Contact, 0, 16)
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, fmt.Errorf("contact: scan: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("contact: iterate: %w", err)
	}
	return out, nil
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (r *PGRepository) one(ctx context.Context, q queryRower, op, query string, args ...any) (Contact, error) {
	c, err := scanContact(q.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Contact{}, ErrNotFound
		}
		return Contact{}, fmt.Errorf("contact: %s: %w", op, err)
	}
	return c, nil
}

func scanContact(row pgx.Row) (Contact, error) {
	var c Contact
	err := row.Scan(
		&c.ID,
		&c.OrganizationID,
		&c.AgentID,
		&c.FirstName,
		&c.LastName,
		&c.Email,
		&c.Phone,
		&c.Relationship,
		&c.Temperature,
		&c.Notes,
		&c.ConvertedProspectID,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	return c, err
}
