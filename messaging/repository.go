package messaging

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
	ErrMessageNotFound  = action.NotFound("Message not found")
	ErrTemplateNotFound = action.NotFound("Template not found")
	ErrNoConversation   = action.NotFound("No conversation with this sender")
)

type Repository interface {
	InsertMessage(ctx context.Context, q db.DBTX, m Message) (Message, error)
	FinishMessage(ctx context.Context, q db.DBTX, id string, status Status, providerID, errMsg *string) (Message, error)
	UpdateStatusByProviderID(ctx context.Context, q db.DBTX, providerID string, status Status, errMsg *string) (Message, error)
	LatestOutboundTo(ctx context.Context, q db.DBTX, channel Channel, address string) (Message, error)
	List(ctx context.Context, filters Filters) ([]Message, error)
	ClaimIdempotency(ctx context.Context, q db.DBTX, key string) (bool, error)

	CreateTemplate(ctx context.Context, t Template) (Template, error)
	GetTemplate(ctx context.Context, orgID, id string) (Template, error)
	ListTemplates(ctx context.Context, orgID, agentID string) ([]Template, error)
	UpdateTemplate(ctx context.Context, id string, upd TemplateUpdate) (Template, error)
	DeleteTemplate(ctx context.Context, id string) error
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const messageColumns = `m.id, m.organization_id, m.agent_id, m.prospect_id, m.contact_id, m.channel, m.direction,
	m.to_address, m.from_address, m.subject, m.body, m.status, m.provider_message_id, m.error, m.template_id,
	m.created_at, m.updated_at`

func scanMessage(row pgx.Row) (Message, error) {
	var m Message
	err := row.Scan(
		&m.ID,
		&m.OrganizationID,
		&m.AgentID,
		&m.ProspectID,
		&m.ContactID,
		&m.Channel,
		&m.Direction,
		&m.To,
		&m.From,
		&m.Subject,
		&m.Body,
		&m.Status,
		&m.ProviderMessageID,
		&m.Error,
		&m.TemplateID,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	return m, err
}

func (r *PGRepository) InsertMessage(ctx context.Context, q db.DBTX, m Message) (Message, error) {
	query := `
		INSERT INTO messages AS m (organization_id, agent_id, prospect_id, contact_id, channel, direction,
			to_address, from_address, subject, body, status, provider_message_id, template_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING ` + messageColumns

	saved, err := scanMessage(q.QueryRow(ctx, query,
		m.OrganizationID,
		m.AgentID,
		m.ProspectID,
		m.ContactID,
		m.Channel,
		m.Direction,
		m.To,
		m.From,
		m.Subject,
		m.Body,
		m.Status,
		m.ProviderMessageID,
		m.TemplateID,
	))
	if err != nil {
		return Message{}, fmt.Errorf("messaging: insert message: %w", err)
	}
	return saved, nil
}

func (r *PGRepository) FinishMessage(ctx context.Context, q db.DBTX, id string, status Status, providerID, errMsg *string) (Message, error) {
	query := `
		UPDATE messages m
		SET status = $2, provider_message_id = $3, error = $4, updated_at = get_tx_timestamp()
		WHERE m.id = $1
		RETURNING ` + messageColumns
	m, err := scanMessage(q.QueryRow(ctx, query, id, status, providerID, errMsg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Message{}, ErrMessageNotFound
		}
		return Message{}, fmt.Errorf("messaging: finish message: %w", err)
	}
	return m, nil
}

// UpdateStatusByProviderID applies a delivery callback. A late SENT never
// overwrites a final DELIVERED or FAILED status.
func (r *PGRepository) UpdateStatusByProviderID(ctx context.Context, q db.DBTX, providerID string, status Status, errMsg *string) (Message, error) {
	query := `
		UPDATE messages m
		SET status = CASE WHEN m.status IN ('DELIVERED', 'FAILED') AND $2 = 'SENT' THEN m.status ELSE $2 END,
		    error = COALESCE($3, m.error),
		    updated_at = get_tx_timestamp()
		WHERE m.provider_message_id = $1 AND m.direction = 'OUTBOUND'
		RETURNING ` + messageColumns
	m, err := scanMessage(q.QueryRow(ctx, query, providerID, status, errMsg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Message{}, ErrMessageNotFound
		}
		return Message{}, fmt.Errorf("messaging: update status: %w", err)
	}
	return m, nil
}

func (r *PGRepository) LatestOutboundTo(ctx context.Context, q db.DBTX, channel Channel, address string) (Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages m
		WHERE m.channel = $1 AND m.direction = 'OUTBOUND' AND m.to_address = $2
		ORDER BY m.created_at DESC
		LIMIT 1`
	m, err := scanMessage(q.QueryRow(ctx, query, channel, address))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Message{}, ErrNoConversation
		}
		return Message{}, fmt.Errorf("messaging: latest outbound: %w", err)
	}
	return m, nil
}

func (r *PGRepository) List(ctx context.Context, f Filters) ([]Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages m
		WHERE m.agent_id = $1
		  AND ($2 = '' OR m.prospect_id = NULLIF($2, '')::uuid)
		  AND ($3 = '' OR m.contact_id = NULLIF($3, '')::uuid)
		  AND ($4 = '' OR m.channel = $4)
		  AND ($5 = '' OR m.status = $5)
		ORDER BY m.created_at DESC
		LIMIT $6`
	rows, err := r.pool.Query(ctx, query, f.AgentID, f.ProspectID, f.ContactID, string(f.Channel), string(f.Status), f.Limit)
	if err != nil {
		return nil, fmt.Errorf("messaging: list: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("messaging: scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ClaimIdempotency records key and reports whether this call was the first
// to do so.
func (r *PGRepository) ClaimIdempotency(ctx context.Context, q db.DBTX, key string) (bool, error) {
	tag, err := q.Exec(ctx, `INSERT INTO idempotency (key) VALUES ($1) ON CONFLICT (key) DO NOTHING`, key)
	if err != nil {
		return false, fmt.Errorf("messaging: claim idempotency: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

const templateColumns = `t.id, t.organization_id, t.agent_id, t.name, t.subject, t.body, t.category, t.created_at, t.updated_at`

func scanTemplate(row pgx.Row) (Template, error) {
	var t Template
	err := row.Scan(&t.ID, &t.OrganizationID, &t.AgentID, &t.Name, &t.Subject, &t.Body, &t.Category, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

func (r *PGRepository) CreateTemplate(ctx context.Context, t Template) (Template, error) {
	query := `
		INSERT INTO email_templates AS t (organization_id, agent_id, name, subject, body, category)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING ` + templateColumns
	saved, err := scanTemplate(r.pool.QueryRow(ctx, query, t.OrganizationID, t.AgentID, t.Name, t.Subject, t.Body, t.Category))
	if err != nil {
		return Template{}, fmt.Errorf("messaging: create template: %w", err)
	}
	return saved, nil
}

func (r *PGRepository) GetTemplate(ctx context.Context, orgID, id string) (Template, error) {
	query := `SELECT ` + templateColumns + ` FROM email_templates t WHERE t.id = $1 AND t.organization_id = $2`
	t, err := scanTemplate(r.pool.QueryRow(ctx, query, id, orgID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Template{}, ErrTemplateNotFound
		}
		return Template{}, fmt.Errorf("messaging: get template: %w", err)
	}
	return t, nil
}

func (r *PGRepository) ListTemplates(ctx context.Context, orgID, agentID string) ([]Template, error) {
	query := `SELECT ` + templateColumns + ` FROM email_templates t
		WHERE t.organization_id = $1 AND (t.agent_id IS NULL OR t.agent_id = $2)
		ORDER BY t.category NULLS LAST, t.name`
	rows, err := r.pool.Query(ctx, query, orgID, agentID)
	if err != nil {
		return nil, fmt.Errorf("messaging: list templates: %w", err)
	}
	defer rows.Close()

	out := make([]Template, 0)
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("messaging: scan template: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *PGRepository) UpdateTemplate(ctx context.Context, id string, upd TemplateUpdate) (Template, error) {
	query := `
		UPDATE email_templates t
		SET name = COALESCE($2, t.name),
		    subject = COALESCE($3, t.subject),
		    body = COALESCE($4, t.body),
		    category = COALESCE($5, t.category),
		    updated_at = get_tx_timestamp()
		WHERE t.id = $1
		RETURNING ` + templateColumns
	t, err := scanTemplate(r.pool.QueryRow(ctx, query, id, upd.Name, upd.Subject, upd.Body, upd.Category))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Template{}, ErrTemplateNotFound
		}
		return Template{}, fmt.Errorf("messaging: update template: %w", err)
	}
	return t, nil
}

func (r *PGRepository) DeleteTemplate(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM email_templates WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("messaging: delete template: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTemplateNotFound
	}
	return nil
}
