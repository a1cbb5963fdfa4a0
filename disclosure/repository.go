package disclosure

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"agencyflow/action"
	"agencyflow/db"
)

var (
	ErrNotFound        = action.NotFound("Disclosure not found")
	ErrAlreadySigned   = action.Conflict("Already signed this version")
	ErrVersionConflict = action.Conflict("Disclosure was modified concurrently, reload and try again")
	ErrLinkNotFound    = action.NotFound("Signing link not found")
	ErrHasSignatures   = errors.New("disclosure: has signatures")
)

type Repository interface {
	Create(ctx context.Context, q db.DBTX, d Disclosure) (Disclosure, error)
	Get(ctx context.Context, orgID, id string) (Disclosure, error)
	GetMany(ctx context.Context, orgID string, ids []string) ([]Disclosure, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, orgID, id string) (Disclosure, error)
	GetForShare(ctx context.Context, tx pgx.Tx, orgID, id string) (Disclosure, error)
	Update(ctx context.Context, tx pgx.Tx, id string, expectedVersion, newVersion int, req UpdateRequest) (Disclosure, error)
	CountSignatures(ctx context.Context, q db.DBTX, id string) (int, error)
	HardDelete(ctx context.Context, tx pgx.Tx, id string) error
	SoftDelete(ctx context.Context, tx pgx.Tx, id string) error
	List(ctx context.Context, orgID, agentID string, filters Filters) ([]Disclosure, error)

	InsertSignature(ctx context.Context, tx pgx.Tx, sig Signature) (Signature, error)
	ListSignaturesForProspect(ctx context.Context, prospectID string) ([]Signature, error)
	SignedCurrentVersions(ctx context.Context, q db.DBTX, signerID string, disclosureIDs []string) (map[string]bool, error)

	InsertLink(ctx context.Context, q db.DBTX, link SigningLink, tokenHash string) (SigningLink, error)
	GetLink(ctx context.Context, orgID, id string) (SigningLink, error)
	GetLinkByHash(ctx context.Context, q db.DBTX, tokenHash string) (SigningLink, error)
	RevokeLink(ctx context.Context, id string) (SigningLink, error)
	CompleteLink(ctx context.Context, q db.DBTX, id string) error
	DeleteExpiredLinks(ctx context.Context, before time.Time) (int64, error)
	LinkParties(ctx context.Context, link SigningLink) (LinkParties, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const disclosureColumns = `d.id, d.organization_id, d.agent_id, d.title, d.description, d.content, d.version,
	d.required_for, d.requires_signature, d.is_active, d.created_at, d.updated_at`

func scanDisclosure(row pgx.Row) (Disclosure, error) {
	var d Disclosure
	err := row.Scan(
		&d.ID,
		&d.OrganizationID,
		&d.AgentID,
		&d.Title,
		&d.Description,
		&d.Content,
		&d.Version,
		&d.RequiredFor,
		&d.RequiresSignature,
		&d.IsActive,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if d.RequiredFor == nil {
		d.RequiredFor = []string{}
	}
	return d, err
}

func (r *PGRepository) Create(ctx context.Context, q db.DBTX, d Disclosure) (Disclosure, error) {
	query := `
		INSERT INTO disclosures AS d (id, organization_id, agent_id, title, description, content, version,
			required_for, requires_signature, is_active)
		VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, $5, $6, 1, $7, $8, TRUE)
		RETURNING ` + disclosureColumns

	created, err := scanDisclosure(q.QueryRow(ctx, query,
		d.ID,
		d.OrganizationID,
		d.AgentID,
		d.Title,
		d.Description,
		d.Content,
		d.RequiredFor,
		d.RequiresSignature,
	))
	if err != nil {
		return Disclosure{}, fmt.Errorf("disclosure: create: %w", err)
	}
	return created, nil
}

func (r *PGRepository) Get(ctx context.Context, orgID, id string) (Disclosure, error) {
	query := `SELECT ` + disclosureColumns + ` FROM disclosures d WHERE d.id = $1 AND d.organization_id = $2`
	return r.getOne(ctx, r.pool, "get", query, id, orgID)
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, orgID, id string) (Disclosure, error) {
	query := `SELECT ` + disclosureColumns + ` FROM disclosures d WHERE d.id = $1 AND d.organization_id = $2 FOR UPDATE`
	return r.getOne(ctx, tx, "get for update", query, id, orgID)
}

// GetForShare locks the row against content edits while a signature is
// snapshotted from it.
func (r *PGRepository) GetForShare(ctx context.Context, tx pgx.Tx, orgID, id string) (Disclosure, error) {
	query := `SELECT ` + disclosureColumns + ` FROM disclosures d WHERE d.id = $1 AND d.organization_id = $2 FOR SHARE`
	return r.getOne(ctx, tx, "get for share", query, id, orgID)
}

func (r *PGRepository) getOne(ctx context.Context, q db.DBTX, op, query string, args ...any) (Disclosure, error) {
	d, err := scanDisclosure(q.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Disclosure{}, ErrNotFound
		}
		return Disclosure{}, fmt.Errorf("disclosure: %s: %w", op, err)
	}
	return d, nil
}

func (r *PGRepository) GetMany(ctx context.Context, orgID string, ids []string) ([]Disclosure, error) {
	query := `SELECT ` + disclosureColumns + ` FROM disclosures d
		WHERE d.organization_id = $1 AND d.id = ANY($2::uuid[])
		ORDER BY d.title`
	return r.list(ctx, "get many", query, orgID, ids)
}

// Update applies req only if the row is still at expectedVersion.
func (r *PGRepository) Update(ctx context.Context, tx pgx.Tx, id string, expectedVersion, newVersion int, req UpdateRequest) (Disclosure, error) {
	query := `
		UPDATE disclosures d
		SET title = COALESCE($4, d.title),
		    description = COALESCE($5, d.description),
		    content = COALESCE($6, d.content),
		    required_for = COALESCE($7, d.required_for),
		    requires_signature = COALESCE($8, d.requires_signature),
		    is_active = COALESCE($9, d.is_active),
		    version = $3,
		    updated_at = get_tx_timestamp()
		WHERE d.id = $1 AND d.version = $2
		RETURNING ` + disclosureColumns

	var requiredFor []string
	if req.RequiredFor != nil {
		requiredFor = *req.RequiredFor
		if requiredFor == nil {
			requiredFor = []string{}
		}
	}

	d, err := scanDisclosure(tx.QueryRow(ctx, query,
		id,
		expectedVersion,
		newVersion,
		req.Title,
		req.Description,
		req.Content,
		requiredFor,
		req.RequiresSignature,
		req.IsActive,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Disclosure{}, ErrVersionConflict
		}
		return Disclosure{}, fmt.Errorf("disclosure: update: %w", err)
	}
	return d, nil
}

func (r *PGRepository) CountSignatures(ctx context.Context, q db.DBTX, id string) (int, error) {
	var n int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM disclosure_signatures WHERE disclosure_id = $1`, id).Scan(&n); err != nil {
		return 0, fmt.Errorf("disclosure: count signatures: %w", err)
	}
	return n, nil
}

// HardDelete runs inside a savepoint so that a signature racing the delete
// leaves tx usable for the soft-delete fallback.
func (r *PGRepository) HardDelete(ctx context.Context, tx pgx.Tx, id string) error {
	sp, err := tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("disclosure: savepoint: %w", err)
	}
	defer sp.Rollback(ctx)

	if _, err := sp.Exec(ctx, `DELETE FROM disclosures WHERE id = $1`, id); err != nil {
		if db.IsForeignKeyViolation(err) {
			return ErrHasSignatures
		}
		return fmt.Errorf("disclosure: delete: %w", err)
	}
	if err := sp.Commit(ctx); err != nil {
		return fmt.Errorf("disclosure: release savepoint: %w", err)
	}
	return nil
}

func (r *PGRepository) SoftDelete(ctx context.Context, tx pgx.Tx, id string) error {
	tag, err := tx.Exec(ctx, `UPDATE disclosures SET is_active = FALSE, updated_at = get_tx_timestamp() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("disclosure: soft delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepository) List(ctx context.Context, orgID, agentID string, filters Filters) ([]Disclosure, error) {
	query := `SELECT ` + disclosureColumns + ` FROM disclosures d
		WHERE d.organization_id = $1
		  AND (d.agent_id IS NULL OR d.agent_id = $2)
		  AND ($3::bool = FALSE OR d.is_active)
		  AND ($4 = '' OR $4 = ANY(d.required_for))
		ORDER BY d.agent_id NULLS FIRST, d.title`
	return r.list(ctx, "list", query, orgID, agentID, filters.ActiveOnly, filters.Product)
}

func (r *PGRepository) list(ctx context.Context, op, query string, args ...any) ([]Disclosure, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("disclosure: %s: %w", op, err)
	}
	defer rows.Close()

	out := make([]Disclosure, 0)
	for rows.Next() {
		d, err := scanDisclosure(rows)
		if err != nil {
			return nil, fmt.Errorf("disclosure: %s scan: %w", op, err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("disclosure: %s rows: %w", op, err)
	}
	return out, nil
}

const signatureColumns = `s.id, s.disclosure_id, s.signer_type, s.signer_id, s.prospect_id, s.version,
	s.content_snapshot, s.title_snapshot, s.signer_name, s.ip_address, s.user_agent, s.signed_at`

func scanSignature(row pgx.Row) (Signature, error) {
	var s Signature
	err := row.Scan(
		&s.ID,
		&s.DisclosureID,
		&s.SignerType,
		&s.SignerID,
		&s.ProspectID,
		&s.Version,
		&s.ContentSnapshot,
		&s.TitleSnapshot,
		&s.SignerName,
		&s.IPAddress,
		&s.UserAgent,
		&s.SignedAt,
	)
	return s, err
}

// InsertSignature stores sig unless the signer already signed that version.
func (r *PGRepository) InsertSignature(ctx context.Context, tx pgx.Tx, sig Signature) (Signature, error) {
	query := `
		INSERT INTO disclosure_signatures AS s (disclosure_id, signer_type, signer_id, prospect_id, version,
			content_snapshot, title_snapshot, signer_name, ip_address, user_agent, signed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, get_tx_timestamp())
		ON CONFLICT ON CONSTRAINT disclosure_signatures_unique_version DO NOTHING
		RETURNING ` + signatureColumns

	saved, err := scanSignature(tx.QueryRow(ctx, query,
		sig.DisclosureID,
		sig.SignerType,
		sig.SignerID,
		sig.ProspectID,
		sig.Version,
		sig.ContentSnapshot,
		sig.TitleSnapshot,
		sig.SignerName,
		sig.IPAddress,
		sig.UserAgent,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Signature{}, ErrAlreadySigned
		}
		if db.IsForeignKeyViolation(err) {
			return Signature{}, ErrNotFound
		}
		return Signature{}, fmt.Errorf("disclosure: insert signature: %w", err)
	}
	return saved, nil
}

func (r *PGRepository) ListSignaturesForProspect(ctx context.Context, prospectID string) ([]Signature, error) {
	query := `SELECT ` + signatureColumns + ` FROM disclosure_signatures s
		WHERE s.prospect_id = $1
		ORDER BY s.signed_at DESC`
	rows, err := r.pool.Query(ctx, query, prospectID)
	if err != nil {
		return nil, fmt.Errorf("disclosure: list signatures: %w", err)
	}
	defer rows.Close()

	out := make([]Signature, 0)
	for rows.Next() {
		s, err := scanSignature(rows)
		if err != nil {
			return nil, fmt.Errorf("disclosure: scan signature: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// SignedCurrentVersions reports which of disclosureIDs signerID has signed at
// the disclosure's current version.
func (r *PGRepository) SignedCurrentVersions(ctx context.Context, q db.DBTX, signerID string, disclosureIDs []string) (map[string]bool, error) {
	query := `
		SELECT s.disclosure_id::text
		FROM disclosure_signatures s
		JOIN disclosures d ON d.id = s.disclosure_id AND d.version = s.version
		WHERE s.signer_id = $1 AND s.disclosure_id = ANY($2::uuid[])`
	rows, err := q.Query(ctx, query, signerID, disclosureIDs)
	if err != nil {
		return nil, fmt.Errorf("disclosure: signed versions: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool, len(disclosureIDs))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("disclosure: scan signed version: %w", err)
		}
		out[id] = true
	}
	return out, rows.Err()
}

const linkColumns = `l.id, l.organization_id, l.agent_id, l.prospect_id, l.disclosure_ids::text[],
	l.expires_at, l.revoked_at, l.completed_at, l.created_at`

func scanLink(row pgx.Row) (SigningLink, error) {
	var l SigningLink
	err := row.Scan(
		&l.ID,
		&l.OrganizationID,
		&l.AgentID,
		&l.ProspectID,
		&l.DisclosureIDs,
		&l.ExpiresAt,
		&l.RevokedAt,
		&l.CompletedAt,
		&l.CreatedAt,
	)
	return l, err
}

func (r *PGRepository) InsertLink(ctx context.Context, q db.DBTX, link SigningLink, tokenHash string) (SigningLink, error) {
	query := `
		INSERT INTO signing_links AS l (token_hash, organization_id, agent_id, prospect_id, disclosure_ids, expires_at)
		VALUES ($1, $2, $3, $4, $5::uuid[], $6)
		RETURNING ` + linkColumns
	saved, err := scanLink(q.QueryRow(ctx, query,
		tokenHash,
		link.OrganizationID,
		link.AgentID,
		link.ProspectID,
		link.DisclosureIDs,
		link.ExpiresAt,
	))
	if err != nil {
		return SigningLink{}, fmt.Errorf("disclosure: insert link: %w", err)
	}
	return saved, nil
}

func (r *PGRepository) GetLink(ctx context.Context, orgID, id string) (SigningLink, error) {
	query := `SELECT ` + linkColumns + ` FROM signing_links l WHERE l.id = $1 AND l.organization_id = $2`
	l, err := scanLink(r.pool.QueryRow(ctx, query, id, orgID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SigningLink{}, ErrLinkNotFound
		}
		return SigningLink{}, fmt.Errorf("disclosure: get link: %w", err)
	}
	return l, nil
}

func (r *PGRepository) GetLinkByHash(ctx context.Context, q db.DBTX, tokenHash string) (SigningLink, error) {
	query := `SELECT ` + linkColumns + ` FROM signing_links l WHERE l.token_hash = $1`
	l, err := scanLink(q.QueryRow(ctx, query, tokenHash))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SigningLink{}, ErrLinkNotFound
		}
		return SigningLink{}, fmt.Errorf("disclosure: get link by hash: %w", err)
	}
	return l, nil
}

func (r *PGRepository) RevokeLink(ctx context.Context, id string) (SigningLink, error) {
	query := `
		UPDATE signing_links l
		SET revoked_at = COALESCE(l.revoked_at, now())
		WHERE l.id = $1
		RETURNING ` + linkColumns
	l, err := scanLink(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SigningLink{}, ErrLinkNotFound
		}
		return SigningLink{}, fmt.Errorf("disclosure: revoke link: %w", err)
	}
	return l, nil
}

func (r *PGRepository) CompleteLink(ctx context.Context, q db.DBTX, id string) error {
	if _, err := q.Exec(ctx, `UPDATE signing_links SET completed_at = COALESCE(completed_at, now()) WHERE id = $1`, id); err != nil {
		return fmt.Errorf("disclosure: complete link: %w", err)
	}
	return nil
}

func (r *PGRepository) DeleteExpiredLinks(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM signing_links WHERE expires_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("disclosure: delete expired links: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *PGRepository) LinkParties(ctx context.Context, link SigningLink) (LinkParties, error) {
	query := `
		SELECT p.first_name || ' ' || p.last_name, a.full_name
		FROM prospects p, agents a
		WHERE p.id = $1 AND a.id = $2`
	var parties LinkParties
	if err := r.pool.QueryRow(ctx, query, link.ProspectID, link.AgentID).Scan(&parties.ProspectName, &parties.AgentName); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return LinkParties{}, ErrLinkNotFound
		}
		return LinkParties{}, fmt.Errorf("disclosure: link parties: %w", err)
	}
	return parties, nil
}
