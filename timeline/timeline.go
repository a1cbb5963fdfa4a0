// Package timeline records the append-only activity history of a prospect.
package timeline

import (
	"context"
	"fmt"
	"time"

	"agencyflow/db"
)

// Activity types written by the domain services.
const (
	TypeCreated          = "PROSPECT_CREATED"
	TypeUpdated          = "PROSPECT_UPDATED"
	TypeStageChanged     = "STAGE_CHANGED"
	TypeStatusChanged    = "STATUS_CHANGED"
	TypeShared           = "PROSPECT_SHARED"
	TypeUnshared         = "PROSPECT_UNSHARED"
	TypeConverted        = "CONVERTED_FROM_CONTACT"
	TypeDisclosureSigned = "DISCLOSURE_SIGNED"
	TypeSigningLinkSent  = "SIGNING_LINK_CREATED"
	TypeMessageSent      = "MESSAGE_SENT"
	TypeMessageReceived  = "MESSAGE_RECEIVED"
)

type Activity struct {
	ID         string         `json:"id"`
	ProspectID string         `json:"prospectId"`
	ActorID    *string        `json:"actorId,omitempty"`
	Type       string         `json:"type"`
	Payload    map[string]any `json:"payload"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// Writer appends activities inside the caller's transaction.
type Writer struct{}

func NewWriter() *Writer {
	return &Writer{}
}

// Append inserts one activity row. actorID may be empty for system or
// public actors such as a prospect signing through a link.
func (w *Writer) Append(ctx context.Context, q db.DBTX, prospectID, actorID, activityType string, payload map[string]any) error {
	if payload == nil {
		payload = map[string]any{}
	}
	const insertSQL = `
		INSERT INTO prospect_activities (prospect_id, actor_id, type, payload)
		VALUES ($1, NULLIF($2, '')::uuid, $3, $4)
	`
	if _, err := q.Exec(ctx, insertSQL, prospectID, actorID, activityType, payload); err != nil {
		return fmt.Errorf("timeline: append %s: %w", activityType, err)
	}
	return nil
}

// List returns the newest activities first, capped at limit (default 50).
func (w *Writer) List(ctx context.Context, q db.DBTX, prospectID string, limit int) ([]Activity, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	const selectSQL = `
		SELECT id, prospect_id, actor_id, type, payload, created_at
		FROM prospect_activities
		WHERE prospect_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2
	`
	rows, err := q.Query(ctx, selectSQL, prospectID, limit)
	if err != nil {
		return nil, fmt.Errorf("timeline: list: %w", err)
	}
	defer rows.Close()

	list := []Activity{}
	for rows.Next() {
		var a Activity
		if err := rows.Scan(&a.ID, &a.ProspectID, &a.ActorID, &a.Type, &a.Payload, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("timeline: scan: %w", err)
		}
		list = append(list, a)
	}
	return list, rows.Err()
}
