package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All lists queries that must return no rows at any point in a run.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_unique_signature_per_version",
			SQL: `SELECT disclosure_id, signer_id, version, COUNT(*) FROM disclosure_signatures
                  GROUP BY disclosure_id, signer_id, version HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_signature_version_not_ahead",
			SQL: `SELECT s.id FROM disclosure_signatures s
                  JOIN disclosures d ON d.id = s.disclosure_id
                  WHERE s.version > d.version OR s.version < 1`,
		},
		{
			Name: "O3_signed_disclosure_never_hard_deleted",
			SQL: `SELECT s.id FROM disclosure_signatures s
                  LEFT JOIN disclosures d ON d.id = s.disclosure_id
                  WHERE d.id IS NULL`,
		},
		{
			Name: "O4_one_referral_code_per_agent",
			SQL: `SELECT referral_code, COUNT(*) FROM agents
                  WHERE referral_code IS NOT NULL
                  GROUP BY referral_code HAVING COUNT(*) > 1`,
		},
		{
			Name: "O5_view_only_never_changes_stage",
			SQL: `SELECT a.id FROM prospect_activities a
                  JOIN prospect_shares s ON s.prospect_id = a.prospect_id AND s.shared_with_id = a.actor_id
                  WHERE a.type = 'STAGE_CHANGED' AND s.can_edit = false`,
		},
		{
			Name: "O6_signed_event_per_prospect_signature",
			SQL: `SELECT s.id FROM disclosure_signatures s
                  WHERE s.prospect_id IS NOT NULL
                    AND NOT EXISTS (
                        SELECT 1 FROM outbox o
                        WHERE o.topic = 'disclosure.signed'
                          AND o.payload->>'signature_id' = s.id::text)`,
		},
		{
			Name: "O7_outbox_not_stuck",
			SQL: `SELECT id FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
