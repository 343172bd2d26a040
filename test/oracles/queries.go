package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Oracle is a query that must return no rows.
type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_single_transfer_per_agreement",
			SQL: `SELECT agreement_id, COUNT(*) FROM transactions
                  GROUP BY agreement_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_single_unresolved_attempt",
			SQL: `SELECT agreement_id, COUNT(*) FROM disbursement_attempts
                  WHERE state IN ('reserved','pending','indeterminate','confirmed')
                  GROUP BY agreement_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O3_settled_attempt_completes_agreement",
			SQL: `SELECT d.id, a.status FROM disbursement_attempts d
                  JOIN agreements a ON a.id = d.agreement_id
                  WHERE d.state = 'settled' AND (a.status <> 'completed' OR a.settled_at IS NULL)`,
		},
		{
			Name: "O4_transfer_has_settled_attempt",
			SQL: `SELECT t.tx_hash FROM transactions t
                  LEFT JOIN disbursement_attempts d
                         ON d.tx_hash = t.tx_hash AND d.state = 'settled' AND d.agreement_id = t.agreement_id
                  WHERE d.id IS NULL`,
		},
		{
			Name: "O5_transfer_matches_terms",
			SQL: `SELECT t.tx_hash, t.amount, a.amount FROM transactions t
                  JOIN agreements a ON a.id = t.agreement_id
                  WHERE t.amount <> a.amount`,
		},
		{
			Name: "O6_activation_follows_signatures",
			SQL: `SELECT id, status FROM agreements
                  WHERE (status = 'created') = (sponsor_signed_at IS NOT NULL AND beneficiary_signed_at IS NOT NULL)`,
		},
		{
			Name: "O7_milestone_seq_dense",
			SQL: `WITH seqs AS (
                      SELECT agreement_id, seq,
                             ROW_NUMBER() OVER (PARTITION BY agreement_id ORDER BY seq) AS rn
                      FROM milestones)
                  SELECT * FROM seqs WHERE seq <> rn`,
		},
		{
			Name: "O8_milestones_only_after_activation",
			SQL: `SELECT m.agreement_id, m.seq FROM milestones m
                  JOIN agreements a ON a.id = m.agreement_id
                  WHERE a.status = 'created'`,
		},
		{
			Name: "O9_reference_points_at_transfer",
			SQL: `SELECT a.id, a.settlement_ref FROM agreements a
                  WHERE a.settlement_ref LIKE '0x%'
                    AND NOT EXISTS (SELECT 1 FROM transactions t WHERE t.tx_hash = a.settlement_ref AND t.agreement_id = a.id)`,
		},
		{
			Name: "O10_outbox_drained",
			SQL: `SELECT id, topic, attempts FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
		{
			Name: "O11_agreement_guards_installed",
			SQL: `SELECT 'missing_agreement_guard' AS detail
                  WHERE (SELECT COUNT(*) FROM pg_trigger WHERE tgname IN ('agreements_guard_update','agreements_guard_delete')) < 2`,
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
