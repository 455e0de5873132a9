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

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_version_matches_audit",
			SQL: `SELECT b.id, b.version, COALESCE(MAX(a.seq),0) AS max_seq
                  FROM bookings b
                  LEFT JOIN booking_audit a ON a.booking_id = b.id
                  GROUP BY b.id, b.version
                  HAVING b.version <> COALESCE(MAX(a.seq),0)`,
		},
		{
			Name: "O2_audit_seq_gapless",
			SQL: `WITH seqs AS (
                      SELECT booking_id, seq,
                             LAG(seq) OVER (PARTITION BY booking_id ORDER BY seq) AS prev
                      FROM booking_audit)
                  SELECT * FROM seqs WHERE COALESCE(prev, 0) <> seq - 1`,
		},
		{
			Name: "O3_no_transition_out_of_terminal",
			SQL: `SELECT * FROM booking_audit
                  WHERE from_status IN ('NO_SHOW','REFUNDED')
                     OR (from_status = 'CANCELLED' AND to_status <> 'REFUNDED')`,
		},
		{
			Name: "O4_no_committed_in_flight_ledger_rows",
			SQL: `SELECT provider, event_id FROM processed_events
                  WHERE outcome NOT IN ('applied','noop','ignored','unmatched')`,
		},
		{
			Name: "O5_correlation_keys_unique",
			SQL: `SELECT external_scheduling_id, COUNT(*) FROM bookings
                  WHERE external_scheduling_id IS NOT NULL
                  GROUP BY external_scheduling_id HAVING COUNT(*) > 1
                  UNION ALL
                  SELECT external_payment_id, COUNT(*) FROM bookings
                  WHERE external_payment_id IS NOT NULL
                  GROUP BY external_payment_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O6_confirmed_paid_has_payment_intent",
			SQL: `SELECT id FROM bookings
                  WHERE status = 'CONFIRMED'
                    AND amount_cents IS NOT NULL AND amount_cents > 0
                    AND (external_payment_id IS NULL OR payment_intent_ref IS NULL)`,
		},
		{
			Name: "O7_refund_intent_at_most_once",
			SQL: `SELECT booking_id, COUNT(*) FROM intent_outbox
                  WHERE kind = 'INITIATE_REFUND'
                  GROUP BY booking_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O8_intent_attempts_within_budget",
			SQL: `SELECT id, status, attempts FROM intent_outbox
                  WHERE (status = 'processed' AND attempts = 0)
                     OR (status = 'dead' AND attempts = 0)
                     OR attempts < 0`,
		},
		{
			Name: "O9_applied_ledger_rows_name_a_booking",
			SQL: `SELECT provider, event_id FROM processed_events
                  WHERE outcome = 'applied' AND booking_id IS NULL`,
		},
		{
			Name: "O10_unmatched_events_never_applied",
			SQL: `SELECT u.provider, u.event_id FROM unmatched_events u
                  JOIN processed_events p
                    ON p.provider = u.provider AND p.event_id = u.event_id
                  WHERE u.status = 'pending'`,
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
