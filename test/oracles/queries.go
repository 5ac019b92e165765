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
			Name: "O1_enrollment_unique",
			SQL: `SELECT campaign_id, contact_id, COUNT(*) FROM campaign_contacts
                  GROUP BY campaign_id, contact_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_budget_ceiling",
			SQL: `SELECT b.account_id, b.day, b.kind, b.used FROM rate_budgets b
                  JOIN automation_accounts a ON a.id = b.account_id
                  WHERE (b.kind = 'visits'   AND a.daily_visits   > 0 AND b.used > a.daily_visits)
                     OR (b.kind = 'invites'  AND a.daily_invites  > 0 AND b.used > a.daily_invites)
                     OR (b.kind = 'messages' AND a.daily_messages > 0 AND b.used > a.daily_messages)
                     OR (b.kind = 'enrolls'  AND a.daily_enrolls  > 0 AND b.used > a.daily_enrolls)`,
		},
		{
			Name: "O3_step_within_sequence",
			SQL: `SELECT cc.id, cc.status, cc.sequence_step FROM campaign_contacts cc
                  WHERE cc.sequence_step >
                        (SELECT COUNT(*) FROM campaign_steps cs WHERE cs.campaign_id = cc.campaign_id)`,
		},
		{
			Name: "O4_single_live_request_per_step",
			SQL: `SELECT enrollment_id, step_no, COUNT(*) FROM action_requests
                  WHERE status <> 'dead'
                  GROUP BY enrollment_id, step_no HAVING COUNT(*) > 1`,
		},
		{
			Name: "O5_event_never_lost",
			SQL: `SELECT id, event_key, attempts FROM webhook_events
                  WHERE processed = false AND needs_review = false
                    AND next_retry_at IS NULL
                    AND now() - received_at > interval '5 minutes'`,
		},
		{
			Name: "O6_processed_terminal",
			SQL: `SELECT id, event_key FROM webhook_events
                  WHERE processed = true AND (next_retry_at IS NOT NULL OR needs_review = true)`,
		},
		{
			Name: "O7_blacklist_freeze",
			SQL: `SELECT ar.id, ar.created_at, cc.blacklisted_at FROM action_requests ar
                  JOIN campaign_contacts cc ON cc.id = ar.enrollment_id
                  WHERE cc.status = 'blacklisted'
                    AND cc.blacklisted_at IS NOT NULL
                    AND ar.created_at > cc.blacklisted_at`,
		},
		{
			Name: "O8_dead_attempt_floor",
			SQL:  `SELECT id, attempts FROM action_requests WHERE status = 'dead' AND attempts < 5`,
		},
		{
			Name: "O9_reply_has_ledger_entry",
			SQL: `SELECT cc.id FROM campaign_contacts cc
                  WHERE cc.status = 'replied'
                    AND NOT EXISTS (SELECT 1 FROM messages m
                                    WHERE m.enrollment_id = cc.id AND m.direction = 'received')`,
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
