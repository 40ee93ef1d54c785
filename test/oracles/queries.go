package oracles

import (
	"context"
	"fmt"
	"strings"

	"conveyflow/milestone"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// catalogValues renders the default catalog as a VALUES list of
// (stage, position, progress).
func catalogValues() string {
	c := milestone.Default()
	rows := make([]string, 0, c.Len())
	for i, d := range c.Definitions() {
		rows = append(rows, fmt.Sprintf("('%s', %d, %d)",
			strings.ReplaceAll(d.Name, "'", "''"), i, milestone.Progress(i+1, c.Len())))
	}
	return "(VALUES " + strings.Join(rows, ", ") + ") AS catalog(stage, position, progress)"
}

func All() []Oracle {
	catalog := catalogValues()
	return []Oracle{
		{
			Name: "O1_stage_in_catalog",
			SQL: `SELECT t.id, t.current_stage FROM transactions t
                  WHERE t.current_stage IS NOT NULL
                    AND NOT EXISTS (SELECT 1 FROM ` + catalog + ` WHERE catalog.stage = t.current_stage)`,
		},
		{
			Name: "O2_progress_matches_stage",
			SQL: `SELECT t.id, t.current_stage, t.progress_percentage FROM transactions t
                  LEFT JOIN ` + catalog + ` ON catalog.stage = t.current_stage
                  WHERE t.progress_percentage <> COALESCE(catalog.progress, 0)`,
		},
		{
			Name: "O3_one_event_per_milestone",
			SQL: `WITH done AS (
                      SELECT transaction_id, COUNT(*) AS n,
                             COUNT(DISTINCT payload->>'milestone') AS distinct_n
                      FROM timeline_events WHERE type = 'MILESTONE_COMPLETED'
                      GROUP BY transaction_id)
                  SELECT t.id, done.n, catalog.position FROM transactions t
                  JOIN done ON done.transaction_id = t.id
                  LEFT JOIN ` + catalog + ` ON catalog.stage = t.current_stage
                  WHERE done.n <> COALESCE(catalog.position + 1, 0) OR done.n <> done.distinct_n`,
		},
		{
			Name: "O4_milestone_outbox_parity",
			SQL: `WITH events AS (
                      SELECT transaction_id::text AS tid, COUNT(*) AS n FROM timeline_events
                      WHERE type = 'MILESTONE_COMPLETED' GROUP BY transaction_id),
                  messages AS (
                      SELECT payload->>'transaction_id' AS tid, COUNT(*) AS n FROM outbox
                      WHERE topic = 'transaction.milestone_completed' GROUP BY payload->>'transaction_id')
                  SELECT COALESCE(events.tid, messages.tid), events.n, messages.n
                  FROM events FULL JOIN messages ON messages.tid = events.tid
                  WHERE events.n IS DISTINCT FROM messages.n`,
		},
		{
			Name: "O5_response_after_invite",
			SQL: `SELECT id, invited_at, responded_at FROM conveyancer_assignments
                  WHERE responded_at IS NOT NULL AND responded_at < invited_at`,
		},
		{
			Name: "O6_one_response_event_per_answer",
			SQL: `SELECT a.id, COUNT(e.id) FROM conveyancer_assignments a
                  LEFT JOIN timeline_events e
                    ON e.type = 'CONVEYANCER_RESPONDED' AND e.payload->>'assignment_id' = a.id::text
                  GROUP BY a.id, a.status
                  HAVING COUNT(e.id) <> CASE WHEN a.status = 'pending' THEN 0 ELSE 1 END`,
		},
		{
			Name: "O7_invite_stamps_party",
			SQL: `SELECT i.id, i.party FROM party_invites i
                  JOIN transactions t ON t.id = i.transaction_id
                  WHERE (i.party = 'seller' AND t.seller_invited_at IS NULL)
                     OR (i.party = 'buyer' AND t.buyer_invited_at IS NULL)`,
		},
		{
			Name: "O8_accepted_invite_complete",
			SQL: `SELECT id FROM party_invites
                  WHERE (status = 'accepted') <> (accepted_at IS NOT NULL AND account_id IS NOT NULL)`,
		},
		{
			Name: "O9_single_accept_event",
			SQL: `SELECT payload->>'invite_id', COUNT(*) FROM timeline_events
                  WHERE type = 'PARTY_INVITE_ACCEPTED'
                  GROUP BY payload->>'invite_id' HAVING COUNT(*) > 1`,
		},
		{
			Name: "O10_outbox_not_stuck",
			SQL: `SELECT id, topic FROM outbox
                  WHERE published_at IS NULL AND now() - created_at > interval '2 minutes'`,
		},
		{
			Name: "O11_responder_is_invitee",
			SQL: `SELECT a.id, a.email, e.actor_id FROM conveyancer_assignments a
                  JOIN timeline_events e
                    ON e.type = 'CONVEYANCER_RESPONDED' AND e.payload->>'assignment_id' = a.id::text
                  LEFT JOIN profiles p ON p.id = e.actor_id
                  WHERE p.email IS NULL OR lower(p.email) <> lower(a.email)`,
		},
		{
			Name: "O12_invites_by_owning_agent",
			SQL: `SELECT e.id, e.type, e.actor_id FROM timeline_events e
                  JOIN transactions t ON t.id = e.transaction_id
                  WHERE e.type IN ('CONVEYANCER_INVITED', 'PARTY_INVITED')
                    AND e.actor_id IS DISTINCT FROM t.agent_id`,
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
