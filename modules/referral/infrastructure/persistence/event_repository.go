package persistence

import (
	"context"

	"github.com/google/uuid"

	"github.com/uplinehq/upline/modules/referral/domain/events"
	"github.com/uplinehq/upline/pkg/composables"
)

func (r *TreeRepository) InsertEvent(ctx context.Context, tenantID uuid.UUID, ev events.TreeEventV1) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
INSERT INTO referral_events (id, event_version, tenant_id, tree_id, event_type, node_id, affected_node_ids, occurred_at, payload)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb)
`,
		pgUUID(ev.EventID),
		ev.EventVersion,
		pgUUID(tenantID),
		pgUUID(ev.TreeID),
		ev.Type,
		pgUUID(ev.NodeID),
		pgUUIDArray(ev.AffectedNodeIDs),
		ev.OccurredAt,
		string(ev.Payload),
	)
	return err
}

func (r *TreeRepository) ListEvents(ctx context.Context, tenantID, treeID uuid.UUID, limit int) ([]events.TreeEventV1, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `
SELECT id, event_version, tenant_id, tree_id, event_type, node_id, affected_node_ids, occurred_at, payload
FROM referral_events
WHERE tenant_id = $1 AND tree_id = $2
ORDER BY occurred_at DESC, id DESC
LIMIT $3
`, pgUUID(tenantID), pgUUID(treeID), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []events.TreeEventV1
	for rows.Next() {
		var (
			ev       events.TreeEventV1
			affected []uuid.UUID
			payload  []byte
		)
		if err := rows.Scan(&ev.EventID, &ev.EventVersion, &ev.TenantID, &ev.TreeID, &ev.Type, &ev.NodeID, &affected, &ev.OccurredAt, &payload); err != nil {
			return nil, err
		}
		ev.AffectedNodeIDs = affected
		ev.Payload = payload
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (r *TreeRepository) CountEventsTouching(ctx context.Context, tenantID, nodeID uuid.UUID, excludeTypes []string) (int, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return 0, err
	}
	var count int
	if err := tx.QueryRow(ctx, `
SELECT count(*) FROM referral_events
WHERE tenant_id = $1
  AND $2 = ANY(affected_node_ids)
  AND NOT (event_type = ANY($3))
`, pgUUID(tenantID), pgUUID(nodeID), excludeTypes).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}
