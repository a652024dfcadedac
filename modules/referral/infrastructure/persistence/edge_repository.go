package persistence

import (
	"context"

	"github.com/google/uuid"

	"github.com/uplinehq/upline/modules/referral/services"
	"github.com/uplinehq/upline/pkg/composables"
)

func (r *TreeRepository) InsertEdge(ctx context.Context, tenantID uuid.UUID, in services.EdgeInsert) (uuid.UUID, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return uuid.Nil, err
	}

	var id uuid.UUID
	if err := tx.QueryRow(ctx, `
INSERT INTO referral_edges (tenant_id, tree_id, parent_id, child_id, relation_type)
VALUES ($1, $2, $3, $4, $5)
RETURNING id
`, pgUUID(tenantID), pgUUID(in.TreeID), pgUUID(in.ParentID), pgUUID(in.ChildID), in.RelationType).Scan(&id); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// InvalidateEdgesTo demotes every valid edge into the child to historical.
// Rows stay behind as lineage records.
func (r *TreeRepository) InvalidateEdgesTo(ctx context.Context, tenantID, childID uuid.UUID) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
UPDATE referral_edges
SET is_valid = false, relation_type = $3, invalidated_at = now()
WHERE tenant_id = $1 AND child_id = $2 AND is_valid
`, pgUUID(tenantID), pgUUID(childID), services.RelationHistorical)
	return err
}
