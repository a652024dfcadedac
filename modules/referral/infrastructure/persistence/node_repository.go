package persistence

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/uplinehq/upline/modules/referral/services"
	"github.com/uplinehq/upline/pkg/composables"
)

const nodeColumns = `id, tenant_id, tree_id, subject_id, parent_id, level, position, path, is_active, is_leaf, created_at`

func scanNodeRow(row pgx.Row) (services.NodeRow, error) {
	var (
		out    services.NodeRow
		parent pgtype.UUID
	)
	if err := row.Scan(&out.ID, &out.TenantID, &out.TreeID, &out.SubjectID, &parent, &out.Level, &out.Position, &out.Path, &out.IsActive, &out.IsLeaf, &out.CreatedAt); err != nil {
		return services.NodeRow{}, err
	}
	if parent.Valid {
		pid := uuid.UUID(parent.Bytes)
		out.ParentID = &pid
	}
	return out, nil
}

func (r *TreeRepository) InsertNode(ctx context.Context, tenantID uuid.UUID, in services.NodeInsert) (uuid.UUID, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return uuid.Nil, err
	}

	var id uuid.UUID
	if err := tx.QueryRow(ctx, `
INSERT INTO referral_nodes (tenant_id, tree_id, subject_id, parent_id, level, position, path, is_leaf)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING id
`,
		pgUUID(tenantID),
		pgUUID(in.TreeID),
		pgUUID(in.SubjectID),
		pgNullableUUID(in.ParentID),
		in.Level,
		in.Position,
		in.Path,
		in.IsLeaf,
	).Scan(&id); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

func (r *TreeRepository) GetNode(ctx context.Context, tenantID, nodeID uuid.UUID) (services.NodeRow, bool, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return services.NodeRow{}, false, err
	}

	rows, err := tx.Query(ctx, `
SELECT `+nodeColumns+`
FROM referral_nodes
WHERE tenant_id = $1 AND id = $2
`, pgUUID(tenantID), pgUUID(nodeID))
	if err != nil {
		return services.NodeRow{}, false, err
	}
	defer rows.Close()

	if !rows.Next() {
		return services.NodeRow{}, false, rows.Err()
	}
	out, err := scanNodeRow(rows)
	if err != nil {
		return services.NodeRow{}, false, err
	}
	return out, true, nil
}

func (r *TreeRepository) FindRootOf(ctx context.Context, tenantID, treeID uuid.UUID) (services.NodeRow, bool, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return services.NodeRow{}, false, err
	}

	rows, err := tx.Query(ctx, `
SELECT `+nodeColumns+`
FROM referral_nodes
WHERE tenant_id = $1 AND tree_id = $2 AND parent_id IS NULL AND is_active
`, pgUUID(tenantID), pgUUID(treeID))
	if err != nil {
		return services.NodeRow{}, false, err
	}
	defer rows.Close()

	if !rows.Next() {
		return services.NodeRow{}, false, rows.Err()
	}
	out, err := scanNodeRow(rows)
	if err != nil {
		return services.NodeRow{}, false, err
	}
	return out, true, nil
}

func (r *TreeRepository) HasActiveSubject(ctx context.Context, tenantID, treeID, subjectID uuid.UUID) (bool, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return false, err
	}
	var exists bool
	if err := tx.QueryRow(ctx, `
SELECT EXISTS(
	SELECT 1 FROM referral_nodes
	WHERE tenant_id = $1 AND tree_id = $2 AND subject_id = $3 AND is_active
)
`, pgUUID(tenantID), pgUUID(treeID), pgUUID(subjectID)).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func (r *TreeRepository) FindChildren(ctx context.Context, tenantID, parentID uuid.UUID) ([]services.NodeRow, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `
SELECT `+nodeColumns+`
FROM referral_nodes
WHERE tenant_id = $1 AND parent_id = $2 AND is_active
ORDER BY position ASC
`, pgUUID(tenantID), pgUUID(parentID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []services.NodeRow
	for rows.Next() {
		node, err := scanNodeRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, node)
	}
	return out, rows.Err()
}

func (r *TreeRepository) CountActiveChildren(ctx context.Context, tenantID, parentID uuid.UUID) (int, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return 0, err
	}
	var count int
	if err := tx.QueryRow(ctx, `
SELECT count(*) FROM referral_nodes
WHERE tenant_id = $1 AND parent_id = $2 AND is_active
`, pgUUID(tenantID), pgUUID(parentID)).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (r *TreeRepository) NextChildPosition(ctx context.Context, tenantID, parentID uuid.UUID) (int, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return 0, err
	}
	var next int
	if err := tx.QueryRow(ctx, `
SELECT COALESCE(MAX(position) + 1, 0) FROM referral_nodes
WHERE tenant_id = $1 AND parent_id = $2 AND is_active
`, pgUUID(tenantID), pgUUID(parentID)).Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
}

func (r *TreeRepository) ListActiveNodes(ctx context.Context, tenantID, treeID uuid.UUID) ([]services.NodeRow, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `
SELECT `+nodeColumns+`
FROM referral_nodes
WHERE tenant_id = $1 AND tree_id = $2 AND is_active
ORDER BY level ASC, position ASC
`, pgUUID(tenantID), pgUUID(treeID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]services.NodeRow, 0, 64)
	for rows.Next() {
		node, err := scanNodeRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, node)
	}
	return out, rows.Err()
}

func (r *TreeRepository) CountNodesCreatedSince(ctx context.Context, tenantID, treeID uuid.UUID, since time.Time) (int, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return 0, err
	}
	var count int
	if err := tx.QueryRow(ctx, `
SELECT count(*) FROM referral_nodes
WHERE tenant_id = $1 AND tree_id = $2 AND created_at > $3
`, pgUUID(tenantID), pgUUID(treeID), since).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (r *TreeRepository) SetNodeParent(ctx context.Context, tenantID, nodeID, parentID uuid.UUID, level, position int, path string) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
UPDATE referral_nodes
SET parent_id = $3, level = $4, position = $5, path = $6
WHERE tenant_id = $1 AND id = $2
`, pgUUID(tenantID), pgUUID(nodeID), pgUUID(parentID), level, position, path)
	return err
}

func (r *TreeRepository) SetNodePath(ctx context.Context, tenantID, nodeID uuid.UUID, level, position int, path string) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
UPDATE referral_nodes
SET level = $3, position = $4, path = $5
WHERE tenant_id = $1 AND id = $2
`, pgUUID(tenantID), pgUUID(nodeID), level, position, path)
	return err
}

func (r *TreeRepository) SetNodeLeaf(ctx context.Context, tenantID, nodeID uuid.UUID, leaf bool) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
UPDATE referral_nodes
SET is_leaf = $3
WHERE tenant_id = $1 AND id = $2
`, pgUUID(tenantID), pgUUID(nodeID), leaf)
	return err
}

func (r *TreeRepository) DeactivateNode(ctx context.Context, tenantID, nodeID uuid.UUID) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
UPDATE referral_nodes
SET is_active = false, removed_at = now()
WHERE tenant_id = $1 AND id = $2
`, pgUUID(tenantID), pgUUID(nodeID))
	return err
}
