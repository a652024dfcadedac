package persistence

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/uplinehq/upline/modules/referral/services"
	"github.com/uplinehq/upline/pkg/composables"
	"github.com/uplinehq/upline/pkg/configuration"
)

// TreeRepository is the Postgres implementation of services.TreeRepository.
// It is stateless; the pool travels in the context and every statement runs
// against the transaction bound there.
type TreeRepository struct{}

func NewTreeRepository() *TreeRepository {
	return &TreeRepository{}
}

var _ services.TreeRepository = (*TreeRepository)(nil)

func (r *TreeRepository) InTx(ctx context.Context, tenantID uuid.UUID, fn func(ctx context.Context) error) error {
	return composables.InTx(composables.WithTenantID(ctx, tenantID), fn)
}

// InTreeTx serializes mutations per tree with a transaction-scoped advisory
// lock. The lock wait is bounded by REFERRAL_TREE_LOCK_TIMEOUT; hitting it
// surfaces as SQLSTATE 55P03 and rolls the transaction back.
func (r *TreeRepository) InTreeTx(ctx context.Context, tenantID, treeID uuid.UUID, fn func(ctx context.Context) error) error {
	return composables.InTx(composables.WithTenantID(ctx, tenantID), func(txCtx context.Context) error {
		tx, err := composables.UseTx(txCtx)
		if err != nil {
			return err
		}
		timeout := configuration.Use().Referral.TreeLockTimeout
		if _, err := tx.Exec(txCtx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", timeout.Milliseconds())); err != nil {
			return err
		}
		key := fmt.Sprintf("referral_tree:%s", treeID)
		if _, err := tx.Exec(txCtx, "SELECT pg_advisory_xact_lock(hashtext($1))", key); err != nil {
			return err
		}
		return fn(txCtx)
	})
}

func (r *TreeRepository) InsertTree(ctx context.Context, tenantID uuid.UUID, in services.TreeInsert) (uuid.UUID, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return uuid.Nil, err
	}

	var id uuid.UUID
	if err := tx.QueryRow(ctx, `
INSERT INTO referral_trees (tenant_id, name, root_entity_id, max_depth)
VALUES ($1, $2, $3, $4)
RETURNING id
`, pgUUID(tenantID), in.Name, pgUUID(in.RootEntityID), in.MaxDepth).Scan(&id); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

func (r *TreeRepository) GetTree(ctx context.Context, tenantID, treeID uuid.UUID) (services.TreeRow, bool, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return services.TreeRow{}, false, err
	}

	rows, err := tx.Query(ctx, `
SELECT id, tenant_id, name, root_entity_id, max_depth, is_active, created_at, updated_at
FROM referral_trees
WHERE tenant_id = $1 AND id = $2
`, pgUUID(tenantID), pgUUID(treeID))
	if err != nil {
		return services.TreeRow{}, false, err
	}
	defer rows.Close()

	if !rows.Next() {
		return services.TreeRow{}, false, rows.Err()
	}
	var out services.TreeRow
	if err := rows.Scan(&out.ID, &out.TenantID, &out.Name, &out.RootEntityID, &out.MaxDepth, &out.IsActive, &out.CreatedAt, &out.UpdatedAt); err != nil {
		return services.TreeRow{}, false, err
	}
	return out, true, nil
}

func (r *TreeRepository) DeactivateTree(ctx context.Context, tenantID, treeID uuid.UUID) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
UPDATE referral_trees
SET is_active = false, updated_at = now()
WHERE tenant_id = $1 AND id = $2
`, pgUUID(tenantID), pgUUID(treeID))
	return err
}
