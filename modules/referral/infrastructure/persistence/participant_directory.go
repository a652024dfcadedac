package persistence

import (
	"context"

	"github.com/google/uuid"

	"github.com/uplinehq/upline/modules/referral/services"
	"github.com/uplinehq/upline/pkg/composables"
)

// ParticipantDirectory resolves entity existence against the participants
// table.
type ParticipantDirectory struct{}

func NewParticipantDirectory() *ParticipantDirectory {
	return &ParticipantDirectory{}
}

var _ services.EntityDirectory = (*ParticipantDirectory)(nil)

func (d *ParticipantDirectory) Exists(ctx context.Context, tenantID, entityID uuid.UUID) (bool, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return false, err
	}
	var exists bool
	if err := tx.QueryRow(ctx, `
SELECT EXISTS(
	SELECT 1 FROM participants
	WHERE tenant_id = $1 AND id = $2 AND deleted_at IS NULL
)
`, pgUUID(tenantID), pgUUID(entityID)).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// UpsertParticipant registers an entity so it can take part in referral
// trees. Used by seeding and import tooling.
func (d *ParticipantDirectory) UpsertParticipant(ctx context.Context, tenantID, entityID uuid.UUID, displayName string) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
INSERT INTO participants (tenant_id, id, display_name)
VALUES ($1, $2, $3)
ON CONFLICT (tenant_id, id) DO UPDATE SET display_name = EXCLUDED.display_name, deleted_at = NULL
`, pgUUID(tenantID), pgUUID(entityID), displayName)
	return err
}
