package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	TopicTreeChangedV1 = "referral.tree.changed.v1"
	EventVersionV1     = 1
)

// Structural mutation kinds recorded in the referral event stream.
const (
	TypeTreeCreated        = "tree_created"
	TypeTreeDeactivated    = "tree_deactivated"
	TypeNodeAdded          = "node_added"
	TypeNodeRemoved        = "node_removed"
	TypeSubtreeReconnected = "subtree_reconnected"
	TypeTreeRebalanced     = "tree_rebalanced"
)

// TreeEventV1 is one immutable record of a structural mutation. The payload
// is a tagged union keyed by Type; DecodePayload returns the concrete
// variant.
type TreeEventV1 struct {
	EventID         uuid.UUID       `json:"event_id"`
	EventVersion    int             `json:"event_version"`
	TenantID        uuid.UUID       `json:"tenant_id"`
	TreeID          uuid.UUID       `json:"tree_id"`
	Type            string          `json:"type"`
	NodeID          uuid.UUID       `json:"node_id"`
	AffectedNodeIDs []uuid.UUID     `json:"affected_node_ids,omitempty"`
	OccurredAt      time.Time       `json:"occurred_at"`
	Payload         json.RawMessage `json:"payload"`
}

type TreeCreatedPayloadV1 struct {
	Name         string    `json:"name"`
	RootEntityID uuid.UUID `json:"root_entity_id"`
	MaxDepth     int       `json:"max_depth"`
}

type TreeDeactivatedPayloadV1 struct {
	Reason string `json:"reason,omitempty"`
}

type NodeAddedPayloadV1 struct {
	SubjectID uuid.UUID `json:"subject_id"`
	ParentID  uuid.UUID `json:"parent_id"`
	Level     int       `json:"level"`
	Position  int       `json:"position"`
	Path      string    `json:"path"`
}

type NodeRemovedPayloadV1 struct {
	SubjectID        uuid.UUID `json:"subject_id"`
	OldParentID      uuid.UUID `json:"old_parent_id"`
	Reason           string    `json:"reason,omitempty"`
	ReconnectedCount int       `json:"reconnected_count"`
}

type SubtreeReconnectedPayloadV1 struct {
	RemovedNodeID   uuid.UUID   `json:"removed_node_id"`
	OldParentID     uuid.UUID   `json:"old_parent_id"`
	NewParentID     uuid.UUID   `json:"new_parent_id"`
	PromotedNodeIDs []uuid.UUID `json:"promoted_node_ids"`
}

type PositionChangeV1 struct {
	NodeID      uuid.UUID `json:"node_id"`
	OldPosition int       `json:"old_position"`
	NewPosition int       `json:"new_position"`
	Path        string    `json:"path"`
}

type TreeRebalancedPayloadV1 struct {
	PositionChanges []PositionChangeV1 `json:"position_changes"`
}

// NewTreeEventV1 builds an event with a marshalled payload. The payload must
// be the variant matching the event type.
func NewTreeEventV1(tenantID, treeID uuid.UUID, eventType string, nodeID uuid.UUID, affected []uuid.UUID, payload any) (TreeEventV1, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return TreeEventV1{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return TreeEventV1{
		EventID:         uuid.New(),
		EventVersion:    EventVersionV1,
		TenantID:        tenantID,
		TreeID:          treeID,
		Type:            eventType,
		NodeID:          nodeID,
		AffectedNodeIDs: affected,
		OccurredAt:      time.Now().UTC(),
		Payload:         raw,
	}, nil
}

// DecodePayload unmarshals the payload into the variant for the event type.
// Unknown event types are an error so downstream consumers handle every
// variant exhaustively.
func DecodePayload(ev TreeEventV1) (any, error) {
	decode := func(v any) (any, error) {
		if err := json.Unmarshal(ev.Payload, v); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", ev.Type, err)
		}
		return v, nil
	}
	switch ev.Type {
	case TypeTreeCreated:
		return decode(&TreeCreatedPayloadV1{})
	case TypeTreeDeactivated:
		return decode(&TreeDeactivatedPayloadV1{})
	case TypeNodeAdded:
		return decode(&NodeAddedPayloadV1{})
	case TypeNodeRemoved:
		return decode(&NodeRemovedPayloadV1{})
	case TypeSubtreeReconnected:
		return decode(&SubtreeReconnectedPayloadV1{})
	case TypeTreeRebalanced:
		return decode(&TreeRebalancedPayloadV1{})
	default:
		return nil, fmt.Errorf("unknown referral event type %q", ev.Type)
	}
}
