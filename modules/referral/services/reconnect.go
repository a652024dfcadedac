package services

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/uplinehq/upline/modules/referral/domain/events"
	"github.com/uplinehq/upline/modules/referral/domain/treepath"
)

type reconnectResult struct {
	// PromotedNodeIDs are the direct children of the removed node, now
	// attached to the root at level 1.
	PromotedNodeIDs []uuid.UUID
	// CarriedNodeIDs are all descendants of the removed node, promoted ones
	// included; deeper descendants keep their parent and position but get
	// their level and path recomputed.
	CarriedNodeIDs []uuid.UUID
	Events         []events.TreeEventV1
}

// reconnectDescendants re-attaches the removed node's subtree under the
// tree root. Direct children are appended after the root's existing
// children, each taking the root's next free position; their own subtrees
// move with them intact. Runs inside the removal's transaction.
func (s *TreeService) reconnectDescendants(ctx context.Context, tenantID uuid.UUID, removed NodeRow, root NodeRow) (*reconnectResult, error) {
	descendants, err := s.collectDescendants(ctx, tenantID, removed.ID)
	if err != nil {
		return nil, err
	}
	if len(descendants) == 0 {
		// Removing a leaf: nothing to reconnect, no extra event noise.
		return &reconnectResult{}, nil
	}

	nextPosition, err := s.repo.NextChildPosition(ctx, tenantID, root.ID)
	if err != nil {
		return nil, err
	}

	// BFS order guarantees a node's new placement is computed before any of
	// its children are visited.
	type placement struct {
		level int
		path  string
	}
	updated := make(map[uuid.UUID]placement, len(descendants))

	res := &reconnectResult{}
	for _, node := range descendants {
		res.CarriedNodeIDs = append(res.CarriedNodeIDs, node.ID)

		if node.ParentID != nil && *node.ParentID == removed.ID {
			position := nextPosition
			nextPosition++
			level := root.Level + 1
			path := treepath.ChildPath(root.Path, position)

			if err := s.repo.SetNodeParent(ctx, tenantID, node.ID, root.ID, level, position, path); err != nil {
				return nil, err
			}
			if err := s.repo.InvalidateEdgesTo(ctx, tenantID, node.ID); err != nil {
				return nil, err
			}
			if _, err := s.repo.InsertEdge(ctx, tenantID, EdgeInsert{
				TreeID:       removed.TreeID,
				ParentID:     root.ID,
				ChildID:      node.ID,
				RelationType: RelationDirect,
			}); err != nil {
				return nil, err
			}

			updated[node.ID] = placement{level: level, path: path}
			res.PromotedNodeIDs = append(res.PromotedNodeIDs, node.ID)
			continue
		}

		if node.ParentID == nil {
			return nil, newServiceError(http.StatusInternalServerError, CodeInternal, "descendant without parent during reconnection", nil)
		}
		parent, ok := updated[*node.ParentID]
		if !ok {
			return nil, newServiceError(http.StatusInternalServerError, CodeInternal, "descendant visited before its parent during reconnection", nil)
		}

		level := parent.level + 1
		path := treepath.ChildPath(parent.path, node.Position)
		if err := s.repo.SetNodePath(ctx, tenantID, node.ID, level, node.Position, path); err != nil {
			return nil, err
		}
		updated[node.ID] = placement{level: level, path: path}
	}

	if root.IsLeaf && len(res.PromotedNodeIDs) > 0 {
		if err := s.repo.SetNodeLeaf(ctx, tenantID, root.ID, false); err != nil {
			return nil, err
		}
	}

	ev, err := events.NewTreeEventV1(tenantID, removed.TreeID, events.TypeSubtreeReconnected, removed.ID, res.PromotedNodeIDs, events.SubtreeReconnectedPayloadV1{
		RemovedNodeID:   removed.ID,
		OldParentID:     derefOrNil(removed.ParentID),
		NewParentID:     root.ID,
		PromotedNodeIDs: res.PromotedNodeIDs,
	})
	if err != nil {
		return nil, err
	}
	if err := s.repo.InsertEvent(ctx, tenantID, ev); err != nil {
		return nil, err
	}
	res.Events = append(res.Events, ev)

	referralReconnections.Add(float64(len(res.PromotedNodeIDs)))
	return res, nil
}

func derefOrNil(id *uuid.UUID) uuid.UUID {
	if id == nil {
		return uuid.Nil
	}
	return *id
}
