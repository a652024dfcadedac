package services

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/uplinehq/upline/modules/referral/domain/events"
	"github.com/uplinehq/upline/modules/referral/domain/treepath"
	"github.com/uplinehq/upline/pkg/configuration"
)

type RebalanceResult struct {
	// PositionChanges lists every node whose sibling position moved.
	PositionChanges []events.PositionChangeV1
}

// RebalanceTree renumbers sibling positions to a dense 0..k-1 sequence per
// sibling group, closing the gaps historical removals leave behind. Parents
// and levels never change; paths are recomputed top-down so they stay
// consistent with the new positions.
func (s *TreeService) RebalanceTree(ctx context.Context, tenantID, treeID uuid.UUID) (*RebalanceResult, error) {
	if tenantID == uuid.Nil || treeID == uuid.Nil {
		return nil, newServiceError(http.StatusBadRequest, CodeInvalidBody, "tenant_id/tree_id are required", nil)
	}

	var (
		out RebalanceResult
		evs []events.TreeEventV1
	)
	err := s.inTreeTx(ctx, tenantID, treeID, func(txCtx context.Context) error {
		out = RebalanceResult{}
		evs = nil

		tree, found, err := s.repo.GetTree(txCtx, tenantID, treeID)
		if err != nil {
			return err
		}
		if !found || !tree.IsActive {
			return newServiceError(http.StatusNotFound, CodeTreeNotFound, "tree not found", nil)
		}

		nodes, err := s.repo.ListActiveNodes(txCtx, tenantID, treeID)
		if err != nil {
			return err
		}

		var root *NodeRow
		childrenByParent := make(map[uuid.UUID][]NodeRow, len(nodes))
		for i := range nodes {
			n := nodes[i]
			if n.ParentID == nil {
				root = &nodes[i]
				continue
			}
			childrenByParent[*n.ParentID] = append(childrenByParent[*n.ParentID], n)
		}
		if root == nil {
			return newServiceError(http.StatusInternalServerError, CodeInternal, "tree has no root node", nil)
		}

		newPaths := map[uuid.UUID]string{root.ID: root.Path}
		queue := []uuid.UUID{root.ID}
		for len(queue) > 0 {
			parentID := queue[0]
			queue = queue[1:]
			parentPath := newPaths[parentID]

			siblings := childrenByParent[parentID]
			sort.SliceStable(siblings, func(i, j int) bool {
				return siblings[i].Position < siblings[j].Position
			})

			for idx, child := range siblings {
				newPath := treepath.ChildPath(parentPath, idx)
				if idx != child.Position || newPath != child.Path {
					if err := s.repo.SetNodePath(txCtx, tenantID, child.ID, child.Level, idx, newPath); err != nil {
						return err
					}
				}
				if idx != child.Position {
					out.PositionChanges = append(out.PositionChanges, events.PositionChangeV1{
						NodeID:      child.ID,
						OldPosition: child.Position,
						NewPosition: idx,
						Path:        newPath,
					})
				}
				newPaths[child.ID] = newPath
				queue = append(queue, child.ID)
			}
		}

		if len(out.PositionChanges) == 0 {
			return nil
		}

		affected := make([]uuid.UUID, 0, len(out.PositionChanges))
		for _, ch := range out.PositionChanges {
			affected = append(affected, ch.NodeID)
		}
		ev, err := events.NewTreeEventV1(tenantID, treeID, events.TypeTreeRebalanced, root.ID, affected, events.TreeRebalancedPayloadV1{
			PositionChanges: out.PositionChanges,
		})
		if err != nil {
			return err
		}
		if err := s.repo.InsertEvent(txCtx, tenantID, ev); err != nil {
			return err
		}
		evs = append(evs, ev)
		return nil
	})
	if err != nil {
		return nil, err
	}

	referralRebalanceMoves.Add(float64(len(out.PositionChanges)))
	s.publish(evs)
	return &out, nil
}

type OptimizeResult struct {
	// RepairedNodeIDs are nodes whose parent was missing or inactive and
	// that were reattached under the root. Given the removal path always
	// reconnects descendants first, repairs only ever fire after a
	// partial-failure recovery.
	RepairedNodeIDs []uuid.UUID
	// UnbalancedLevels are levels whose node count is less than half the
	// tree's most populated level.
	UnbalancedLevels []int
	// PruneCandidateIDs are stale leaves with no recorded activity beyond
	// their own insertion. Reported only, never deleted.
	PruneCandidateIDs []uuid.UUID
}

// OptimizeTree is a one-shot maintenance pass: it repairs orphaned nodes,
// flags thinly populated levels, and reports prune candidates.
func (s *TreeService) OptimizeTree(ctx context.Context, tenantID, treeID uuid.UUID) (*OptimizeResult, error) {
	if tenantID == uuid.Nil || treeID == uuid.Nil {
		return nil, newServiceError(http.StatusBadRequest, CodeInvalidBody, "tenant_id/tree_id are required", nil)
	}

	var (
		out OptimizeResult
		evs []events.TreeEventV1
	)
	err := s.inTreeTx(ctx, tenantID, treeID, func(txCtx context.Context) error {
		out = OptimizeResult{}
		evs = nil

		tree, found, err := s.repo.GetTree(txCtx, tenantID, treeID)
		if err != nil {
			return err
		}
		if !found || !tree.IsActive {
			return newServiceError(http.StatusNotFound, CodeTreeNotFound, "tree not found", nil)
		}

		root, found, err := s.repo.FindRootOf(txCtx, tenantID, treeID)
		if err != nil {
			return err
		}
		if !found {
			return newServiceError(http.StatusInternalServerError, CodeInternal, "tree has no root node", nil)
		}

		nodes, err := s.repo.ListActiveNodes(txCtx, tenantID, treeID)
		if err != nil {
			return err
		}

		activeByID := make(map[uuid.UUID]int, len(nodes))
		childrenByParent := make(map[uuid.UUID][]int, len(nodes))
		for i := range nodes {
			activeByID[nodes[i].ID] = i
			if nodes[i].ParentID != nil {
				childrenByParent[*nodes[i].ParentID] = append(childrenByParent[*nodes[i].ParentID], i)
			}
		}

		var orphans []int
		for i := range nodes {
			n := nodes[i]
			if n.ID == root.ID {
				continue
			}
			if n.ParentID == nil {
				orphans = append(orphans, i)
				continue
			}
			if _, ok := activeByID[*n.ParentID]; !ok {
				orphans = append(orphans, i)
			}
		}

		if len(orphans) > 0 {
			nextPosition, err := s.repo.NextChildPosition(txCtx, tenantID, root.ID)
			if err != nil {
				return err
			}
			for _, idx := range orphans {
				oldParentID := derefOrNil(nodes[idx].ParentID)
				if err := s.repairOrphan(txCtx, tenantID, nodes, idx, root, nextPosition, childrenByParent); err != nil {
					return err
				}
				nextPosition++
				out.RepairedNodeIDs = append(out.RepairedNodeIDs, nodes[idx].ID)

				ev, err := events.NewTreeEventV1(tenantID, treeID, events.TypeSubtreeReconnected, nodes[idx].ID, []uuid.UUID{nodes[idx].ID}, events.SubtreeReconnectedPayloadV1{
					RemovedNodeID:   uuid.Nil,
					OldParentID:     oldParentID,
					NewParentID:     root.ID,
					PromotedNodeIDs: []uuid.UUID{nodes[idx].ID},
				})
				if err != nil {
					return err
				}
				if err := s.repo.InsertEvent(txCtx, tenantID, ev); err != nil {
					return err
				}
				evs = append(evs, ev)
			}
			if root.IsLeaf {
				if err := s.repo.SetNodeLeaf(txCtx, tenantID, root.ID, false); err != nil {
					return err
				}
			}
			referralOrphanRepairs.Add(float64(len(orphans)))
		}

		// Level distribution, using post-repair levels.
		counts := make(map[int]int, 8)
		for i := range nodes {
			counts[nodes[i].Level]++
		}
		maxCount := 0
		for _, c := range counts {
			if c > maxCount {
				maxCount = c
			}
		}
		for level, c := range counts {
			if c*2 < maxCount {
				out.UnbalancedLevels = append(out.UnbalancedLevels, level)
			}
		}
		sort.Ints(out.UnbalancedLevels)

		window := time.Duration(configuration.Use().Referral.GrowthWindowDays) * 24 * time.Hour
		cutoff := time.Now().UTC().Add(-window)
		for i := range nodes {
			n := nodes[i]
			if n.ID == root.ID || !n.IsLeaf || n.CreatedAt.After(cutoff) {
				continue
			}
			touched, err := s.repo.CountEventsTouching(txCtx, tenantID, n.ID, []string{events.TypeNodeAdded})
			if err != nil {
				return err
			}
			if touched == 0 {
				out.PruneCandidateIDs = append(out.PruneCandidateIDs, n.ID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(evs)
	return &out, nil
}

// repairOrphan reattaches one orphan under the root and recomputes level
// and path for the orphan's whole subtree. The nodes slice is updated in
// place so later distribution reporting sees the repaired levels.
func (s *TreeService) repairOrphan(ctx context.Context, tenantID uuid.UUID, nodes []NodeRow, idx int, root NodeRow, position int, childrenByParent map[uuid.UUID][]int) error {
	path := treepath.ChildPath(root.Path, position)
	if err := s.repo.SetNodeParent(ctx, tenantID, nodes[idx].ID, root.ID, root.Level+1, position, path); err != nil {
		return err
	}
	if err := s.repo.InvalidateEdgesTo(ctx, tenantID, nodes[idx].ID); err != nil {
		return err
	}
	if _, err := s.repo.InsertEdge(ctx, tenantID, EdgeInsert{
		TreeID:       nodes[idx].TreeID,
		ParentID:     root.ID,
		ChildID:      nodes[idx].ID,
		RelationType: RelationDirect,
	}); err != nil {
		return err
	}
	nodes[idx].ParentID = &root.ID
	nodes[idx].Level = root.Level + 1
	nodes[idx].Position = position
	nodes[idx].Path = path

	queue := []int{idx}
	for len(queue) > 0 {
		parentIdx := queue[0]
		queue = queue[1:]
		for _, childIdx := range childrenByParent[nodes[parentIdx].ID] {
			child := &nodes[childIdx]
			child.Level = nodes[parentIdx].Level + 1
			child.Path = treepath.ChildPath(nodes[parentIdx].Path, child.Position)
			if err := s.repo.SetNodePath(ctx, tenantID, child.ID, child.Level, child.Position, child.Path); err != nil {
				return err
			}
			queue = append(queue, childIdx)
		}
	}
	return nil
}
