package services

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// Read-only traversal primitives. Each public method runs in its own
// transaction, so results are a point-in-time snapshot; callers needing
// mutation-consistent traversal must already hold the tree transaction.

type TraversalEdge struct {
	ParentID uuid.UUID
	ChildID  uuid.UUID
}

type TraversalResult struct {
	Nodes        []NodeRow
	Edges        []TraversalEdge
	LevelIndex   map[int][]uuid.UUID
	MaxDepthSeen int
}

// DescendantsOf returns every active descendant of the node in breadth-first
// order. A leaf yields an empty result.
func (s *TreeService) DescendantsOf(ctx context.Context, tenantID, nodeID uuid.UUID) ([]NodeRow, error) {
	if tenantID == uuid.Nil || nodeID == uuid.Nil {
		return nil, newServiceError(http.StatusBadRequest, CodeInvalidBody, "tenant_id/node_id are required", nil)
	}

	var out []NodeRow
	err := mapRepoError(s.repo.InTx(ctx, tenantID, func(txCtx context.Context) error {
		if err := s.requireActiveNode(txCtx, tenantID, nodeID); err != nil {
			return err
		}
		var innerErr error
		out, innerErr = s.collectDescendants(txCtx, tenantID, nodeID)
		return innerErr
	}))
	if err != nil {
		return nil, err
	}
	return out, nil
}

// collectDescendants walks active child links with an explicit queue, so
// memory use is bounded by tree width rather than call-stack depth, and the
// resulting order is level by level, siblings in position order.
func (s *TreeService) collectDescendants(ctx context.Context, tenantID, nodeID uuid.UUID) ([]NodeRow, error) {
	var out []NodeRow
	queue := []uuid.UUID{nodeID}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		children, err := s.repo.FindChildren(ctx, tenantID, current)
		if err != nil {
			return nil, err
		}
		for _, child := range children {
			out = append(out, child)
			queue = append(queue, child.ID)
		}
	}
	return out, nil
}

// AncestorsOf returns the chain from the root down to the node's direct
// parent. The node itself is not included; the root has no ancestors.
func (s *TreeService) AncestorsOf(ctx context.Context, tenantID, nodeID uuid.UUID) ([]NodeRow, error) {
	if tenantID == uuid.Nil || nodeID == uuid.Nil {
		return nil, newServiceError(http.StatusBadRequest, CodeInvalidBody, "tenant_id/node_id are required", nil)
	}

	var out []NodeRow
	err := mapRepoError(s.repo.InTx(ctx, tenantID, func(txCtx context.Context) error {
		node, found, err := s.repo.GetNode(txCtx, tenantID, nodeID)
		if err != nil {
			return err
		}
		if !found || !node.IsActive {
			return newServiceError(http.StatusNotFound, CodeNodeNotFound, "node not found", nil)
		}

		// The chain must terminate within level(n) hops; anything longer
		// means a corrupt parent chain.
		chain := make([]NodeRow, 0, node.Level)
		current := node
		for current.ParentID != nil {
			if len(chain) >= node.Level && node.Level > 0 {
				return newServiceError(http.StatusInternalServerError, CodeInternal, "ancestor chain exceeds node level", nil)
			}
			parent, found, err := s.repo.GetNode(txCtx, tenantID, *current.ParentID)
			if err != nil {
				return err
			}
			if !found {
				return newServiceError(http.StatusInternalServerError, CodeInternal, "dangling parent reference", nil)
			}
			chain = append(chain, parent)
			current = parent
		}

		// Collected nearest-parent first; callers get root-first.
		for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
			chain[i], chain[j] = chain[j], chain[i]
		}
		out = chain
		return nil
	}))
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SiblingsOf returns the other active nodes sharing the node's parent, in
// position order. The root has no siblings.
func (s *TreeService) SiblingsOf(ctx context.Context, tenantID, nodeID uuid.UUID) ([]NodeRow, error) {
	if tenantID == uuid.Nil || nodeID == uuid.Nil {
		return nil, newServiceError(http.StatusBadRequest, CodeInvalidBody, "tenant_id/node_id are required", nil)
	}

	var out []NodeRow
	err := mapRepoError(s.repo.InTx(ctx, tenantID, func(txCtx context.Context) error {
		node, found, err := s.repo.GetNode(txCtx, tenantID, nodeID)
		if err != nil {
			return err
		}
		if !found || !node.IsActive {
			return newServiceError(http.StatusNotFound, CodeNodeNotFound, "node not found", nil)
		}
		if node.ParentID == nil {
			return nil
		}

		children, err := s.repo.FindChildren(txCtx, tenantID, *node.ParentID)
		if err != nil {
			return err
		}
		for _, child := range children {
			if child.ID != nodeID {
				out = append(out, child)
			}
		}
		return nil
	}))
	if err != nil {
		return nil, err
	}
	return out, nil
}

// BFSFrom performs a general breadth-first traversal from the node,
// returning the visited nodes, the parent-child edges walked, an index of
// node ids per level, and the deepest level seen. The starting node is
// included.
func (s *TreeService) BFSFrom(ctx context.Context, tenantID, nodeID uuid.UUID) (*TraversalResult, error) {
	if tenantID == uuid.Nil || nodeID == uuid.Nil {
		return nil, newServiceError(http.StatusBadRequest, CodeInvalidBody, "tenant_id/node_id are required", nil)
	}

	res := &TraversalResult{LevelIndex: make(map[int][]uuid.UUID)}
	err := mapRepoError(s.repo.InTx(ctx, tenantID, func(txCtx context.Context) error {
		start, found, err := s.repo.GetNode(txCtx, tenantID, nodeID)
		if err != nil {
			return err
		}
		if !found || !start.IsActive {
			return newServiceError(http.StatusNotFound, CodeNodeNotFound, "node not found", nil)
		}

		queue := []NodeRow{start}
		for len(queue) > 0 {
			current := queue[0]
			queue = queue[1:]

			res.Nodes = append(res.Nodes, current)
			res.LevelIndex[current.Level] = append(res.LevelIndex[current.Level], current.ID)
			if current.Level > res.MaxDepthSeen {
				res.MaxDepthSeen = current.Level
			}

			children, err := s.repo.FindChildren(txCtx, tenantID, current.ID)
			if err != nil {
				return err
			}
			for _, child := range children {
				res.Edges = append(res.Edges, TraversalEdge{ParentID: current.ID, ChildID: child.ID})
				queue = append(queue, child)
			}
		}
		return nil
	}))
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *TreeService) requireActiveNode(ctx context.Context, tenantID, nodeID uuid.UUID) error {
	node, found, err := s.repo.GetNode(ctx, tenantID, nodeID)
	if err != nil {
		return err
	}
	if !found || !node.IsActive {
		return newServiceError(http.StatusNotFound, CodeNodeNotFound, "node not found", nil)
	}
	return nil
}
