package services

import (
	"context"
	"math"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/uplinehq/upline/pkg/configuration"
)

type TreeAnalysis struct {
	TotalNodes   int
	MaxDepth     int
	NodesByLevel map[int]int
	// IsBalanced is true when no populated level holds fewer than 80% of
	// the most populated level's count.
	IsBalanced bool
	// Density is the ratio of active nodes to the capacity of a perfect
	// binary tree of the observed depth.
	Density float64
	// GrowthRate is nodes added per day over the configured window.
	GrowthRate float64
}

// Analyze computes a point-in-time structural report over a tree's active
// nodes.
func (s *TreeService) Analyze(ctx context.Context, tenantID, treeID uuid.UUID) (*TreeAnalysis, error) {
	if tenantID == uuid.Nil || treeID == uuid.Nil {
		return nil, newServiceError(http.StatusBadRequest, CodeInvalidBody, "tenant_id/tree_id are required", nil)
	}

	out := &TreeAnalysis{NodesByLevel: make(map[int]int)}
	err := mapRepoError(s.repo.InTx(ctx, tenantID, func(txCtx context.Context) error {
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

		out.TotalNodes = len(nodes)
		for i := range nodes {
			out.NodesByLevel[nodes[i].Level]++
			if nodes[i].Level > out.MaxDepth {
				out.MaxDepth = nodes[i].Level
			}
		}

		maxCount := 0
		for _, c := range out.NodesByLevel {
			if c > maxCount {
				maxCount = c
			}
		}
		out.IsBalanced = true
		for _, c := range out.NodesByLevel {
			if float64(c) < 0.8*float64(maxCount) {
				out.IsBalanced = false
				break
			}
		}

		capacity := math.Pow(2, float64(out.MaxDepth+1)) - 1
		if capacity > 0 {
			out.Density = float64(out.TotalNodes) / capacity
		}

		windowDays := configuration.Use().Referral.GrowthWindowDays
		since := time.Now().UTC().AddDate(0, 0, -windowDays)
		recent, err := s.repo.CountNodesCreatedSince(txCtx, tenantID, treeID, since)
		if err != nil {
			return err
		}
		out.GrowthRate = float64(recent) / float64(windowDays)
		return nil
	}))
	if err != nil {
		return nil, err
	}
	return out, nil
}

type VisualNode struct {
	NodeID    uuid.UUID
	SubjectID uuid.UUID
	ParentID  uuid.UUID
	Path      string
	// X is the node's running index within its level in breadth-first
	// order; Y is the level. Together they form grid coordinates for a
	// top-down rendering.
	X int
	Y int
}

type TreeVisualization struct {
	Nodes []VisualNode
	Edges []TraversalEdge
}

// Visualize lays the tree out on a grid: one row per level, nodes placed
// left to right in breadth-first order.
func (s *TreeService) Visualize(ctx context.Context, tenantID, treeID uuid.UUID) (*TreeVisualization, error) {
	if tenantID == uuid.Nil || treeID == uuid.Nil {
		return nil, newServiceError(http.StatusBadRequest, CodeInvalidBody, "tenant_id/tree_id are required", nil)
	}

	out := &TreeVisualization{}
	err := mapRepoError(s.repo.InTx(ctx, tenantID, func(txCtx context.Context) error {
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

		levelIndex := make(map[int]int)
		queue := []NodeRow{root}
		for len(queue) > 0 {
			current := queue[0]
			queue = queue[1:]

			x := levelIndex[current.Level]
			levelIndex[current.Level] = x + 1
			out.Nodes = append(out.Nodes, VisualNode{
				NodeID:    current.ID,
				SubjectID: current.SubjectID,
				ParentID:  derefOrNil(current.ParentID),
				Path:      current.Path,
				X:         x,
				Y:         current.Level,
			})

			children, err := s.repo.FindChildren(txCtx, tenantID, current.ID)
			if err != nil {
				return err
			}
			for _, child := range children {
				out.Edges = append(out.Edges, TraversalEdge{ParentID: current.ID, ChildID: child.ID})
				queue = append(queue, child)
			}
		}
		return nil
	}))
	if err != nil {
		return nil, err
	}
	return out, nil
}
