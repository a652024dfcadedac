package services

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/uplinehq/upline/modules/referral/domain/events"
	"github.com/uplinehq/upline/modules/referral/domain/treepath"
	"github.com/uplinehq/upline/pkg/configuration"
	"github.com/uplinehq/upline/pkg/eventbus"
)

// TreeRepository is the single node-store abstraction every mutating
// component writes through. Mutations run inside InTreeTx, which provides a
// storage transaction holding the per-tree advisory lock; reads run inside
// InTx (one transaction = one snapshot) or standalone. Row reads honor the
// active flag unless stated otherwise.
type TreeRepository interface {
	// InTx runs fn inside a fresh transaction for the tenant.
	InTx(ctx context.Context, tenantID uuid.UUID, fn func(ctx context.Context) error) error
	// InTreeTx additionally serializes against every other mutation of the
	// same tree. Lock acquisition is bounded; on timeout the returned error
	// maps to REF_TREE_BUSY and nothing is committed.
	InTreeTx(ctx context.Context, tenantID, treeID uuid.UUID, fn func(ctx context.Context) error) error

	InsertTree(ctx context.Context, tenantID uuid.UUID, in TreeInsert) (uuid.UUID, error)
	GetTree(ctx context.Context, tenantID, treeID uuid.UUID) (TreeRow, bool, error)
	DeactivateTree(ctx context.Context, tenantID, treeID uuid.UUID) error

	InsertNode(ctx context.Context, tenantID uuid.UUID, in NodeInsert) (uuid.UUID, error)
	// GetNode returns the node regardless of its active flag; callers decide
	// how to treat inactive rows.
	GetNode(ctx context.Context, tenantID, nodeID uuid.UUID) (NodeRow, bool, error)
	FindRootOf(ctx context.Context, tenantID, treeID uuid.UUID) (NodeRow, bool, error)
	HasActiveSubject(ctx context.Context, tenantID, treeID, subjectID uuid.UUID) (bool, error)
	// FindChildren returns the active children of a node in position order.
	FindChildren(ctx context.Context, tenantID, parentID uuid.UUID) ([]NodeRow, error)
	CountActiveChildren(ctx context.Context, tenantID, parentID uuid.UUID) (int, error)
	// NextChildPosition returns max(position)+1 over active children, 0 for
	// a childless parent. Gaps left by removals are never reused.
	NextChildPosition(ctx context.Context, tenantID, parentID uuid.UUID) (int, error)
	// ListActiveNodes returns every active node of a tree ordered by level
	// then position.
	ListActiveNodes(ctx context.Context, tenantID, treeID uuid.UUID) ([]NodeRow, error)
	// CountNodesCreatedSince counts every node created after the cutoff,
	// removed ones included: growth measures signups, not retention.
	CountNodesCreatedSince(ctx context.Context, tenantID, treeID uuid.UUID, since time.Time) (int, error)

	SetNodeParent(ctx context.Context, tenantID, nodeID, parentID uuid.UUID, level, position int, path string) error
	SetNodePath(ctx context.Context, tenantID, nodeID uuid.UUID, level, position int, path string) error
	SetNodeLeaf(ctx context.Context, tenantID, nodeID uuid.UUID, leaf bool) error
	DeactivateNode(ctx context.Context, tenantID, nodeID uuid.UUID) error

	InsertEdge(ctx context.Context, tenantID uuid.UUID, in EdgeInsert) (uuid.UUID, error)
	// InvalidateEdgesTo marks every valid edge pointing at the child as
	// historical. Edge records are never deleted.
	InvalidateEdgesTo(ctx context.Context, tenantID, childID uuid.UUID) error

	InsertEvent(ctx context.Context, tenantID uuid.UUID, ev events.TreeEventV1) error
	ListEvents(ctx context.Context, tenantID, treeID uuid.UUID, limit int) ([]events.TreeEventV1, error)
	// CountEventsTouching counts events whose affected set includes the node,
	// skipping the listed event types.
	CountEventsTouching(ctx context.Context, tenantID, nodeID uuid.UUID, excludeTypes []string) (int, error)
}

// EntityDirectory resolves whether a participant entity exists. The engine
// needs nothing else from the surrounding platform.
type EntityDirectory interface {
	Exists(ctx context.Context, tenantID, entityID uuid.UUID) (bool, error)
}

type TreeRow struct {
	ID           uuid.UUID
	TenantID     uuid.UUID
	Name         string
	RootEntityID uuid.UUID
	MaxDepth     int
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type NodeRow struct {
	ID        uuid.UUID
	TenantID  uuid.UUID
	TreeID    uuid.UUID
	SubjectID uuid.UUID
	ParentID  *uuid.UUID
	Level     int
	Position  int
	Path      string
	IsActive  bool
	IsLeaf    bool
	CreatedAt time.Time
}

type TreeInsert struct {
	Name         string
	RootEntityID uuid.UUID
	MaxDepth     int
}

type NodeInsert struct {
	TreeID    uuid.UUID
	SubjectID uuid.UUID
	ParentID  *uuid.UUID
	Level     int
	Position  int
	Path      string
	IsLeaf    bool
}

const (
	RelationDirect     = "direct"
	RelationHistorical = "historical"
)

type EdgeInsert struct {
	TreeID       uuid.UUID
	ParentID     uuid.UUID
	ChildID      uuid.UUID
	RelationType string
}

// TreeService is the node lifecycle authority: it owns tree creation, node
// insertion and node removal, delegating descendant re-parenting to the
// reconnection pass in reconnect.go. Rebalancing and analytics live in
// rebalancer.go and analyzer.go on the same receiver so all writes share
// one store abstraction.
type TreeService struct {
	repo TreeRepository
	dir  EntityDirectory
	bus  eventbus.EventBus
}

func NewTreeService(repo TreeRepository, dir EntityDirectory, bus eventbus.EventBus) *TreeService {
	return &TreeService{repo: repo, dir: dir, bus: bus}
}

// inTreeTx wraps a mutation in the per-tree transaction and retries once
// when lock acquisition times out before surfacing REF_TREE_BUSY. The retry
// re-invokes fn, so fn must reset any state it captures: results and events
// accumulated by a rolled-back attempt must not survive into the retry.
func (s *TreeService) inTreeTx(ctx context.Context, tenantID, treeID uuid.UUID, fn func(ctx context.Context) error) error {
	err := mapRepoError(s.repo.InTreeTx(ctx, tenantID, treeID, fn))
	var svcErr *ServiceError
	if errors.As(err, &svcErr) && svcErr.Code == CodeTreeBusy {
		err = mapRepoError(s.repo.InTreeTx(ctx, tenantID, treeID, fn))
	}
	return err
}

func (s *TreeService) publish(evs []events.TreeEventV1) {
	if s.bus == nil {
		return
	}
	for i := range evs {
		s.bus.Publish(&evs[i])
	}
}

type CreateTreeInput struct {
	Name         string
	RootEntityID uuid.UUID
	MaxDepth     int
}

type CreateTreeResult struct {
	TreeID     uuid.UUID
	RootNodeID uuid.UUID
}

// CreateTree creates a tree with its root node at level 0, path "0",
// position 0. The root entity must exist in the entity directory.
func (s *TreeService) CreateTree(ctx context.Context, tenantID uuid.UUID, in CreateTreeInput) (*CreateTreeResult, error) {
	if tenantID == uuid.Nil {
		return nil, newServiceError(http.StatusBadRequest, CodeInvalidBody, "tenant_id is required", nil)
	}
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" || in.RootEntityID == uuid.Nil {
		return nil, newServiceError(http.StatusBadRequest, CodeInvalidBody, "name/root_entity_id are required", nil)
	}
	if in.MaxDepth == 0 {
		in.MaxDepth = configuration.Use().Referral.DefaultMaxDepth
	}
	if in.MaxDepth < 1 {
		return nil, newServiceError(http.StatusBadRequest, CodeInvalidBody, "max_depth must be positive", nil)
	}

	var (
		out CreateTreeResult
		evs []events.TreeEventV1
	)
	err := mapRepoError(s.repo.InTx(ctx, tenantID, func(txCtx context.Context) error {
		exists, err := s.dir.Exists(txCtx, tenantID, in.RootEntityID)
		if err != nil {
			return err
		}
		if !exists {
			return newServiceError(http.StatusUnprocessableEntity, CodeEntityNotFound, "root entity does not exist", nil)
		}

		treeID, err := s.repo.InsertTree(txCtx, tenantID, TreeInsert{
			Name:         in.Name,
			RootEntityID: in.RootEntityID,
			MaxDepth:     in.MaxDepth,
		})
		if err != nil {
			return err
		}

		rootID, err := s.repo.InsertNode(txCtx, tenantID, NodeInsert{
			TreeID:    treeID,
			SubjectID: in.RootEntityID,
			ParentID:  nil,
			Level:     0,
			Position:  0,
			Path:      treepath.Root,
			IsLeaf:    true,
		})
		if err != nil {
			return err
		}

		ev, err := events.NewTreeEventV1(tenantID, treeID, events.TypeTreeCreated, rootID, []uuid.UUID{rootID}, events.TreeCreatedPayloadV1{
			Name:         in.Name,
			RootEntityID: in.RootEntityID,
			MaxDepth:     in.MaxDepth,
		})
		if err != nil {
			return err
		}
		if err := s.repo.InsertEvent(txCtx, tenantID, ev); err != nil {
			return err
		}

		out = CreateTreeResult{TreeID: treeID, RootNodeID: rootID}
		evs = append(evs, ev)
		return nil
	}))
	if err != nil {
		return nil, err
	}

	s.publish(evs)
	return &out, nil
}

// DeactivateTree retires a tree. The root node is never removed; retiring
// the tree is the only way to take it out of service.
func (s *TreeService) DeactivateTree(ctx context.Context, tenantID, treeID uuid.UUID, reason string) error {
	if tenantID == uuid.Nil || treeID == uuid.Nil {
		return newServiceError(http.StatusBadRequest, CodeInvalidBody, "tenant_id/tree_id are required", nil)
	}

	var evs []events.TreeEventV1
	err := s.inTreeTx(ctx, tenantID, treeID, func(txCtx context.Context) error {
		evs = nil

		tree, found, err := s.repo.GetTree(txCtx, tenantID, treeID)
		if err != nil {
			return err
		}
		if !found || !tree.IsActive {
			return newServiceError(http.StatusNotFound, CodeTreeNotFound, "tree not found", nil)
		}

		if err := s.repo.DeactivateTree(txCtx, tenantID, treeID); err != nil {
			return err
		}

		root, found, err := s.repo.FindRootOf(txCtx, tenantID, treeID)
		if err != nil {
			return err
		}
		if !found {
			return newServiceError(http.StatusInternalServerError, CodeInternal, "tree has no root node", nil)
		}

		ev, err := events.NewTreeEventV1(tenantID, treeID, events.TypeTreeDeactivated, root.ID, nil, events.TreeDeactivatedPayloadV1{Reason: reason})
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
		return err
	}

	s.publish(evs)
	return nil
}

type InsertNodeInput struct {
	TreeID          uuid.UUID
	SubjectEntityID uuid.UUID
	ParentNodeID    uuid.UUID
}

type InsertNodeResult struct {
	NodeID   uuid.UUID
	Level    int
	Position int
	Path     string
}

// InsertNode places a subject under a parent node. The position is the next
// free sibling position; the parent's leaf flag flips to false.
func (s *TreeService) InsertNode(ctx context.Context, tenantID uuid.UUID, in InsertNodeInput) (*InsertNodeResult, error) {
	if tenantID == uuid.Nil {
		return nil, newServiceError(http.StatusBadRequest, CodeInvalidBody, "tenant_id is required", nil)
	}
	if in.TreeID == uuid.Nil || in.SubjectEntityID == uuid.Nil || in.ParentNodeID == uuid.Nil {
		return nil, newServiceError(http.StatusBadRequest, CodeInvalidBody, "tree_id/subject_entity_id/parent_node_id are required", nil)
	}

	var (
		out InsertNodeResult
		evs []events.TreeEventV1
	)
	err := s.inTreeTx(ctx, tenantID, in.TreeID, func(txCtx context.Context) error {
		out = InsertNodeResult{}
		evs = nil

		tree, found, err := s.repo.GetTree(txCtx, tenantID, in.TreeID)
		if err != nil {
			return err
		}
		if !found || !tree.IsActive {
			return newServiceError(http.StatusNotFound, CodeTreeNotFound, "tree not found", nil)
		}

		exists, err := s.dir.Exists(txCtx, tenantID, in.SubjectEntityID)
		if err != nil {
			return err
		}
		if !exists {
			return newServiceError(http.StatusUnprocessableEntity, CodeEntityNotFound, "subject entity does not exist", nil)
		}

		parent, found, err := s.repo.GetNode(txCtx, tenantID, in.ParentNodeID)
		if err != nil {
			return err
		}
		if !found || !parent.IsActive || parent.TreeID != in.TreeID {
			return newServiceError(http.StatusUnprocessableEntity, CodeParentNotFound, "parent node not found in tree", nil)
		}

		taken, err := s.repo.HasActiveSubject(txCtx, tenantID, in.TreeID, in.SubjectEntityID)
		if err != nil {
			return err
		}
		if taken {
			return newServiceError(http.StatusConflict, CodeDuplicateSubject, "subject already placed in this tree", nil)
		}

		if parent.Level+1 > tree.MaxDepth {
			return newServiceError(http.StatusUnprocessableEntity, CodeDepthExceeded, "tree depth limit exceeded", nil)
		}

		position, err := s.repo.NextChildPosition(txCtx, tenantID, parent.ID)
		if err != nil {
			return err
		}
		path := treepath.ChildPath(parent.Path, position)

		nodeID, err := s.repo.InsertNode(txCtx, tenantID, NodeInsert{
			TreeID:    in.TreeID,
			SubjectID: in.SubjectEntityID,
			ParentID:  &parent.ID,
			Level:     parent.Level + 1,
			Position:  position,
			Path:      path,
			IsLeaf:    true,
		})
		if err != nil {
			return err
		}

		if parent.IsLeaf {
			if err := s.repo.SetNodeLeaf(txCtx, tenantID, parent.ID, false); err != nil {
				return err
			}
		}

		if _, err := s.repo.InsertEdge(txCtx, tenantID, EdgeInsert{
			TreeID:       in.TreeID,
			ParentID:     parent.ID,
			ChildID:      nodeID,
			RelationType: RelationDirect,
		}); err != nil {
			return err
		}

		ev, err := events.NewTreeEventV1(tenantID, in.TreeID, events.TypeNodeAdded, nodeID, []uuid.UUID{nodeID}, events.NodeAddedPayloadV1{
			SubjectID: in.SubjectEntityID,
			ParentID:  parent.ID,
			Level:     parent.Level + 1,
			Position:  position,
			Path:      path,
		})
		if err != nil {
			return err
		}
		if err := s.repo.InsertEvent(txCtx, tenantID, ev); err != nil {
			return err
		}

		out = InsertNodeResult{NodeID: nodeID, Level: parent.Level + 1, Position: position, Path: path}
		evs = append(evs, ev)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(evs)
	return &out, nil
}

type RemoveNodeInput struct {
	TreeID uuid.UUID
	NodeID uuid.UUID
	Reason string
}

type RemoveNodeResult struct {
	// AffectedNodeIDs holds the removed node plus every descendant whose
	// placement changed as a result of the removal.
	AffectedNodeIDs []uuid.UUID
	// ReconnectedNodeIDs holds the direct children promoted under the root.
	ReconnectedNodeIDs []uuid.UUID
}

// RemoveNode revokes a participant's membership. Every descendant is
// re-attached under the tree root before the node is marked inactive, so
// the tree never contains orphans mid-operation. The root cannot be
// removed.
func (s *TreeService) RemoveNode(ctx context.Context, tenantID uuid.UUID, in RemoveNodeInput) (*RemoveNodeResult, error) {
	if tenantID == uuid.Nil {
		return nil, newServiceError(http.StatusBadRequest, CodeInvalidBody, "tenant_id is required", nil)
	}
	if in.TreeID == uuid.Nil || in.NodeID == uuid.Nil {
		return nil, newServiceError(http.StatusBadRequest, CodeInvalidBody, "tree_id/node_id are required", nil)
	}

	var (
		out RemoveNodeResult
		evs []events.TreeEventV1
	)
	err := s.inTreeTx(ctx, tenantID, in.TreeID, func(txCtx context.Context) error {
		out = RemoveNodeResult{}
		evs = nil

		node, found, err := s.repo.GetNode(txCtx, tenantID, in.NodeID)
		if err != nil {
			return err
		}
		if !found || !node.IsActive || node.TreeID != in.TreeID {
			return newServiceError(http.StatusNotFound, CodeNodeNotFound, "node not found in tree", nil)
		}
		if node.ParentID == nil {
			return newServiceError(http.StatusUnprocessableEntity, CodeRootImmutable, "the root node cannot be removed", nil)
		}

		root, found, err := s.repo.FindRootOf(txCtx, tenantID, in.TreeID)
		if err != nil {
			return err
		}
		if !found {
			return newServiceError(http.StatusInternalServerError, CodeInternal, "tree has no root node", nil)
		}

		// Reconnection runs while the node is still active so descendants
		// are never orphaned, even transiently.
		rec, err := s.reconnectDescendants(txCtx, tenantID, node, root)
		if err != nil {
			return err
		}
		evs = append(evs, rec.Events...)

		if err := s.repo.DeactivateNode(txCtx, tenantID, node.ID); err != nil {
			return err
		}
		if err := s.repo.InvalidateEdgesTo(txCtx, tenantID, node.ID); err != nil {
			return err
		}

		remaining, err := s.repo.CountActiveChildren(txCtx, tenantID, *node.ParentID)
		if err != nil {
			return err
		}
		if remaining == 0 {
			if err := s.repo.SetNodeLeaf(txCtx, tenantID, *node.ParentID, true); err != nil {
				return err
			}
		}

		affected := append([]uuid.UUID{node.ID}, rec.CarriedNodeIDs...)
		ev, err := events.NewTreeEventV1(tenantID, in.TreeID, events.TypeNodeRemoved, node.ID, affected, events.NodeRemovedPayloadV1{
			SubjectID:        node.SubjectID,
			OldParentID:      *node.ParentID,
			Reason:           in.Reason,
			ReconnectedCount: len(rec.PromotedNodeIDs),
		})
		if err != nil {
			return err
		}
		if err := s.repo.InsertEvent(txCtx, tenantID, ev); err != nil {
			return err
		}
		evs = append(evs, ev)

		out = RemoveNodeResult{
			AffectedNodeIDs:    affected,
			ReconnectedNodeIDs: rec.PromotedNodeIDs,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(evs)
	return &out, nil
}

// ListEvents returns the append-only event stream of a tree, newest first,
// for the audit boundary.
func (s *TreeService) ListEvents(ctx context.Context, tenantID, treeID uuid.UUID, limit int) ([]events.TreeEventV1, error) {
	if tenantID == uuid.Nil || treeID == uuid.Nil {
		return nil, newServiceError(http.StatusBadRequest, CodeInvalidBody, "tenant_id/tree_id are required", nil)
	}
	if limit <= 0 {
		limit = 100
	}

	var out []events.TreeEventV1
	err := mapRepoError(s.repo.InTx(ctx, tenantID, func(txCtx context.Context) error {
		var innerErr error
		out, innerErr = s.repo.ListEvents(txCtx, tenantID, treeID, limit)
		return innerErr
	}))
	if err != nil {
		return nil, err
	}
	return out, nil
}
