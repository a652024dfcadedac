package services

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/uplinehq/upline/modules/referral/domain/events"
	"github.com/uplinehq/upline/pkg/eventbus"
	"github.com/uplinehq/upline/pkg/logging"
)

// memoryTreeRepository is an in-memory TreeRepository used across the
// service tests. InTreeTx serializes per tree with a mutex, mirroring the
// advisory lock, and rolls state back to a snapshot when fn fails, so
// failed attempts leave nothing behind. Tests mutate one tree at a time.
type memoryTreeRepository struct {
	mu        sync.Mutex
	treeLocks map[uuid.UUID]*sync.Mutex
	trees     map[uuid.UUID]TreeRow
	nodes     map[uuid.UUID]NodeRow
	edges     []edgeRow
	events    []events.TreeEventV1

	// beforeTreeTx, when set, runs before fn on every InTreeTx call. Tests
	// use it to inject lock-contention errors.
	beforeTreeTx func() error
	// One-shot errors injected mid-transaction, cleared once returned.
	failDeactivateNode error
	failSetNodePath    error
}

type repoSnapshot struct {
	trees  map[uuid.UUID]TreeRow
	nodes  map[uuid.UUID]NodeRow
	edges  []edgeRow
	events []events.TreeEventV1
}

func (r *memoryTreeRepository) snapshot() repoSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := repoSnapshot{
		trees:  make(map[uuid.UUID]TreeRow, len(r.trees)),
		nodes:  make(map[uuid.UUID]NodeRow, len(r.nodes)),
		edges:  append([]edgeRow(nil), r.edges...),
		events: append([]events.TreeEventV1(nil), r.events...),
	}
	for id, tree := range r.trees {
		s.trees[id] = tree
	}
	for id, node := range r.nodes {
		s.nodes[id] = node
	}
	return s
}

func (r *memoryTreeRepository) restore(s repoSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trees = s.trees
	r.nodes = s.nodes
	r.edges = s.edges
	r.events = s.events
}

type edgeRow struct {
	ID           uuid.UUID
	TreeID       uuid.UUID
	ParentID     uuid.UUID
	ChildID      uuid.UUID
	RelationType string
	Valid        bool
}

func newMemoryTreeRepository() *memoryTreeRepository {
	return &memoryTreeRepository{
		treeLocks: make(map[uuid.UUID]*sync.Mutex),
		trees:     make(map[uuid.UUID]TreeRow),
		nodes:     make(map[uuid.UUID]NodeRow),
	}
}

func (r *memoryTreeRepository) InTx(ctx context.Context, tenantID uuid.UUID, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (r *memoryTreeRepository) InTreeTx(ctx context.Context, tenantID, treeID uuid.UUID, fn func(ctx context.Context) error) error {
	r.mu.Lock()
	lock, ok := r.treeLocks[treeID]
	if !ok {
		lock = &sync.Mutex{}
		r.treeLocks[treeID] = lock
	}
	hook := r.beforeTreeTx
	r.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()
	if hook != nil {
		if err := hook(); err != nil {
			return err
		}
	}
	before := r.snapshot()
	if err := fn(ctx); err != nil {
		r.restore(before)
		return err
	}
	return nil
}

func (r *memoryTreeRepository) InsertTree(ctx context.Context, tenantID uuid.UUID, in TreeInsert) (uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := uuid.New()
	now := time.Now().UTC()
	r.trees[id] = TreeRow{
		ID:           id,
		TenantID:     tenantID,
		Name:         in.Name,
		RootEntityID: in.RootEntityID,
		MaxDepth:     in.MaxDepth,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	return id, nil
}

func (r *memoryTreeRepository) GetTree(ctx context.Context, tenantID, treeID uuid.UUID) (TreeRow, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tree, ok := r.trees[treeID]
	if !ok || tree.TenantID != tenantID {
		return TreeRow{}, false, nil
	}
	return tree, true, nil
}

func (r *memoryTreeRepository) DeactivateTree(ctx context.Context, tenantID, treeID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tree := r.trees[treeID]
	tree.IsActive = false
	tree.UpdatedAt = time.Now().UTC()
	r.trees[treeID] = tree
	return nil
}

func (r *memoryTreeRepository) InsertNode(ctx context.Context, tenantID uuid.UUID, in NodeInsert) (uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := uuid.New()
	r.nodes[id] = NodeRow{
		ID:        id,
		TenantID:  tenantID,
		TreeID:    in.TreeID,
		SubjectID: in.SubjectID,
		ParentID:  in.ParentID,
		Level:     in.Level,
		Position:  in.Position,
		Path:      in.Path,
		IsActive:  true,
		IsLeaf:    in.IsLeaf,
		CreatedAt: time.Now().UTC(),
	}
	return id, nil
}

func (r *memoryTreeRepository) GetNode(ctx context.Context, tenantID, nodeID uuid.UUID) (NodeRow, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	node, ok := r.nodes[nodeID]
	if !ok || node.TenantID != tenantID {
		return NodeRow{}, false, nil
	}
	return node, true, nil
}

func (r *memoryTreeRepository) FindRootOf(ctx context.Context, tenantID, treeID uuid.UUID) (NodeRow, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, node := range r.nodes {
		if node.TenantID == tenantID && node.TreeID == treeID && node.ParentID == nil && node.IsActive {
			return node, true, nil
		}
	}
	return NodeRow{}, false, nil
}

func (r *memoryTreeRepository) HasActiveSubject(ctx context.Context, tenantID, treeID, subjectID uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, node := range r.nodes {
		if node.TenantID == tenantID && node.TreeID == treeID && node.SubjectID == subjectID && node.IsActive {
			return true, nil
		}
	}
	return false, nil
}

func (r *memoryTreeRepository) FindChildren(ctx context.Context, tenantID, parentID uuid.UUID) ([]NodeRow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []NodeRow
	for _, node := range r.nodes {
		if node.TenantID == tenantID && node.ParentID != nil && *node.ParentID == parentID && node.IsActive {
			out = append(out, node)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (r *memoryTreeRepository) CountActiveChildren(ctx context.Context, tenantID, parentID uuid.UUID) (int, error) {
	children, err := r.FindChildren(ctx, tenantID, parentID)
	return len(children), err
}

func (r *memoryTreeRepository) NextChildPosition(ctx context.Context, tenantID, parentID uuid.UUID) (int, error) {
	children, err := r.FindChildren(ctx, tenantID, parentID)
	if err != nil {
		return 0, err
	}
	next := 0
	for _, child := range children {
		if child.Position >= next {
			next = child.Position + 1
		}
	}
	return next, nil
}

func (r *memoryTreeRepository) ListActiveNodes(ctx context.Context, tenantID, treeID uuid.UUID) ([]NodeRow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []NodeRow
	for _, node := range r.nodes {
		if node.TenantID == tenantID && node.TreeID == treeID && node.IsActive {
			out = append(out, node)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Level != out[j].Level {
			return out[i].Level < out[j].Level
		}
		return out[i].Position < out[j].Position
	})
	return out, nil
}

func (r *memoryTreeRepository) CountNodesCreatedSince(ctx context.Context, tenantID, treeID uuid.UUID, since time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, node := range r.nodes {
		if node.TenantID == tenantID && node.TreeID == treeID && node.CreatedAt.After(since) {
			count++
		}
	}
	return count, nil
}

func (r *memoryTreeRepository) SetNodeParent(ctx context.Context, tenantID, nodeID, parentID uuid.UUID, level, position int, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	node := r.nodes[nodeID]
	node.ParentID = &parentID
	node.Level = level
	node.Position = position
	node.Path = path
	r.nodes[nodeID] = node
	return nil
}

func (r *memoryTreeRepository) SetNodePath(ctx context.Context, tenantID, nodeID uuid.UUID, level, position int, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failSetNodePath != nil {
		err := r.failSetNodePath
		r.failSetNodePath = nil
		return err
	}
	node := r.nodes[nodeID]
	node.Level = level
	node.Position = position
	node.Path = path
	r.nodes[nodeID] = node
	return nil
}

func (r *memoryTreeRepository) SetNodeLeaf(ctx context.Context, tenantID, nodeID uuid.UUID, leaf bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	node := r.nodes[nodeID]
	node.IsLeaf = leaf
	r.nodes[nodeID] = node
	return nil
}

func (r *memoryTreeRepository) DeactivateNode(ctx context.Context, tenantID, nodeID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failDeactivateNode != nil {
		err := r.failDeactivateNode
		r.failDeactivateNode = nil
		return err
	}
	node := r.nodes[nodeID]
	node.IsActive = false
	r.nodes[nodeID] = node
	return nil
}

func (r *memoryTreeRepository) InsertEdge(ctx context.Context, tenantID uuid.UUID, in EdgeInsert) (uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := uuid.New()
	r.edges = append(r.edges, edgeRow{
		ID:           id,
		TreeID:       in.TreeID,
		ParentID:     in.ParentID,
		ChildID:      in.ChildID,
		RelationType: in.RelationType,
		Valid:        true,
	})
	return id, nil
}

func (r *memoryTreeRepository) InvalidateEdgesTo(ctx context.Context, tenantID, childID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.edges {
		if r.edges[i].ChildID == childID && r.edges[i].Valid {
			r.edges[i].Valid = false
			r.edges[i].RelationType = RelationHistorical
		}
	}
	return nil
}

func (r *memoryTreeRepository) InsertEvent(ctx context.Context, tenantID uuid.UUID, ev events.TreeEventV1) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *memoryTreeRepository) ListEvents(ctx context.Context, tenantID, treeID uuid.UUID, limit int) ([]events.TreeEventV1, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.TreeEventV1
	for i := len(r.events) - 1; i >= 0 && len(out) < limit; i-- {
		if r.events[i].TenantID == tenantID && r.events[i].TreeID == treeID {
			out = append(out, r.events[i])
		}
	}
	return out, nil
}

func (r *memoryTreeRepository) CountEventsTouching(ctx context.Context, tenantID, nodeID uuid.UUID, excludeTypes []string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	excluded := make(map[string]bool, len(excludeTypes))
	for _, t := range excludeTypes {
		excluded[t] = true
	}
	count := 0
	for _, ev := range r.events {
		if ev.TenantID != tenantID || excluded[ev.Type] {
			continue
		}
		for _, id := range ev.AffectedNodeIDs {
			if id == nodeID {
				count++
				break
			}
		}
	}
	return count, nil
}

func (r *memoryTreeRepository) eventsOfType(eventType string) []events.TreeEventV1 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.TreeEventV1
	for _, ev := range r.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func (r *memoryTreeRepository) allEvents() []events.TreeEventV1 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.TreeEventV1(nil), r.events...)
}

func (r *memoryTreeRepository) setCreatedAt(id uuid.UUID, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	node := r.nodes[id]
	node.CreatedAt = at
	r.nodes[id] = node
}

func (r *memoryTreeRepository) nodeByID(id uuid.UUID) NodeRow {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nodes[id]
}

// memoryDirectory answers existence checks from a fixed allowlist.
type memoryDirectory struct {
	mu       sync.Mutex
	existing map[uuid.UUID]bool
}

func newMemoryDirectory() *memoryDirectory {
	return &memoryDirectory{existing: make(map[uuid.UUID]bool)}
}

func (d *memoryDirectory) add(ids ...uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range ids {
		d.existing[id] = true
	}
}

func (d *memoryDirectory) Exists(ctx context.Context, tenantID, entityID uuid.UUID) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.existing[entityID], nil
}

type serviceFixture struct {
	svc      *TreeService
	repo     *memoryTreeRepository
	dir      *memoryDirectory
	bus      eventbus.EventBus
	tenantID uuid.UUID
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	repo := newMemoryTreeRepository()
	dir := newMemoryDirectory()
	bus := eventbus.NewEventPublisher(logging.ConsoleLogger(logrus.ErrorLevel))
	return &serviceFixture{
		svc:      NewTreeService(repo, dir, bus),
		repo:     repo,
		dir:      dir,
		bus:      bus,
		tenantID: uuid.New(),
	}
}

// seedTree creates a tree with a fresh root entity and returns its ids.
func (f *serviceFixture) seedTree(t *testing.T, maxDepth int) (treeID, rootNodeID uuid.UUID) {
	t.Helper()
	rootEntity := uuid.New()
	f.dir.add(rootEntity)
	res, err := f.svc.CreateTree(context.Background(), f.tenantID, CreateTreeInput{
		Name:         "test network",
		RootEntityID: rootEntity,
		MaxDepth:     maxDepth,
	})
	if err != nil {
		t.Fatalf("seed tree: %v", err)
	}
	return res.TreeID, res.RootNodeID
}

// seedNode inserts a fresh subject under the given parent node.
func (f *serviceFixture) seedNode(t *testing.T, treeID, parentNodeID uuid.UUID) *InsertNodeResult {
	t.Helper()
	subject := uuid.New()
	f.dir.add(subject)
	res, err := f.svc.InsertNode(context.Background(), f.tenantID, InsertNodeInput{
		TreeID:          treeID,
		SubjectEntityID: subject,
		ParentNodeID:    parentNodeID,
	})
	if err != nil {
		t.Fatalf("seed node: %v", err)
	}
	return res
}
