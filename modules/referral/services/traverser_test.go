package services

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// buildSampleTree seeds:
//
//	root
//	├── a
//	│   ├── a0
//	│   └── a1
//	└── b
//	    └── b0
func buildSampleTree(t *testing.T, f *serviceFixture) (treeID uuid.UUID, ids map[string]uuid.UUID) {
	t.Helper()
	treeID, rootID := f.seedTree(t, 10)
	a := f.seedNode(t, treeID, rootID)
	b := f.seedNode(t, treeID, rootID)
	a0 := f.seedNode(t, treeID, a.NodeID)
	a1 := f.seedNode(t, treeID, a.NodeID)
	b0 := f.seedNode(t, treeID, b.NodeID)
	return treeID, map[string]uuid.UUID{
		"root": rootID,
		"a":    a.NodeID,
		"b":    b.NodeID,
		"a0":   a0.NodeID,
		"a1":   a1.NodeID,
		"b0":   b0.NodeID,
	}
}

func nodeIDs(rows []NodeRow) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.ID)
	}
	return out
}

func TestDescendantsOf(t *testing.T) {
	f := newServiceFixture(t)
	_, ids := buildSampleTree(t, f)

	got, err := f.svc.DescendantsOf(context.Background(), f.tenantID, ids["root"])
	require.NoError(t, err)
	// Level by level, siblings in position order.
	require.Equal(t, []uuid.UUID{ids["a"], ids["b"], ids["a0"], ids["a1"], ids["b0"]}, nodeIDs(got))

	sub, err := f.svc.DescendantsOf(context.Background(), f.tenantID, ids["a"])
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{ids["a0"], ids["a1"]}, nodeIDs(sub))

	leaf, err := f.svc.DescendantsOf(context.Background(), f.tenantID, ids["b0"])
	require.NoError(t, err)
	require.Empty(t, leaf)
}

func TestDescendantsOf_UnknownNode(t *testing.T) {
	f := newServiceFixture(t)
	buildSampleTree(t, f)

	_, err := f.svc.DescendantsOf(context.Background(), f.tenantID, uuid.New())
	requireServiceCode(t, err, CodeNodeNotFound)
}

func TestAncestorsOf(t *testing.T) {
	f := newServiceFixture(t)
	_, ids := buildSampleTree(t, f)

	got, err := f.svc.AncestorsOf(context.Background(), f.tenantID, ids["a1"])
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{ids["root"], ids["a"]}, nodeIDs(got))

	rootChain, err := f.svc.AncestorsOf(context.Background(), f.tenantID, ids["root"])
	require.NoError(t, err)
	require.Empty(t, rootChain)
}

func TestSiblingsOf(t *testing.T) {
	f := newServiceFixture(t)
	_, ids := buildSampleTree(t, f)

	got, err := f.svc.SiblingsOf(context.Background(), f.tenantID, ids["a"])
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{ids["b"]}, nodeIDs(got))

	rootSiblings, err := f.svc.SiblingsOf(context.Background(), f.tenantID, ids["root"])
	require.NoError(t, err)
	require.Empty(t, rootSiblings)
}

func TestBFSFrom(t *testing.T) {
	f := newServiceFixture(t)
	_, ids := buildSampleTree(t, f)

	res, err := f.svc.BFSFrom(context.Background(), f.tenantID, ids["root"])
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{ids["root"], ids["a"], ids["b"], ids["a0"], ids["a1"], ids["b0"]}, nodeIDs(res.Nodes))
	require.Len(t, res.Edges, 5)
	require.Equal(t, 2, res.MaxDepthSeen)
	require.Equal(t, []uuid.UUID{ids["root"]}, res.LevelIndex[0])
	require.Equal(t, []uuid.UUID{ids["a"], ids["b"]}, res.LevelIndex[1])
	require.Equal(t, []uuid.UUID{ids["a0"], ids["a1"], ids["b0"]}, res.LevelIndex[2])
}

func TestBFSFrom_Subtree(t *testing.T) {
	f := newServiceFixture(t)
	_, ids := buildSampleTree(t, f)

	res, err := f.svc.BFSFrom(context.Background(), f.tenantID, ids["b"])
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{ids["b"], ids["b0"]}, nodeIDs(res.Nodes))
	require.Equal(t, []TraversalEdge{{ParentID: ids["b"], ChildID: ids["b0"]}}, res.Edges)
}

func TestTraversal_ExcludesRemovedNodes(t *testing.T) {
	f := newServiceFixture(t)
	treeID, ids := buildSampleTree(t, f)

	_, err := f.svc.RemoveNode(context.Background(), f.tenantID, RemoveNodeInput{
		TreeID: treeID,
		NodeID: ids["b0"],
	})
	require.NoError(t, err)

	got, err := f.svc.DescendantsOf(context.Background(), f.tenantID, ids["b"])
	require.NoError(t, err)
	require.Empty(t, got)

	_, err = f.svc.AncestorsOf(context.Background(), f.tenantID, ids["b0"])
	requireServiceCode(t, err, CodeNodeNotFound)
}
