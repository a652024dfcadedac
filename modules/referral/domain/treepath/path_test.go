package treepath

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChildPath(t *testing.T) {
	require.Equal(t, "0.0", ChildPath(Root, 0))
	require.Equal(t, "0.2.1", ChildPath("0.2", 1))
	require.Equal(t, "0.2.11", ChildPath("0.2", 11))
}

func TestDepth(t *testing.T) {
	cases := []struct {
		path string
		want int
	}{
		{Root, 0},
		{"0.0", 1},
		{"0.2.1", 2},
		{"0.1.4.9", 3},
		{"", 0},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, Depth(tc.path), "path %q", tc.path)
	}
}

func TestPosition(t *testing.T) {
	require.Equal(t, 0, Position(Root))
	require.Equal(t, 1, Position("0.2.1"))
	require.Equal(t, 11, Position("0.11"))
}

func TestAncestorPaths(t *testing.T) {
	require.Nil(t, AncestorPaths(Root))
	require.Nil(t, AncestorPaths(""))
	require.Equal(t, []string{"0"}, AncestorPaths("0.3"))
	require.Equal(t, []string{"0", "0.2"}, AncestorPaths("0.2.1"))
	require.Equal(t, []string{"0", "0.2", "0.2.1"}, AncestorPaths("0.2.1.0"))
}

func TestIsDescendantPath(t *testing.T) {
	require.True(t, IsDescendantPath("0.2.1", "0.2"))
	require.True(t, IsDescendantPath("0.2.1.5", "0"))
	require.False(t, IsDescendantPath("0.2", "0.2"))
	require.False(t, IsDescendantPath("0.10", "0.1"))
	require.False(t, IsDescendantPath("0", "0.2"))
}

func TestReplacePrefix(t *testing.T) {
	require.Equal(t, "0.5", ReplacePrefix("0.2.3", "0.2.3", "0.5"))
	require.Equal(t, "0.5.1", ReplacePrefix("0.2.3.1", "0.2.3", "0.5"))
	require.Equal(t, "0.5.1.4", ReplacePrefix("0.2.3.1.4", "0.2.3", "0.5"))
	// Not below the old prefix: unchanged.
	require.Equal(t, "0.20.1", ReplacePrefix("0.20.1", "0.2", "0.5"))
}
