// Package treepath implements the dotted-path encoding used to locate a
// node inside a referral tree. A path is the sequence of sibling positions
// from the root down to the node, joined by dots: the root is "0", its
// third child is "0.2", that child's first child is "0.2.1" and so on.
// All functions are pure; callers are expected to never pass an empty path.
package treepath

import (
	"strconv"
	"strings"
)

const (
	// Root is the path of every tree root.
	Root = "0"

	separator = "."
)

// ChildPath returns the path of the child at the given sibling position
// under a parent with the given path.
func ChildPath(parentPath string, position int) string {
	return parentPath + separator + strconv.Itoa(position)
}

// Depth returns the number of hops from the root encoded in the path.
// The root path has depth 0.
func Depth(path string) int {
	if path == "" {
		return 0
	}
	return strings.Count(path, separator)
}

// Position returns the sibling position encoded in the last path segment.
// Malformed trailing segments report position 0.
func Position(path string) int {
	idx := strings.LastIndex(path, separator)
	last := path[idx+1:]
	n, err := strconv.Atoi(last)
	if err != nil {
		return 0
	}
	return n
}

// AncestorPaths returns the proper-prefix paths of the given path, nearest
// the root first. The path itself is not included; the root path has no
// ancestors.
func AncestorPaths(path string) []string {
	if path == "" {
		return nil
	}
	segments := strings.Split(path, separator)
	if len(segments) < 2 {
		return nil
	}
	out := make([]string, 0, len(segments)-1)
	for i := 1; i < len(segments); i++ {
		out = append(out, strings.Join(segments[:i], separator))
	}
	return out
}

// IsDescendantPath reports whether candidate lies strictly below ancestor.
// A path is never its own descendant, and "0.10" is not a descendant of
// "0.1" despite sharing a string prefix.
func IsDescendantPath(candidate, ancestor string) bool {
	return strings.HasPrefix(candidate, ancestor+separator)
}

// ReplacePrefix rewrites a path that starts with oldPrefix so it starts
// with newPrefix instead, keeping the remainder intact. Used when a subtree
// moves: the carried descendants keep their relative location under the
// moved node. Returns the path unchanged if it is not below oldPrefix.
func ReplacePrefix(path, oldPrefix, newPrefix string) string {
	if path == oldPrefix {
		return newPrefix
	}
	if !IsDescendantPath(path, oldPrefix) {
		return path
	}
	return newPrefix + path[len(oldPrefix):]
}
