// Package treepath implements the materialized path format: a
// dot-separated sequence of 1-based sibling indices encoding a node's
// full ancestry. It is the only code allowed to construct or take apart
// path strings.
package treepath

import (
	"errors"
	"strconv"
	"strings"
)

const separator = "."

var ErrPathInvalid = errors.New("path_invalid")

// Depth returns the number of segments. The empty path has depth 0.
func Depth(path string) int {
	if path == "" {
		return 0
	}
	return strings.Count(path, separator) + 1
}

// Parent returns the path with the last segment removed. ok is false for
// the empty path and for single-segment (root) paths.
func Parent(path string) (string, bool) {
	idx := strings.LastIndex(path, separator)
	if idx < 0 {
		return "", false
	}
	return path[:idx], true
}

// Child appends siblingIndex to parent. An empty parent means the forest
// root, so the child path is the bare index.
func Child(parent string, siblingIndex int) string {
	if parent == "" {
		return strconv.Itoa(siblingIndex)
	}
	return parent + separator + strconv.Itoa(siblingIndex)
}

// IsDescendantOf reports whether candidate lies in ancestor's subtree,
// including candidate == ancestor.
func IsDescendantOf(candidate, ancestor string) bool {
	if ancestor == "" || candidate == "" {
		return false
	}
	if candidate == ancestor {
		return true
	}
	return strings.HasPrefix(candidate, ancestor+separator)
}

// LastIndex returns the trailing segment as an integer. ok is false when
// the path is empty or malformed.
func LastIndex(path string) (int, bool) {
	if path == "" {
		return 0, false
	}
	seg := path
	if idx := strings.LastIndex(path, separator); idx >= 0 {
		seg = path[idx+1:]
	}
	n, err := strconv.Atoi(seg)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

// Parse validates path strictly (dot-separated positive integers, no
// leading zeros) and returns its segments. Mutation code validates
// caller-supplied paths here before any other use.
func Parse(path string) ([]int, error) {
	if path == "" {
		return nil, ErrPathInvalid
	}
	parts := strings.Split(path, separator)
	segments := make([]int, 0, len(parts))
	for _, part := range parts {
		if part == "" || (len(part) > 1 && part[0] == '0') {
			return nil, ErrPathInvalid
		}
		n, err := strconv.Atoi(part)
		if err != nil || n < 1 {
			return nil, ErrPathInvalid
		}
		segments = append(segments, n)
	}
	return segments, nil
}
