package types

import "time"

// Node is a person record in the tree. Path encodes the full ancestry as
// dot-separated sibling indices and always has exactly Generation
// segments. DeletedAt is the tombstone marker; tombstoned rows are never
// physically removed.
type Node struct {
	ID              int64
	Path            string
	Generation      int
	SiblingIndex    int
	ParentID        *int64
	DescendantCount int
	DeletedAt       *time.Time
	DisplayName     string
	Detail          map[string]any
}

func (n Node) Live() bool { return n.DeletedAt == nil }

// NodeView is the traversal read model. DescendantCount comes from the
// cached column, not a recount. HasMoreDescendants is set only on
// frontier nodes that have at least one live child beyond the depth
// cutoff.
type NodeView struct {
	ID                 int64          `json:"id"`
	Path               string         `json:"path"`
	Generation         int            `json:"generation"`
	SiblingIndex       int            `json:"sibling_index"`
	ParentID           *int64         `json:"parent_id,omitempty"`
	DescendantCount    int            `json:"descendant_count"`
	DisplayName        string         `json:"display_name"`
	Detail             map[string]any `json:"detail,omitempty"`
	HasMoreDescendants bool           `json:"has_more_descendants"`
}

// Union is a symmetric spouse relation. It is not tree-structured and is
// consulted only by the permission evaluator.
type Union struct {
	NodeA int64
	NodeB int64
}

// MatchResult is one ancestry-search hit.
type MatchResult struct {
	NodeID        int64  `json:"node_id"`
	DisplayChain  string `json:"display_chain"`
	MatchClass    int    `json:"match_class"`
	Score         int    `json:"score"`
	MatchedTokens int    `json:"matched_tokens"`
	Generation    int    `json:"generation"`
}

// Match classes in descending priority.
const (
	MatchClassPrefix      = 3
	MatchClassSubsequence = 2
	MatchClassOverlap     = 1
)

type PermissionLevel string

const (
	PermissionBlocked     PermissionLevel = "blocked"
	PermissionSelf        PermissionLevel = "self"
	PermissionInnerCircle PermissionLevel = "inner_circle"
	PermissionModerator   PermissionLevel = "moderator"
	PermissionAdmin       PermissionLevel = "admin"
	PermissionSuperAdmin  PermissionLevel = "superadmin"
	PermissionNone        PermissionLevel = "none"
)

// ModeratorGrant scopes moderator rights to one branch. ConditionExpr is
// an optional CEL expression over a string context map; empty means
// unconditional.
type ModeratorGrant struct {
	GranteeID     int64
	BranchPath    string
	ConditionExpr string
	Active        bool
}
