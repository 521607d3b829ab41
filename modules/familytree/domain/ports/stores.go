package ports

import (
	"context"
	"errors"

	"github.com/lineagekeep/lineagekeep/modules/familytree/domain/types"
)

var (
	ErrNodeNotFound       = errors.New("node_not_found")
	ErrParentNotFound     = errors.New("parent_not_found")
	ErrParentTombstoned   = errors.New("parent_tombstoned")
	ErrParentGone         = errors.New("parent_gone")
	ErrCycleDetected      = errors.New("cycle_detected")
	ErrSiblingIndexRange  = errors.New("sibling_index_out_of_range")
	ErrRootAlreadyExists  = errors.New("root_already_exists")
	ErrNodeTombstoned     = errors.New("node_tombstoned")
	ErrNodeNotTombstoned  = errors.New("node_not_tombstoned")
	ErrResourceBusy       = errors.New("resource_busy")
	ErrEntryNotFound      = errors.New("audit_entry_not_found")
	ErrGroupNotFound      = errors.New("operation_group_not_found")
	ErrEntryAlreadyUndone = errors.New("audit_entry_already_undone")
	ErrEntryNotUndoable   = errors.New("audit_entry_not_undoable")
	ErrGroupNotActive     = errors.New("operation_group_not_active")
	ErrUnionExists        = errors.New("union_exists")
	ErrUnionNotFound      = errors.New("union_not_found")
)

// BranchRow is one row of a bounded subtree read. HasLiveChild is
// computed in the same query so the traversal service can mark frontier
// nodes without a second round trip.
type BranchRow struct {
	Node         types.Node
	HasLiveChild bool
}

// NameRow is the minimal projection the search index needs to build
// ancestor chains.
type NameRow struct {
	ID          int64
	ParentID    *int64
	Generation  int
	Path        string
	DisplayName string
}

type TreeReadStore interface {
	GetNodeByID(ctx context.Context, id int64) (types.Node, error)
	GetLiveNodeByPath(ctx context.Context, path string) (types.Node, error)
	// ListBranch returns live nodes whose path lies under startPath
	// (inclusive) with generation < startGeneration + maxDepth, ordered
	// by (generation, sibling_index, path), capped at limit rows.
	ListBranch(ctx context.Context, startPath string, startGeneration, maxDepth, limit int) ([]BranchRow, error)
	// ListRoots returns all live generation-1 nodes ordered by sibling
	// index (more than one only during a migration window).
	ListRoots(ctx context.Context) ([]BranchRow, error)
	// ListLiveNames returns every live node's chain projection.
	ListLiveNames(ctx context.Context) ([]NameRow, error)
}

// NodeFields is the closed set of caller-editable fields. The mutation
// policy decides which keys of Detail are writable; column names are
// never accepted from callers.
type NodeFields struct {
	DisplayName string
	Detail      map[string]any
}

type TreeWriteStore interface {
	// InsertNode creates a node under parentID (nil = new root, allowed
	// only while no live root exists). Sibling index and path are
	// computed inside the transaction.
	InsertNode(ctx context.Context, actorID int64, parentID *int64, fields NodeFields) (types.Node, error)
	// ReparentNode atomically moves a subtree: prefix rewrite, sibling
	// renumbering on both sides, generation delta, ancestor count
	// maintenance. Locks are non-waiting; ErrResourceBusy is retryable.
	ReparentNode(ctx context.Context, actorID int64, nodeID int64, newParentID *int64, newSiblingIndex int) error
	// ReorderChildren assigns sibling_index 1..N following orderedIDs;
	// live children not listed keep relative order after the listed
	// ones. Per-child failures are reported, not fatal. Paths are never
	// rewritten here.
	ReorderChildren(ctx context.Context, actorID int64, parentID int64, orderedIDs []int64) (types.UpdateReport, error)
	SoftDeleteNode(ctx context.Context, actorID int64, nodeID int64) error
	RestoreNode(ctx context.Context, actorID int64, nodeID int64) error
	// SoftDeleteSubtree tombstones nodeID and every live descendant as
	// one operation group; returns the group id and the tombstone count.
	SoftDeleteSubtree(ctx context.Context, actorID int64, nodeID int64) (string, int, error)
	EditNodeFields(ctx context.Context, actorID int64, nodeID int64, fields NodeFields) error
	AddUnion(ctx context.Context, actorID int64, nodeA, nodeB int64) error
	RemoveUnion(ctx context.Context, actorID int64, nodeA, nodeB int64) error
}

type AuditStore interface {
	GetEntry(ctx context.Context, entryID string) (types.AuditEntry, error)
	GetGroup(ctx context.Context, groupID string) (types.OperationGroup, error)
	// ListGroupEntries returns the group's entries newest first, the
	// order in which inverses are replayed.
	ListGroupEntries(ctx context.Context, groupID string) ([]types.AuditEntry, error)
	SetGroupStatus(ctx context.Context, groupID string, status types.GroupStatus) error
	// UndoEntry re-validates preconditions and applies the inverse of
	// one entry in a single transaction, locking any parent row it
	// restores a reference to (non-waiting). Marks the entry undone and
	// writes a new UNDO audit entry.
	UndoEntry(ctx context.Context, actorID int64, entryID string) error
}

// RelationshipFacts is everything the permission evaluator needs about
// an actor/target pair in one read.
type RelationshipFacts struct {
	Blocked     bool
	InnerCircle bool
	TargetPath  string
	Grants      []types.ModeratorGrant
}

type PermissionStore interface {
	GetRelationshipFacts(ctx context.Context, actorID, targetID int64) (RelationshipFacts, error)
}
