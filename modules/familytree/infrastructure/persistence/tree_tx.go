package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/lineagekeep/lineagekeep/modules/familytree/domain/ports"
	"github.com/lineagekeep/lineagekeep/modules/familytree/domain/types"
	"github.com/lineagekeep/lineagekeep/pkg/treepath"
	"github.com/lineagekeep/lineagekeep/pkg/uuidv7"
)

type pgBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

var (
	newUUID     = uuidv7.NewString
	marshalJSON = json.Marshal
)

const nodeColumns = `id, path, generation, sibling_index, parent_id, descendant_count, deleted_at, display_name, detail`

func scanNode(row pgx.Row) (types.Node, error) {
	var n types.Node
	var detail []byte
	if err := row.Scan(&n.ID, &n.Path, &n.Generation, &n.SiblingIndex, &n.ParentID,
		&n.DescendantCount, &n.DeletedAt, &n.DisplayName, &detail); err != nil {
		return types.Node{}, err
	}
	if len(detail) > 0 {
		if err := unmarshalDetail(detail, &n.Detail); err != nil {
			return types.Node{}, err
		}
	}
	return n, nil
}

func unmarshalDetail(raw []byte, dst *map[string]any) error {
	return json.Unmarshal(raw, dst)
}

// lockNodeTx loads a node row under FOR UPDATE. With nowait the lock is
// non-waiting and a held lock surfaces as ErrResourceBusy.
func lockNodeTx(ctx context.Context, tx pgx.Tx, nodeID int64, nowait bool) (types.Node, error) {
	q := `SELECT ` + nodeColumns + ` FROM familytree.nodes WHERE id = $1 FOR UPDATE`
	if nowait {
		q += ` NOWAIT`
	}
	n, err := scanNode(tx.QueryRow(ctx, q, nodeID))
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Node{}, ports.ErrNodeNotFound
	}
	if err != nil {
		return types.Node{}, mapLockErr(err)
	}
	return n, nil
}

// nextPathSegment allocates the trailing path segment for a node placed
// under parentID: one past the highest segment ever used there, over
// live and tombstoned children alike. Sibling indexes renumber when
// siblings are deleted or reordered while their paths stay put, so a
// segment derived from the live sibling count can collide with a path
// another child still holds.
func nextPathSegment(ctx context.Context, tx pgx.Tx, parentID *int64) (int, error) {
	var next int
	err := tx.QueryRow(ctx, `
SELECT COALESCE(MAX(split_part(path, '.', char_length(path) - char_length(replace(path, '.', '')) + 1)::int), 0) + 1
FROM familytree.nodes
WHERE parent_id IS NOT DISTINCT FROM $1
`, parentID).Scan(&next)
	return next, err
}

// auditMeta controls how an in-tx mutation is recorded. Inverse replays
// record the same field diff under the UNDO operation instead of the
// mutation's natural one.
type auditMeta struct {
	op    types.AuditOperation
	group string
	extra map[string]any
}

func insertAuditTx(ctx context.Context, tx pgx.Tx, actorID, nodeID int64, meta auditMeta, before, after map[string]any) (string, error) {
	id, err := newUUID()
	if err != nil {
		return "", err
	}
	if before == nil {
		before = map[string]any{}
	}
	if after == nil {
		after = map[string]any{}
	}
	if len(meta.extra) > 0 {
		after = maps.Clone(after)
		maps.Copy(after, meta.extra)
	}
	beforeJSON, err := marshalJSON(before)
	if err != nil {
		return "", err
	}
	afterJSON, err := marshalJSON(after)
	if err != nil {
		return "", err
	}
	var group any
	if meta.group != "" {
		group = meta.group
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO familytree.audit_entries (id, actor_id, node_id, operation, before, after, group_id)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`, id, actorID, nodeID, string(meta.op), beforeJSON, afterJSON, group); err != nil {
		return "", err
	}
	return id, nil
}

// adjustAncestorCounts shifts descendant_count on every strict ancestor
// of path by delta. Tombstoned ancestors are adjusted too, so that a
// later restore finds them consistent.
func adjustAncestorCounts(ctx context.Context, tx pgx.Tx, path string, delta int) error {
	if path == "" {
		return nil
	}
	_, err := tx.Exec(ctx, `
UPDATE familytree.nodes
SET descendant_count = descendant_count + $2
WHERE $1 LIKE path || '.%'
`, path, delta)
	return err
}

// tombstoneNodeTx marks one live node deleted: sets the tombstone,
// closes the sibling gap among live children of the same parent, and
// decrements every ancestor's descendant count by one.
func tombstoneNodeTx(ctx context.Context, tx pgx.Tx, actorID, nodeID int64, meta auditMeta, nowait bool) error {
	node, err := lockNodeTx(ctx, tx, nodeID, nowait)
	if err != nil {
		return err
	}
	if !node.Live() {
		return ports.ErrNodeTombstoned
	}

	var deletedAt time.Time
	if err := tx.QueryRow(ctx, `
UPDATE familytree.nodes SET deleted_at = now() WHERE id = $1 RETURNING deleted_at
`, nodeID).Scan(&deletedAt); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `
UPDATE familytree.nodes
SET sibling_index = sibling_index - 1
WHERE parent_id IS NOT DISTINCT FROM $1 AND deleted_at IS NULL AND sibling_index > $2
`, node.ParentID, node.SiblingIndex); err != nil {
		return err
	}

	if err := adjustAncestorCounts(ctx, tx, node.Path, -1); err != nil {
		return err
	}

	_, err = insertAuditTx(ctx, tx, actorID, nodeID, meta,
		map[string]any{"sibling_index": node.SiblingIndex},
		map[string]any{"deleted_at": deletedAt.UTC().Format(time.RFC3339Nano)},
	)
	return err
}

// restoreNodeTx revives one tombstoned node at atIndex among its live
// siblings (clamped to the end), shifting later siblings up. The parent
// row is locked before the liveness check so a concurrent delete of the
// parent cannot slip between check and write.
func restoreNodeTx(ctx context.Context, tx pgx.Tx, actorID, nodeID int64, atIndex int, meta auditMeta, nowait bool) error {
	node, err := lockNodeTx(ctx, tx, nodeID, nowait)
	if err != nil {
		return err
	}
	if node.Live() {
		return ports.ErrNodeNotTombstoned
	}

	var parentPath string
	if node.ParentID != nil {
		parent, err := lockNodeTx(ctx, tx, *node.ParentID, nowait)
		if err != nil {
			if errors.Is(err, ports.ErrNodeNotFound) {
				return ports.ErrParentGone
			}
			return err
		}
		if !parent.Live() {
			return ports.ErrParentGone
		}
		parentPath = parent.Path
	}

	var liveSiblings int
	if err := tx.QueryRow(ctx, `
SELECT count(*) FROM familytree.nodes
WHERE parent_id IS NOT DISTINCT FROM $1 AND deleted_at IS NULL
`, node.ParentID).Scan(&liveSiblings); err != nil {
		return err
	}
	idx := atIndex
	if idx < 1 || idx > liveSiblings+1 {
		idx = liveSiblings + 1
	}

	// While the node was tombstoned another mutation may have taken its
	// path live (rows predating segment allocation, or a resync). The
	// subtree relocates to a fresh segment before revival so live-path
	// uniqueness holds.
	newPath := node.Path
	var pathTaken bool
	if err := tx.QueryRow(ctx, `
SELECT EXISTS (
  SELECT 1 FROM familytree.nodes WHERE path = $1 AND deleted_at IS NULL
)
`, node.Path).Scan(&pathTaken); err != nil {
		return err
	}
	if pathTaken {
		seg, err := nextPathSegment(ctx, tx, node.ParentID)
		if err != nil {
			return err
		}
		newPath = treepath.Child(parentPath, seg)
		// The colliding live node shares the path prefix, so the subtree
		// is identified through parent_id chains, not a path match.
		if _, err := tx.Exec(ctx, `
WITH RECURSIVE subtree AS (
  SELECT id FROM familytree.nodes WHERE id = $1
  UNION ALL
  SELECT n.id FROM familytree.nodes n JOIN subtree s ON n.parent_id = s.id
)
UPDATE familytree.nodes
SET path = $3 || substring(path FROM char_length($2) + 1)
WHERE id IN (SELECT id FROM subtree)
`, nodeID, node.Path, newPath); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(ctx, `
UPDATE familytree.nodes
SET sibling_index = sibling_index + 1
WHERE parent_id IS NOT DISTINCT FROM $1 AND deleted_at IS NULL AND sibling_index >= $2
`, node.ParentID, idx); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
UPDATE familytree.nodes SET deleted_at = NULL, sibling_index = $2 WHERE id = $1
`, nodeID, idx); err != nil {
		return err
	}

	if err := adjustAncestorCounts(ctx, tx, newPath, 1); err != nil {
		return err
	}

	before := map[string]any{"deleted_at": node.DeletedAt.UTC().Format(time.RFC3339Nano), "sibling_index": node.SiblingIndex}
	after := map[string]any{"sibling_index": idx}
	if newPath != node.Path {
		before["path"] = node.Path
		after["path"] = newPath
	}
	_, err = insertAuditTx(ctx, tx, actorID, nodeID, meta, before, after)
	return err
}

// reparentNodeTx moves a subtree under a new parent. All row locks are
// non-waiting. The whole move is a fixed sequence of set-based writes:
// sibling gap close at the old parent, sibling shift at the new one, a
// single prefix rewrite over every row of the subtree (tombstones
// included, so restores stay consistent), and ancestor count transfers.
func reparentNodeTx(ctx context.Context, tx pgx.Tx, actorID, nodeID int64, newParentID *int64, newSiblingIndex int, meta auditMeta) error {
	node, err := lockNodeTx(ctx, tx, nodeID, true)
	if err != nil {
		return err
	}
	if !node.Live() {
		return ports.ErrNodeTombstoned
	}

	if node.ParentID != nil {
		if _, err := lockNodeTx(ctx, tx, *node.ParentID, true); err != nil && !errors.Is(err, ports.ErrNodeNotFound) {
			return err
		}
	}

	var newParentPath string
	newGeneration := 1
	if newParentID != nil {
		if *newParentID == nodeID {
			return ports.ErrCycleDetected
		}
		parent, err := lockNodeTx(ctx, tx, *newParentID, true)
		if err != nil {
			if errors.Is(err, ports.ErrNodeNotFound) {
				return ports.ErrParentNotFound
			}
			return err
		}
		if !parent.Live() {
			return ports.ErrParentTombstoned
		}
		if treepath.IsDescendantOf(parent.Path, node.Path) {
			return ports.ErrCycleDetected
		}
		newParentPath = parent.Path
		newGeneration = parent.Generation + 1
	} else {
		var otherRoot bool
		if err := tx.QueryRow(ctx, `
SELECT EXISTS (
  SELECT 1 FROM familytree.nodes
  WHERE parent_id IS NULL AND deleted_at IS NULL AND id <> $1
)
`, nodeID).Scan(&otherRoot); err != nil {
			return err
		}
		if otherRoot {
			return ports.ErrRootAlreadyExists
		}
	}

	var newSiblings int
	if err := tx.QueryRow(ctx, `
SELECT count(*) FROM familytree.nodes
WHERE parent_id IS NOT DISTINCT FROM $1 AND deleted_at IS NULL AND id <> $2
`, newParentID, nodeID).Scan(&newSiblings); err != nil {
		return err
	}
	if newSiblingIndex < 1 || newSiblingIndex > newSiblings+1 {
		return ports.ErrSiblingIndexRange
	}

	samePos := false
	if node.ParentID == nil && newParentID == nil {
		samePos = node.SiblingIndex == newSiblingIndex
	} else if node.ParentID != nil && newParentID != nil && *node.ParentID == *newParentID {
		samePos = node.SiblingIndex == newSiblingIndex
	}
	if samePos {
		return nil
	}

	var subtreeLive int
	if err := tx.QueryRow(ctx, `
SELECT count(*) FROM familytree.nodes
WHERE (path = $1 OR path LIKE $1 || '.%') AND deleted_at IS NULL
`, node.Path).Scan(&subtreeLive); err != nil {
		return err
	}

	// The new trailing segment is allocated fresh instead of reusing
	// newSiblingIndex: the sibling shift below renumbers indexes but
	// leaves the displaced children's paths in place, so the path at
	// that position may still be held live.
	seg, err := nextPathSegment(ctx, tx, newParentID)
	if err != nil {
		return err
	}

	// Close the gap at the old parent, then open one at the new.
	if _, err := tx.Exec(ctx, `
UPDATE familytree.nodes
SET sibling_index = sibling_index - 1
WHERE parent_id IS NOT DISTINCT FROM $1 AND deleted_at IS NULL
  AND sibling_index > $2 AND id <> $3
`, node.ParentID, node.SiblingIndex, nodeID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
UPDATE familytree.nodes
SET sibling_index = sibling_index + 1
WHERE parent_id IS NOT DISTINCT FROM $1 AND deleted_at IS NULL
  AND sibling_index >= $2 AND id <> $3
`, newParentID, newSiblingIndex, nodeID); err != nil {
		return err
	}

	newPath := treepath.Child(newParentPath, seg)
	generationDelta := newGeneration - node.Generation
	if _, err := tx.Exec(ctx, `
UPDATE familytree.nodes
SET path = $2 || substring(path FROM char_length($1) + 1),
    generation = generation + $3
WHERE path = $1 OR path LIKE $1 || '.%'
`, node.Path, newPath, generationDelta); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
UPDATE familytree.nodes SET parent_id = $2, sibling_index = $3 WHERE id = $1
`, nodeID, newParentID, newSiblingIndex); err != nil {
		return err
	}

	// Overlapping ancestors net out to zero across the two adjustments.
	if err := adjustAncestorCounts(ctx, tx, node.Path, -subtreeLive); err != nil {
		return err
	}
	if err := adjustAncestorCounts(ctx, tx, newPath, subtreeLive); err != nil {
		return err
	}

	_, err = insertAuditTx(ctx, tx, actorID, nodeID, meta,
		map[string]any{
			"parent_id":     int64PtrValue(node.ParentID),
			"sibling_index": node.SiblingIndex,
			"path":          node.Path,
			"generation":    node.Generation,
		},
		map[string]any{
			"parent_id":     int64PtrValue(newParentID),
			"sibling_index": newSiblingIndex,
			"path":          newPath,
			"generation":    newGeneration,
		},
	)
	return err
}

// reorderChildrenTx rewrites sibling_index for every live child of
// parentID: listed children first in the given order, unlisted ones
// after in their current relative order. Unknown, foreign, and
// tombstoned ids are reported per child and skipped.
func reorderChildrenTx(ctx context.Context, tx pgx.Tx, actorID, parentID int64, orderedIDs []int64, meta auditMeta) (types.UpdateReport, error) {
	parent, err := lockNodeTx(ctx, tx, parentID, false)
	if err != nil {
		if errors.Is(err, ports.ErrNodeNotFound) {
			return types.UpdateReport{}, ports.ErrParentNotFound
		}
		return types.UpdateReport{}, err
	}
	if !parent.Live() {
		return types.UpdateReport{}, ports.ErrParentTombstoned
	}

	rows, err := tx.Query(ctx, `
SELECT id, deleted_at IS NOT NULL
FROM familytree.nodes
WHERE parent_id = $1
ORDER BY deleted_at IS NOT NULL, sibling_index
`, parentID)
	if err != nil {
		return types.UpdateReport{}, err
	}
	defer rows.Close()

	tombstoned := make(map[int64]bool)
	var liveOrder []int64
	for rows.Next() {
		var id int64
		var dead bool
		if err := rows.Scan(&id, &dead); err != nil {
			return types.UpdateReport{}, err
		}
		if dead {
			tombstoned[id] = true
		} else {
			liveOrder = append(liveOrder, id)
		}
	}
	if err := rows.Err(); err != nil {
		return types.UpdateReport{}, err
	}
	rows.Close()

	isLiveChild := make(map[int64]bool, len(liveOrder))
	for _, id := range liveOrder {
		isLiveChild[id] = true
	}

	var report types.UpdateReport
	listed := make(map[int64]bool, len(orderedIDs))
	var newOrder []int64
	for _, id := range orderedIDs {
		switch {
		case isLiveChild[id]:
			listed[id] = true
			newOrder = append(newOrder, id)
			report.Results = append(report.Results, types.ReorderResult{NodeID: id, OK: true})
		case tombstoned[id]:
			report.Results = append(report.Results, types.ReorderResult{NodeID: id, OK: false, Code: "NODE_TOMBSTONED"})
		default:
			report.Results = append(report.Results, types.ReorderResult{NodeID: id, OK: false, Code: "NOT_A_CHILD"})
		}
	}
	for _, id := range liveOrder {
		if !listed[id] {
			newOrder = append(newOrder, id)
		}
	}

	indices := make([]int, len(newOrder))
	for i := range newOrder {
		indices[i] = i + 1
	}
	if len(newOrder) > 0 {
		if _, err := tx.Exec(ctx, `
UPDATE familytree.nodes AS n
SET sibling_index = u.idx
FROM unnest($1::bigint[], $2::int[]) AS u(id, idx)
WHERE n.id = u.id
`, newOrder, indices); err != nil {
			return types.UpdateReport{}, err
		}
	}

	if _, err := insertAuditTx(ctx, tx, actorID, parentID, meta,
		map[string]any{"order": liveOrder},
		map[string]any{"order": newOrder},
	); err != nil {
		return types.UpdateReport{}, err
	}
	return report, nil
}

// editNodeFieldsTx applies a display-name and/or detail change to one
// live node. A nil detail value clears the key. No-op edits write
// nothing, including no audit entry.
func editNodeFieldsTx(ctx context.Context, tx pgx.Tx, actorID, nodeID int64, fields ports.NodeFields, meta auditMeta, nowait bool) error {
	node, err := lockNodeTx(ctx, tx, nodeID, nowait)
	if err != nil {
		return err
	}
	if !node.Live() {
		return ports.ErrNodeTombstoned
	}

	before := map[string]any{}
	after := map[string]any{}

	newName := node.DisplayName
	if fields.DisplayName != "" && fields.DisplayName != node.DisplayName {
		before["display_name"] = node.DisplayName
		after["display_name"] = fields.DisplayName
		newName = fields.DisplayName
	}

	newDetail := node.Detail
	if len(fields.Detail) > 0 {
		merged := maps.Clone(node.Detail)
		if merged == nil {
			merged = map[string]any{}
		}
		changed := false
		for key, value := range fields.Detail {
			if value == nil {
				if _, ok := merged[key]; ok {
					delete(merged, key)
					changed = true
				}
				continue
			}
			if current, ok := merged[key]; !ok || current != value {
				merged[key] = value
				changed = true
			}
		}
		if changed {
			before["detail"] = node.Detail
			after["detail"] = merged
			newDetail = merged
		}
	}

	if len(after) == 0 {
		return nil
	}
	if newDetail == nil {
		newDetail = map[string]any{}
	}
	detailJSON, err := marshalJSON(newDetail)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
UPDATE familytree.nodes SET display_name = $2, detail = $3 WHERE id = $1
`, nodeID, newName, detailJSON); err != nil {
		return err
	}
	_, err = insertAuditTx(ctx, tx, actorID, nodeID, meta, before, after)
	return err
}

// addUnionTx records a symmetric spouse relation. The pair is stored
// normalized (lower id first) so the relation exists at most once.
func addUnionTx(ctx context.Context, tx pgx.Tx, actorID, nodeA, nodeB int64, meta auditMeta) error {
	lo, hi := orderPair(nodeA, nodeB)
	var liveCount int
	if err := tx.QueryRow(ctx, `
SELECT count(*) FROM familytree.nodes WHERE id = ANY($1::bigint[]) AND deleted_at IS NULL
`, []int64{lo, hi}).Scan(&liveCount); err != nil {
		return err
	}
	if liveCount != 2 {
		return ports.ErrNodeNotFound
	}
	var exists bool
	if err := tx.QueryRow(ctx, `
SELECT EXISTS (SELECT 1 FROM familytree.unions WHERE node_a = $1 AND node_b = $2)
`, lo, hi).Scan(&exists); err != nil {
		return err
	}
	if exists {
		return ports.ErrUnionExists
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO familytree.unions (node_a, node_b) VALUES ($1, $2)
`, lo, hi); err != nil {
		return err
	}
	_, err := insertAuditTx(ctx, tx, actorID, lo, meta,
		nil,
		map[string]any{"node_a": lo, "node_b": hi},
	)
	return err
}

func removeUnionTx(ctx context.Context, tx pgx.Tx, actorID, nodeA, nodeB int64, meta auditMeta) error {
	lo, hi := orderPair(nodeA, nodeB)
	tag, err := tx.Exec(ctx, `
DELETE FROM familytree.unions WHERE node_a = $1 AND node_b = $2
`, lo, hi)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ports.ErrUnionNotFound
	}
	_, err = insertAuditTx(ctx, tx, actorID, lo, meta,
		map[string]any{"node_a": lo, "node_b": hi},
		nil,
	)
	return err
}

func orderPair(a, b int64) (int64, int64) {
	if a > b {
		return b, a
	}
	return a, b
}

func int64PtrValue(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}

// Audit diffs round-trip through jsonb, so integers come back as
// float64. These coercions recover the inverse parameters.
func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}

func asInt64Ptr(v any) (*int64, bool) {
	if v == nil {
		return nil, true
	}
	n, ok := asInt64(v)
	if !ok {
		return nil, false
	}
	return &n, true
}

func asInt64Slice(v any) ([]int64, bool) {
	list, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]int64, 0, len(list))
	for _, item := range list {
		n, ok := asInt64(item)
		if !ok {
			return nil, false
		}
		out = append(out, n)
	}
	return out, true
}

func asDetailMap(v any) (map[string]any, bool) {
	if v == nil {
		return nil, true
	}
	m, ok := v.(map[string]any)
	return m, ok
}

func invalidInverse(entryID string, op types.AuditOperation) error {
	return fmt.Errorf("audit entry %s: %s diff does not invert", entryID, op)
}
