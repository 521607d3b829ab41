package persistence

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/lineagekeep/lineagekeep/modules/familytree/domain/ports"
	"github.com/lineagekeep/lineagekeep/modules/familytree/domain/types"
	"github.com/lineagekeep/lineagekeep/pkg/treepath"
)

// TreePGStore owns all node reads and structural writes. Every method is
// one transaction; multi-row invariants (sibling contiguity, path
// prefixes, cached descendant counts) are never visible half-applied.
type TreePGStore struct {
	pool pgBeginner
}

func NewTreePGStore(pool pgBeginner) *TreePGStore {
	return &TreePGStore{pool: pool}
}

var (
	_ ports.TreeReadStore  = (*TreePGStore)(nil)
	_ ports.TreeWriteStore = (*TreePGStore)(nil)
)

func (s *TreePGStore) GetNodeByID(ctx context.Context, id int64) (types.Node, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.Node{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	node, err := scanNode(tx.QueryRow(ctx, `
SELECT `+nodeColumns+` FROM familytree.nodes WHERE id = $1
`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Node{}, ports.ErrNodeNotFound
	}
	if err != nil {
		return types.Node{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return types.Node{}, err
	}
	return node, nil
}

func (s *TreePGStore) GetLiveNodeByPath(ctx context.Context, path string) (types.Node, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.Node{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	node, err := scanNode(tx.QueryRow(ctx, `
SELECT `+nodeColumns+` FROM familytree.nodes WHERE path = $1 AND deleted_at IS NULL
`, path))
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Node{}, ports.ErrNodeNotFound
	}
	if err != nil {
		return types.Node{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return types.Node{}, err
	}
	return node, nil
}

func (s *TreePGStore) ListBranch(ctx context.Context, startPath string, startGeneration, maxDepth, limit int) ([]ports.BranchRow, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	rows, err := tx.Query(ctx, `
SELECT n.id, n.path, n.generation, n.sibling_index, n.parent_id,
  n.descendant_count, n.deleted_at, n.display_name, n.detail,
  EXISTS (
    SELECT 1 FROM familytree.nodes c
    WHERE c.parent_id = n.id AND c.deleted_at IS NULL
  ) AS has_live_child
FROM familytree.nodes n
WHERE (n.path = $1 OR n.path LIKE $1 || '.%')
  AND n.generation < $2 + $3
  AND n.deleted_at IS NULL
ORDER BY n.generation, n.sibling_index, n.path
LIMIT $4
`, startPath, startGeneration, maxDepth, limit)
	if err != nil {
		return nil, err
	}
	branch, err := collectBranchRows(rows)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return branch, nil
}

func (s *TreePGStore) ListRoots(ctx context.Context) ([]ports.BranchRow, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	rows, err := tx.Query(ctx, `
SELECT n.id, n.path, n.generation, n.sibling_index, n.parent_id,
  n.descendant_count, n.deleted_at, n.display_name, n.detail,
  EXISTS (
    SELECT 1 FROM familytree.nodes c
    WHERE c.parent_id = n.id AND c.deleted_at IS NULL
  ) AS has_live_child
FROM familytree.nodes n
WHERE n.parent_id IS NULL AND n.deleted_at IS NULL
ORDER BY n.sibling_index
`)
	if err != nil {
		return nil, err
	}
	roots, err := collectBranchRows(rows)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return roots, nil
}

func collectBranchRows(rows pgx.Rows) ([]ports.BranchRow, error) {
	defer rows.Close()
	var out []ports.BranchRow
	for rows.Next() {
		var row ports.BranchRow
		n := &row.Node
		var detail []byte
		if err := rows.Scan(&n.ID, &n.Path, &n.Generation, &n.SiblingIndex, &n.ParentID,
			&n.DescendantCount, &n.DeletedAt, &n.DisplayName, &detail, &row.HasLiveChild); err != nil {
			return nil, err
		}
		if len(detail) > 0 {
			if err := unmarshalDetail(detail, &n.Detail); err != nil {
				return nil, err
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *TreePGStore) ListLiveNames(ctx context.Context) ([]ports.NameRow, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	rows, err := tx.Query(ctx, `
SELECT id, parent_id, generation, path, display_name
FROM familytree.nodes
WHERE deleted_at IS NULL
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ports.NameRow
	for rows.Next() {
		var row ports.NameRow
		if err := rows.Scan(&row.ID, &row.ParentID, &row.Generation, &row.Path, &row.DisplayName); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *TreePGStore) InsertNode(ctx context.Context, actorID int64, parentID *int64, fields ports.NodeFields) (types.Node, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.Node{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	node := types.Node{
		ParentID:    parentID,
		DisplayName: fields.DisplayName,
		Detail:      fields.Detail,
	}

	if parentID == nil {
		var rootExists bool
		if err := tx.QueryRow(ctx, `
SELECT EXISTS (
  SELECT 1 FROM familytree.nodes WHERE parent_id IS NULL AND deleted_at IS NULL
)
`).Scan(&rootExists); err != nil {
			return types.Node{}, err
		}
		if rootExists {
			return types.Node{}, ports.ErrRootAlreadyExists
		}
		// A tombstoned former root keeps its path until restored; the new
		// root must not take it.
		seg, err := nextPathSegment(ctx, tx, nil)
		if err != nil {
			return types.Node{}, err
		}
		node.Generation = 1
		node.SiblingIndex = 1
		node.Path = treepath.Child("", seg)
	} else {
		// The parent lock serializes sibling index assignment among
		// concurrent inserts under the same parent.
		parent, err := lockNodeTx(ctx, tx, *parentID, false)
		if err != nil {
			if errors.Is(err, ports.ErrNodeNotFound) {
				return types.Node{}, ports.ErrParentNotFound
			}
			return types.Node{}, err
		}
		if !parent.Live() {
			return types.Node{}, ports.ErrParentTombstoned
		}
		var nextIndex int
		if err := tx.QueryRow(ctx, `
SELECT COALESCE(MAX(sibling_index), 0) + 1
FROM familytree.nodes
WHERE parent_id = $1 AND deleted_at IS NULL
`, *parentID).Scan(&nextIndex); err != nil {
			return types.Node{}, err
		}
		// sibling_index counts live children only; the path segment is
		// allocated over every child ever placed here, so a tombstoned
		// sibling's path, or a live one renumbered below its own
		// segment, is never reissued.
		seg, err := nextPathSegment(ctx, tx, parentID)
		if err != nil {
			return types.Node{}, err
		}
		node.Generation = parent.Generation + 1
		node.SiblingIndex = nextIndex
		node.Path = treepath.Child(parent.Path, seg)
	}

	detail := node.Detail
	if detail == nil {
		detail = map[string]any{}
	}
	detailJSON, err := marshalJSON(detail)
	if err != nil {
		return types.Node{}, err
	}
	if err := tx.QueryRow(ctx, `
INSERT INTO familytree.nodes (path, generation, sibling_index, parent_id, display_name, detail)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id
`, node.Path, node.Generation, node.SiblingIndex, parentID, node.DisplayName, detailJSON).Scan(&node.ID); err != nil {
		return types.Node{}, err
	}

	if err := adjustAncestorCounts(ctx, tx, node.Path, 1); err != nil {
		return types.Node{}, err
	}

	if _, err := insertAuditTx(ctx, tx, actorID, node.ID,
		auditMeta{op: types.AuditOpInsert},
		nil,
		map[string]any{
			"path":          node.Path,
			"generation":    node.Generation,
			"sibling_index": node.SiblingIndex,
			"parent_id":     int64PtrValue(parentID),
			"display_name":  node.DisplayName,
			"detail":        detail,
		},
	); err != nil {
		return types.Node{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return types.Node{}, err
	}
	return node, nil
}

func (s *TreePGStore) ReparentNode(ctx context.Context, actorID int64, nodeID int64, newParentID *int64, newSiblingIndex int) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if err := reparentNodeTx(ctx, tx, actorID, nodeID, newParentID, newSiblingIndex,
		auditMeta{op: types.AuditOpReparent}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *TreePGStore) ReorderChildren(ctx context.Context, actorID int64, parentID int64, orderedIDs []int64) (types.UpdateReport, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.UpdateReport{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	report, err := reorderChildrenTx(ctx, tx, actorID, parentID, orderedIDs,
		auditMeta{op: types.AuditOpReorder})
	if err != nil {
		return types.UpdateReport{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return types.UpdateReport{}, err
	}
	return report, nil
}

func (s *TreePGStore) SoftDeleteNode(ctx context.Context, actorID int64, nodeID int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if err := tombstoneNodeTx(ctx, tx, actorID, nodeID,
		auditMeta{op: types.AuditOpSoftDelete}, false); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *TreePGStore) RestoreNode(ctx context.Context, actorID int64, nodeID int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	// 0 means "no recorded position": restore appends after the current
	// live siblings.
	if err := restoreNodeTx(ctx, tx, actorID, nodeID, 0,
		auditMeta{op: types.AuditOpRestore}, false); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *TreePGStore) SoftDeleteSubtree(ctx context.Context, actorID int64, nodeID int64) (string, int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", 0, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	node, err := lockNodeTx(ctx, tx, nodeID, false)
	if err != nil {
		return "", 0, err
	}
	if !node.Live() {
		return "", 0, ports.ErrNodeTombstoned
	}

	groupID, err := newUUID()
	if err != nil {
		return "", 0, err
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO familytree.operation_groups (id, status, op_count) VALUES ($1, $2, 0)
`, groupID, string(types.GroupActive)); err != nil {
		return "", 0, err
	}

	// Deepest first, so the group's newest-first undo replay restores
	// each parent before its children.
	rows, err := tx.Query(ctx, `
SELECT id FROM familytree.nodes
WHERE (path = $1 OR path LIKE $1 || '.%') AND deleted_at IS NULL
ORDER BY generation DESC, path DESC
`, node.Path)
	if err != nil {
		return "", 0, err
	}
	var subtreeIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return "", 0, err
		}
		subtreeIDs = append(subtreeIDs, id)
	}
	if err := rows.Err(); err != nil {
		return "", 0, err
	}
	rows.Close()

	for _, id := range subtreeIDs {
		if err := tombstoneNodeTx(ctx, tx, actorID, id,
			auditMeta{op: types.AuditOpSoftDelete, group: groupID}, false); err != nil {
			return "", 0, err
		}
	}

	if _, err := tx.Exec(ctx, `
UPDATE familytree.operation_groups SET op_count = $2 WHERE id = $1
`, groupID, len(subtreeIDs)); err != nil {
		return "", 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return "", 0, err
	}
	return groupID, len(subtreeIDs), nil
}

func (s *TreePGStore) EditNodeFields(ctx context.Context, actorID int64, nodeID int64, fields ports.NodeFields) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if err := editNodeFieldsTx(ctx, tx, actorID, nodeID, fields,
		auditMeta{op: types.AuditOpEditFields}, false); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *TreePGStore) AddUnion(ctx context.Context, actorID int64, nodeA, nodeB int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if err := addUnionTx(ctx, tx, actorID, nodeA, nodeB,
		auditMeta{op: types.AuditOpAddUnion}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *TreePGStore) RemoveUnion(ctx context.Context, actorID int64, nodeA, nodeB int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if err := removeUnionTx(ctx, tx, actorID, nodeA, nodeB,
		auditMeta{op: types.AuditOpRemoveUnion}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
