package persistence

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/lineagekeep/lineagekeep/modules/familytree/domain/ports"
	"github.com/lineagekeep/lineagekeep/modules/familytree/domain/types"
)

// AuditPGStore reads the ledger and replays inverses. The ledger itself
// is append-only; the only in-place write is the undone_at marker.
type AuditPGStore struct {
	pool pgBeginner
}

func NewAuditPGStore(pool pgBeginner) *AuditPGStore {
	return &AuditPGStore{pool: pool}
}

var _ ports.AuditStore = (*AuditPGStore)(nil)

const auditColumns = `id, actor_id, node_id, operation, before, after, group_id, created_at, undone_at`

func scanAuditEntry(row pgx.Row) (types.AuditEntry, error) {
	var e types.AuditEntry
	var op string
	var before, after []byte
	var groupID *string
	if err := row.Scan(&e.ID, &e.ActorID, &e.NodeID, &op, &before, &after, &groupID, &e.CreatedAt, &e.UndoneAt); err != nil {
		return types.AuditEntry{}, err
	}
	e.Operation = types.AuditOperation(op)
	if groupID != nil {
		e.GroupID = *groupID
	}
	if len(before) > 0 {
		if err := unmarshalDetail(before, &e.Before); err != nil {
			return types.AuditEntry{}, err
		}
	}
	if len(after) > 0 {
		if err := unmarshalDetail(after, &e.After); err != nil {
			return types.AuditEntry{}, err
		}
	}
	return e, nil
}

func (s *AuditPGStore) GetEntry(ctx context.Context, entryID string) (types.AuditEntry, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.AuditEntry{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	entry, err := scanAuditEntry(tx.QueryRow(ctx, `
SELECT `+auditColumns+` FROM familytree.audit_entries WHERE id = $1
`, entryID))
	if errors.Is(err, pgx.ErrNoRows) {
		return types.AuditEntry{}, ports.ErrEntryNotFound
	}
	if err != nil {
		return types.AuditEntry{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return types.AuditEntry{}, err
	}
	return entry, nil
}

func (s *AuditPGStore) GetGroup(ctx context.Context, groupID string) (types.OperationGroup, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.OperationGroup{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	var group types.OperationGroup
	var status string
	err = tx.QueryRow(ctx, `
SELECT id, status, op_count, created_at FROM familytree.operation_groups WHERE id = $1
`, groupID).Scan(&group.ID, &status, &group.OpCount, &group.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.OperationGroup{}, ports.ErrGroupNotFound
	}
	if err != nil {
		return types.OperationGroup{}, err
	}
	group.Status = types.GroupStatus(status)
	if err := tx.Commit(ctx); err != nil {
		return types.OperationGroup{}, err
	}
	return group, nil
}

func (s *AuditPGStore) ListGroupEntries(ctx context.Context, groupID string) ([]types.AuditEntry, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	// seq, not created_at: rows written in one transaction share a
	// timestamp, and the replay order must be exact.
	rows, err := tx.Query(ctx, `
SELECT `+auditColumns+` FROM familytree.audit_entries
WHERE group_id = $1
ORDER BY seq DESC
`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []types.AuditEntry
	for rows.Next() {
		entry, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *AuditPGStore) SetGroupStatus(ctx context.Context, groupID string, status types.GroupStatus) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	tag, err := tx.Exec(ctx, `
UPDATE familytree.operation_groups SET status = $2 WHERE id = $1
`, groupID, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ports.ErrGroupNotFound
	}
	return tx.Commit(ctx)
}

// UndoEntry applies the inverse of one ledger entry. The entry row is
// locked first so two concurrent undos of the same entry serialize; the
// inverse then re-validates current state under non-waiting row locks
// and records itself as a new UNDO entry pointing back at the original.
func (s *AuditPGStore) UndoEntry(ctx context.Context, actorID int64, entryID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	entry, err := scanAuditEntry(tx.QueryRow(ctx, `
SELECT `+auditColumns+` FROM familytree.audit_entries WHERE id = $1 FOR UPDATE
`, entryID))
	if errors.Is(err, pgx.ErrNoRows) {
		return ports.ErrEntryNotFound
	}
	if err != nil {
		return err
	}
	if entry.UndoneAt != nil {
		return ports.ErrEntryAlreadyUndone
	}

	meta := auditMeta{
		op:    types.AuditOpUndo,
		extra: map[string]any{"undone_entry_id": entry.ID},
	}

	switch entry.Operation {
	case types.AuditOpInsert, types.AuditOpRestore:
		err = tombstoneNodeTx(ctx, tx, actorID, entry.NodeID, meta, true)

	case types.AuditOpSoftDelete:
		idx, ok := asInt64(entry.Before["sibling_index"])
		if !ok {
			return invalidInverse(entry.ID, entry.Operation)
		}
		err = restoreNodeTx(ctx, tx, actorID, entry.NodeID, int(idx), meta, true)

	case types.AuditOpReparent:
		parentID, okParent := asInt64Ptr(entry.Before["parent_id"])
		idx, okIdx := asInt64(entry.Before["sibling_index"])
		if !okParent || !okIdx {
			return invalidInverse(entry.ID, entry.Operation)
		}
		err = reparentNodeTx(ctx, tx, actorID, entry.NodeID, parentID, int(idx), meta)

	case types.AuditOpReorder:
		order, ok := asInt64Slice(entry.Before["order"])
		if !ok {
			return invalidInverse(entry.ID, entry.Operation)
		}
		// Children moved or deleted since the original reorder are
		// reported and skipped; the remainder still goes back.
		_, err = reorderChildrenTx(ctx, tx, actorID, entry.NodeID, order, meta)

	case types.AuditOpEditFields:
		err = s.undoEditFields(ctx, tx, actorID, entry, meta)

	case types.AuditOpAddUnion:
		a, okA := asInt64(entry.After["node_a"])
		b, okB := asInt64(entry.After["node_b"])
		if !okA || !okB {
			return invalidInverse(entry.ID, entry.Operation)
		}
		err = removeUnionTx(ctx, tx, actorID, a, b, meta)

	case types.AuditOpRemoveUnion:
		a, okA := asInt64(entry.Before["node_a"])
		b, okB := asInt64(entry.Before["node_b"])
		if !okA || !okB {
			return invalidInverse(entry.ID, entry.Operation)
		}
		err = addUnionTx(ctx, tx, actorID, a, b, meta)

	default:
		return ports.ErrEntryNotUndoable
	}
	if err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `
UPDATE familytree.audit_entries SET undone_at = now() WHERE id = $1
`, entryID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *AuditPGStore) undoEditFields(ctx context.Context, tx pgx.Tx, actorID int64, entry types.AuditEntry, meta auditMeta) error {
	node, err := lockNodeTx(ctx, tx, entry.NodeID, true)
	if err != nil {
		return err
	}
	if !node.Live() {
		return ports.ErrNodeTombstoned
	}

	before := map[string]any{}
	after := map[string]any{}
	newName := node.DisplayName
	newDetail := node.Detail

	if raw, ok := entry.Before["display_name"]; ok {
		name, isString := raw.(string)
		if !isString {
			return invalidInverse(entry.ID, entry.Operation)
		}
		if name != node.DisplayName {
			before["display_name"] = node.DisplayName
			after["display_name"] = name
			newName = name
		}
	}
	if raw, ok := entry.Before["detail"]; ok {
		detail, isMap := asDetailMap(raw)
		if !isMap {
			return invalidInverse(entry.ID, entry.Operation)
		}
		before["detail"] = node.Detail
		after["detail"] = detail
		newDetail = detail
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
`, entry.NodeID, newName, detailJSON); err != nil {
		return err
	}
	_, err = insertAuditTx(ctx, tx, actorID, entry.NodeID, meta, before, after)
	return err
}
