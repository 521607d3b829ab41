package persistence

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/lineagekeep/lineagekeep/modules/familytree/domain/ports"
	"github.com/lineagekeep/lineagekeep/modules/familytree/domain/types"
)

// PermissionPGStore gathers the relationship facts the evaluator ranks:
// block state, inner-circle adjacency (parent, child, sibling, union)
// and the actor's active branch grants, all in one transaction so the
// evaluator never sees a torn view.
type PermissionPGStore struct {
	pool pgBeginner
}

func NewPermissionPGStore(pool pgBeginner) *PermissionPGStore {
	return &PermissionPGStore{pool: pool}
}

var _ ports.PermissionStore = (*PermissionPGStore)(nil)

func (s *PermissionPGStore) GetRelationshipFacts(ctx context.Context, actorID, targetID int64) (ports.RelationshipFacts, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ports.RelationshipFacts{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	var facts ports.RelationshipFacts

	// A tombstoned target has no permission surface: evaluation reports
	// it the same as a node that never existed.
	var targetParent *int64
	err = tx.QueryRow(ctx, `
SELECT path, parent_id FROM familytree.nodes WHERE id = $1 AND deleted_at IS NULL
`, targetID).Scan(&facts.TargetPath, &targetParent)
	if errors.Is(err, pgx.ErrNoRows) {
		return ports.RelationshipFacts{}, ports.ErrNodeNotFound
	}
	if err != nil {
		return ports.RelationshipFacts{}, err
	}

	if err := tx.QueryRow(ctx, `
SELECT EXISTS (
  SELECT 1 FROM familytree.blocks
  WHERE blocker_id = $1 AND blocked_id = $2 AND active
)
`, targetID, actorID).Scan(&facts.Blocked); err != nil {
		return ports.RelationshipFacts{}, err
	}

	// The actor may not be a tree node at all (e.g. a role-only admin);
	// then no adjacency applies.
	var actorParent *int64
	err = tx.QueryRow(ctx, `
SELECT parent_id FROM familytree.nodes WHERE id = $1 AND deleted_at IS NULL
`, actorID).Scan(&actorParent)
	actorInTree := err == nil
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return ports.RelationshipFacts{}, err
	}

	if actorInTree {
		inner := (actorParent != nil && *actorParent == targetID) ||
			(targetParent != nil && *targetParent == actorID) ||
			(actorParent != nil && targetParent != nil && *actorParent == *targetParent)
		if !inner {
			lo, hi := orderPair(actorID, targetID)
			if err := tx.QueryRow(ctx, `
SELECT EXISTS (
  SELECT 1 FROM familytree.unions WHERE node_a = $1 AND node_b = $2
)
`, lo, hi).Scan(&inner); err != nil {
				return ports.RelationshipFacts{}, err
			}
		}
		facts.InnerCircle = inner
	}

	rows, err := tx.Query(ctx, `
SELECT grantee_id, branch_path, condition_expr, active
FROM familytree.moderator_grants
WHERE grantee_id = $1 AND active
`, actorID)
	if err != nil {
		return ports.RelationshipFacts{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var grant types.ModeratorGrant
		if err := rows.Scan(&grant.GranteeID, &grant.BranchPath, &grant.ConditionExpr, &grant.Active); err != nil {
			return ports.RelationshipFacts{}, err
		}
		facts.Grants = append(facts.Grants, grant)
	}
	if err := rows.Err(); err != nil {
		return ports.RelationshipFacts{}, err
	}
	rows.Close()

	if err := tx.Commit(ctx); err != nil {
		return ports.RelationshipFacts{}, err
	}
	return facts, nil
}
