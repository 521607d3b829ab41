package services

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/lineagekeep/lineagekeep/modules/familytree/domain/ports"
	"github.com/lineagekeep/lineagekeep/modules/familytree/domain/types"
	"github.com/lineagekeep/lineagekeep/pkg/authz"
	"github.com/lineagekeep/lineagekeep/pkg/treepath"
)

// RoleAuthorizer is the role-table slice of pkg/authz the evaluator
// consumes: admin and super-admin are independent of tree position.
type RoleAuthorizer interface {
	Authorize(subject string, object string, action string) (allowed bool, enforced bool, err error)
}

type PermissionService interface {
	Evaluate(ctx context.Context, actorID, targetID int64) (types.PermissionLevel, error)
}

type permissionService struct {
	store ports.PermissionStore
	roles RoleAuthorizer
}

func NewPermissionService(store ports.PermissionStore, roles RoleAuthorizer) PermissionService {
	return &permissionService{store: store, roles: roles}
}

var newGrantCELEnv = func() (*cel.Env, error) {
	return cel.NewEnv(cel.Variable("ctx", cel.MapType(cel.StringType, cel.StringType)))
}

var grantProgramCache sync.Map

func (s *permissionService) Evaluate(ctx context.Context, actorID, targetID int64) (types.PermissionLevel, error) {
	facts, err := s.store.GetRelationshipFacts(ctx, actorID, targetID)
	if err != nil {
		if errors.Is(err, ports.ErrNodeNotFound) {
			return "", errors.New(errNodeNotFound)
		}
		return "", err
	}

	if facts.Blocked {
		return types.PermissionBlocked, nil
	}
	if actorID == targetID {
		return types.PermissionSelf, nil
	}
	if facts.InnerCircle {
		return types.PermissionInnerCircle, nil
	}

	moderator, err := matchGrant(facts, actorID, targetID)
	if err != nil {
		return "", err
	}
	if moderator {
		return types.PermissionModerator, nil
	}

	subject := authz.SubjectFromPersonID(actorID)
	if allowed, _, err := s.roles.Authorize(subject, authz.ObjectTreeNodes, authz.ActionOverride); err != nil {
		return "", err
	} else if allowed {
		return types.PermissionSuperAdmin, nil
	}
	if allowed, _, err := s.roles.Authorize(subject, authz.ObjectTreeNodes, authz.ActionAdmin); err != nil {
		return "", err
	} else if allowed {
		return types.PermissionAdmin, nil
	}

	// None routes the caller to a suggestion/approval flow outside this
	// engine.
	return types.PermissionNone, nil
}

func matchGrant(facts ports.RelationshipFacts, actorID, targetID int64) (bool, error) {
	if facts.TargetPath == "" {
		return false, nil
	}
	for _, grant := range facts.Grants {
		if !grant.Active || grant.BranchPath == "" {
			continue
		}
		if !treepath.IsDescendantOf(facts.TargetPath, grant.BranchPath) {
			continue
		}
		expr := strings.TrimSpace(grant.ConditionExpr)
		if expr == "" {
			return true, nil
		}
		ok, err := evalGrantCondition(expr, map[string]string{
			"actor_id":    strconv.FormatInt(actorID, 10),
			"target_id":   strconv.FormatInt(targetID, 10),
			"target_path": facts.TargetPath,
			"branch_path": grant.BranchPath,
		})
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func evalGrantCondition(expr string, ctxMap map[string]string) (bool, error) {
	program, err := loadOrCompileGrantProgram(expr)
	if err != nil {
		return false, err
	}
	out, _, err := program.Eval(map[string]any{"ctx": ctxMap})
	if err != nil {
		return false, err
	}
	v, ok := out.Value().(bool)
	if !ok {
		return false, errors.New("grant condition must evaluate to bool")
	}
	return v, nil
}

func loadOrCompileGrantProgram(expr string) (cel.Program, error) {
	if cached, ok := grantProgramCache.Load(expr); ok {
		return cached.(cel.Program), nil
	}
	env, err := newGrantCELEnv()
	if err != nil {
		return nil, err
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	if ast.OutputType() == nil || !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, errors.New("grant condition must be a bool expression")
	}
	program, err := env.Program(ast)
	if err != nil {
		return nil, err
	}
	grantProgramCache.Store(expr, program)
	return program, nil
}
