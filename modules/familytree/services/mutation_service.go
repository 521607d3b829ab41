package services

import (
	"context"
	"errors"
	"strings"

	"github.com/lineagekeep/lineagekeep/modules/familytree/domain/ports"
	"github.com/lineagekeep/lineagekeep/modules/familytree/domain/types"
	"github.com/lineagekeep/lineagekeep/pkg/httperr"
	"github.com/lineagekeep/lineagekeep/pkg/treepath"
)

const (
	errFieldValidation   = "FIELD_VALIDATION"
	errParentNotFound    = "PARENT_NOT_FOUND"
	errParentTombstoned  = "PARENT_TOMBSTONED"
	errParentGone        = "PARENT_GONE"
	errCycleDetected     = "CYCLE_DETECTED"
	errSiblingIndexRange = "SIBLING_INDEX_OUT_OF_RANGE"
	errRootAlreadyExists = "ROOT_ALREADY_EXISTS"
	errNodeTombstoned    = "NODE_TOMBSTONED"
	errNodeNotTombstoned = "NODE_NOT_TOMBSTONED"
	errResourceBusy      = "RESOURCE_BUSY"
	errUnionExists       = "UNION_EXISTS"
	errUnionNotFound     = "UNION_NOT_FOUND"
	errSelfUnion         = "SELF_UNION"
)

type InsertRequest struct {
	ActorID     int64
	ParentID    *int64
	DisplayName string
	Detail      map[string]any
}

type ReparentRequest struct {
	ActorID         int64
	NodeID          int64
	NewParentID     *int64
	NewSiblingIndex int
}

type ReorderRequest struct {
	ActorID    int64
	ParentID   int64
	OrderedIDs []int64
}

type NodeActionRequest struct {
	ActorID int64
	NodeID  int64
}

type EditFieldsRequest struct {
	ActorID     int64
	NodeID      int64
	DisplayName *string
	Detail      map[string]any
}

type UnionRequest struct {
	ActorID int64
	NodeA   int64
	NodeB   int64
}

type SubtreeDeleteResult struct {
	GroupID    string `json:"group_id"`
	Tombstoned int    `json:"tombstoned"`
}

type MutationService interface {
	Insert(ctx context.Context, req InsertRequest) (types.Node, error)
	Reparent(ctx context.Context, req ReparentRequest) error
	Reorder(ctx context.Context, req ReorderRequest) (types.UpdateReport, error)
	SoftDelete(ctx context.Context, req NodeActionRequest) error
	Restore(ctx context.Context, req NodeActionRequest) error
	EditFields(ctx context.Context, req EditFieldsRequest) error
	SoftDeleteSubtree(ctx context.Context, req NodeActionRequest) (SubtreeDeleteResult, error)
	AddUnion(ctx context.Context, req UnionRequest) error
	RemoveUnion(ctx context.Context, req UnionRequest) error
}

// ChainInvalidator is the slice of the search service mutations need:
// dropping cached ancestor chains under a rewritten or renamed prefix.
type ChainInvalidator interface {
	InvalidatePrefix(path string)
}

type noopInvalidator struct{}

func (noopInvalidator) InvalidatePrefix(string) {}

type mutationService struct {
	write  ports.TreeWriteStore
	read   ports.TreeReadStore
	chains ChainInvalidator
}

func NewMutationService(write ports.TreeWriteStore, read ports.TreeReadStore, chains ChainInvalidator) MutationService {
	if chains == nil {
		chains = noopInvalidator{}
	}
	return &mutationService{write: write, read: read, chains: chains}
}

func (s *mutationService) Insert(ctx context.Context, req InsertRequest) (types.Node, error) {
	name := strings.TrimSpace(req.DisplayName)
	if name == "" {
		return types.Node{}, httperr.NewBadRequest(errFieldValidation)
	}
	if err := validateDetail(ResolveFieldPolicy(MutationActionInsert), req.Detail); err != nil {
		return types.Node{}, err
	}

	node, err := s.write.InsertNode(ctx, req.ActorID, req.ParentID, ports.NodeFields{
		DisplayName: name,
		Detail:      req.Detail,
	})
	if err != nil {
		return types.Node{}, mapMutationErr(err)
	}
	return node, nil
}

func (s *mutationService) Reparent(ctx context.Context, req ReparentRequest) error {
	if req.NewSiblingIndex < 1 {
		return httperr.NewBadRequest(errSiblingIndexRange)
	}

	node, err := s.read.GetNodeByID(ctx, req.NodeID)
	if err != nil {
		return mapMutationErr(err)
	}
	if !node.Live() {
		return errors.New(errNodeTombstoned)
	}

	// Cycle pre-check outside the transaction; the store re-checks under
	// locks before writing.
	if req.NewParentID != nil {
		parent, err := s.read.GetNodeByID(ctx, *req.NewParentID)
		if err != nil {
			if errors.Is(err, ports.ErrNodeNotFound) {
				return errors.New(errParentNotFound)
			}
			return err
		}
		if treepath.IsDescendantOf(parent.Path, node.Path) {
			return errors.New(errCycleDetected)
		}
	}

	oldPath := node.Path
	if err := s.write.ReparentNode(ctx, req.ActorID, req.NodeID, req.NewParentID, req.NewSiblingIndex); err != nil {
		return mapMutationErr(err)
	}
	s.chains.InvalidatePrefix(oldPath)
	return nil
}

func (s *mutationService) Reorder(ctx context.Context, req ReorderRequest) (types.UpdateReport, error) {
	if len(req.OrderedIDs) == 0 {
		return types.UpdateReport{}, httperr.NewBadRequest(errFieldValidation)
	}
	seen := make(map[int64]bool, len(req.OrderedIDs))
	for _, id := range req.OrderedIDs {
		if seen[id] {
			return types.UpdateReport{}, httperr.NewBadRequest(errFieldValidation)
		}
		seen[id] = true
	}

	report, err := s.write.ReorderChildren(ctx, req.ActorID, req.ParentID, req.OrderedIDs)
	if err != nil {
		return types.UpdateReport{}, mapMutationErr(err)
	}
	// Reorder never rewrites paths, so cached chains stay valid.
	return report, nil
}

func (s *mutationService) SoftDelete(ctx context.Context, req NodeActionRequest) error {
	node, err := s.read.GetNodeByID(ctx, req.NodeID)
	if err != nil {
		return mapMutationErr(err)
	}
	if err := s.write.SoftDeleteNode(ctx, req.ActorID, req.NodeID); err != nil {
		return mapMutationErr(err)
	}
	s.chains.InvalidatePrefix(node.Path)
	return nil
}

func (s *mutationService) Restore(ctx context.Context, req NodeActionRequest) error {
	if err := s.write.RestoreNode(ctx, req.ActorID, req.NodeID); err != nil {
		return mapMutationErr(err)
	}
	return nil
}

func (s *mutationService) EditFields(ctx context.Context, req EditFieldsRequest) error {
	fields := ports.NodeFields{Detail: req.Detail}
	nameChanged := false
	if req.DisplayName != nil {
		name := strings.TrimSpace(*req.DisplayName)
		if name == "" {
			return httperr.NewBadRequest(errFieldValidation)
		}
		fields.DisplayName = name
		nameChanged = true
	}
	if len(req.Detail) == 0 && !nameChanged {
		return httperr.NewBadRequest(errFieldValidation)
	}
	if err := validateDetail(ResolveFieldPolicy(MutationActionEditFields), req.Detail); err != nil {
		return err
	}

	node, err := s.read.GetNodeByID(ctx, req.NodeID)
	if err != nil {
		return mapMutationErr(err)
	}
	if err := s.write.EditNodeFields(ctx, req.ActorID, req.NodeID, fields); err != nil {
		return mapMutationErr(err)
	}
	if nameChanged && node.Path != "" {
		// A renamed ancestor changes every chain below it.
		s.chains.InvalidatePrefix(node.Path)
	}
	return nil
}

func (s *mutationService) SoftDeleteSubtree(ctx context.Context, req NodeActionRequest) (SubtreeDeleteResult, error) {
	node, err := s.read.GetNodeByID(ctx, req.NodeID)
	if err != nil {
		return SubtreeDeleteResult{}, mapMutationErr(err)
	}
	groupID, count, err := s.write.SoftDeleteSubtree(ctx, req.ActorID, req.NodeID)
	if err != nil {
		return SubtreeDeleteResult{}, mapMutationErr(err)
	}
	s.chains.InvalidatePrefix(node.Path)
	return SubtreeDeleteResult{GroupID: groupID, Tombstoned: count}, nil
}

func (s *mutationService) AddUnion(ctx context.Context, req UnionRequest) error {
	if req.NodeA == req.NodeB {
		return httperr.NewBadRequest(errSelfUnion)
	}
	if err := s.write.AddUnion(ctx, req.ActorID, req.NodeA, req.NodeB); err != nil {
		return mapMutationErr(err)
	}
	return nil
}

func (s *mutationService) RemoveUnion(ctx context.Context, req UnionRequest) error {
	if req.NodeA == req.NodeB {
		return httperr.NewBadRequest(errSelfUnion)
	}
	if err := s.write.RemoveUnion(ctx, req.ActorID, req.NodeA, req.NodeB); err != nil {
		return mapMutationErr(err)
	}
	return nil
}

func mapMutationErr(err error) error {
	switch {
	case errors.Is(err, ports.ErrNodeNotFound):
		return errors.New(errNodeNotFound)
	case errors.Is(err, ports.ErrParentNotFound):
		return errors.New(errParentNotFound)
	case errors.Is(err, ports.ErrParentTombstoned):
		return errors.New(errParentTombstoned)
	case errors.Is(err, ports.ErrParentGone):
		return errors.New(errParentGone)
	case errors.Is(err, ports.ErrCycleDetected):
		return errors.New(errCycleDetected)
	case errors.Is(err, ports.ErrSiblingIndexRange):
		return errors.New(errSiblingIndexRange)
	case errors.Is(err, ports.ErrRootAlreadyExists):
		return errors.New(errRootAlreadyExists)
	case errors.Is(err, ports.ErrNodeTombstoned):
		return errors.New(errNodeTombstoned)
	case errors.Is(err, ports.ErrNodeNotTombstoned):
		return errors.New(errNodeNotTombstoned)
	case errors.Is(err, ports.ErrUnionExists):
		return errors.New(errUnionExists)
	case errors.Is(err, ports.ErrUnionNotFound):
		return errors.New(errUnionNotFound)
	case errors.Is(err, ports.ErrResourceBusy):
		return httperr.NewBusy(errResourceBusy)
	default:
		return err
	}
}
