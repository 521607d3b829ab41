package services

import (
	"context"
	"errors"

	"github.com/lineagekeep/lineagekeep/modules/familytree/domain/ports"
	"github.com/lineagekeep/lineagekeep/modules/familytree/domain/types"
	"github.com/lineagekeep/lineagekeep/pkg/httperr"
	"github.com/lineagekeep/lineagekeep/pkg/treepath"
)

const (
	errInvalidDepth = "INVALID_DEPTH"
	errInvalidLimit = "INVALID_LIMIT"
	errPathInvalid  = "PATH_INVALID"
	errNodeNotFound = "NODE_NOT_FOUND"
)

const (
	MinBranchDepth = 1
	MaxBranchDepth = 10
	MinBranchLimit = 1
	MaxBranchLimit = 500
)

type GetBranchRequest struct {
	// StartPath nil means the forest root: all live generation-1 nodes
	// (a single node outside migration windows).
	StartPath *string
	MaxDepth  int
	Limit     int
}

type TraversalService interface {
	GetBranch(ctx context.Context, req GetBranchRequest) ([]types.NodeView, error)
}

type traversalService struct {
	store ports.TreeReadStore
}

func NewTraversalService(store ports.TreeReadStore) TraversalService {
	return &traversalService{store: store}
}

func (s *traversalService) GetBranch(ctx context.Context, req GetBranchRequest) ([]types.NodeView, error) {
	if req.MaxDepth < MinBranchDepth || req.MaxDepth > MaxBranchDepth {
		return nil, httperr.NewBadRequest(errInvalidDepth)
	}
	if req.Limit < MinBranchLimit || req.Limit > MaxBranchLimit {
		return nil, httperr.NewBadRequest(errInvalidLimit)
	}

	if req.StartPath == nil {
		rows, err := s.store.ListRoots(ctx)
		if err != nil {
			return nil, err
		}
		if len(rows) > req.Limit {
			rows = rows[:req.Limit]
		}
		views := make([]types.NodeView, 0, len(rows))
		for _, row := range rows {
			// Nothing below generation 1 is returned here, so every
			// root with a live child is a truncated frontier node.
			views = append(views, toNodeView(row.Node, row.HasLiveChild))
		}
		return views, nil
	}

	if _, err := treepath.Parse(*req.StartPath); err != nil {
		return nil, httperr.NewBadRequest(errPathInvalid)
	}

	start, err := s.store.GetLiveNodeByPath(ctx, *req.StartPath)
	if err != nil {
		if errors.Is(err, ports.ErrNodeNotFound) {
			return nil, errors.New(errNodeNotFound)
		}
		return nil, err
	}

	rows, err := s.store.ListBranch(ctx, start.Path, start.Generation, req.MaxDepth, req.Limit)
	if err != nil {
		return nil, err
	}

	frontier := start.Generation + req.MaxDepth - 1
	views := make([]types.NodeView, 0, len(rows))
	for _, row := range rows {
		truncated := row.Node.Generation == frontier && row.HasLiveChild
		views = append(views, toNodeView(row.Node, truncated))
	}
	return views, nil
}

func toNodeView(n types.Node, hasMore bool) types.NodeView {
	return types.NodeView{
		ID:                 n.ID,
		Path:               n.Path,
		Generation:         n.Generation,
		SiblingIndex:       n.SiblingIndex,
		ParentID:           n.ParentID,
		DescendantCount:    n.DescendantCount,
		DisplayName:        n.DisplayName,
		Detail:             n.Detail,
		HasMoreDescendants: hasMore,
	}
}
