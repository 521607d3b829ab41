package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/lineagekeep/lineagekeep/internal/config"
	"github.com/lineagekeep/lineagekeep/internal/routing"
	"github.com/lineagekeep/lineagekeep/modules/familytree/domain/types"
	"github.com/lineagekeep/lineagekeep/modules/familytree/services"
	"github.com/lineagekeep/lineagekeep/pkg/httperr"
)

type traversalStub struct {
	getBranch func(ctx context.Context, req services.GetBranchRequest) ([]types.NodeView, error)
}

func (s *traversalStub) GetBranch(ctx context.Context, req services.GetBranchRequest) ([]types.NodeView, error) {
	if s.getBranch == nil {
		return nil, errors.New("GetBranch not mocked")
	}
	return s.getBranch(ctx, req)
}

type searchStub struct {
	search func(ctx context.Context, req services.SearchRequest) ([]types.MatchResult, error)
}

func (s *searchStub) SearchByNameSequence(ctx context.Context, req services.SearchRequest) ([]types.MatchResult, error) {
	if s.search == nil {
		return nil, errors.New("SearchByNameSequence not mocked")
	}
	return s.search(ctx, req)
}

func (s *searchStub) InvalidatePrefix(string) {}

type mutationsStub struct {
	insert            func(ctx context.Context, req services.InsertRequest) (types.Node, error)
	reparent          func(ctx context.Context, req services.ReparentRequest) error
	reorder           func(ctx context.Context, req services.ReorderRequest) (types.UpdateReport, error)
	softDelete        func(ctx context.Context, req services.NodeActionRequest) error
	restore           func(ctx context.Context, req services.NodeActionRequest) error
	editFields        func(ctx context.Context, req services.EditFieldsRequest) error
	softDeleteSubtree func(ctx context.Context, req services.NodeActionRequest) (services.SubtreeDeleteResult, error)
	addUnion          func(ctx context.Context, req services.UnionRequest) error
	removeUnion       func(ctx context.Context, req services.UnionRequest) error
}

func (s *mutationsStub) Insert(ctx context.Context, req services.InsertRequest) (types.Node, error) {
	if s.insert == nil {
		return types.Node{}, errors.New("Insert not mocked")
	}
	return s.insert(ctx, req)
}

func (s *mutationsStub) Reparent(ctx context.Context, req services.ReparentRequest) error {
	if s.reparent == nil {
		return errors.New("Reparent not mocked")
	}
	return s.reparent(ctx, req)
}

func (s *mutationsStub) Reorder(ctx context.Context, req services.ReorderRequest) (types.UpdateReport, error) {
	if s.reorder == nil {
		return types.UpdateReport{}, errors.New("Reorder not mocked")
	}
	return s.reorder(ctx, req)
}

func (s *mutationsStub) SoftDelete(ctx context.Context, req services.NodeActionRequest) error {
	if s.softDelete == nil {
		return errors.New("SoftDelete not mocked")
	}
	return s.softDelete(ctx, req)
}

func (s *mutationsStub) Restore(ctx context.Context, req services.NodeActionRequest) error {
	if s.restore == nil {
		return errors.New("Restore not mocked")
	}
	return s.restore(ctx, req)
}

func (s *mutationsStub) EditFields(ctx context.Context, req services.EditFieldsRequest) error {
	if s.editFields == nil {
		return errors.New("EditFields not mocked")
	}
	return s.editFields(ctx, req)
}

func (s *mutationsStub) SoftDeleteSubtree(ctx context.Context, req services.NodeActionRequest) (services.SubtreeDeleteResult, error) {
	if s.softDeleteSubtree == nil {
		return services.SubtreeDeleteResult{}, errors.New("SoftDeleteSubtree not mocked")
	}
	return s.softDeleteSubtree(ctx, req)
}

func (s *mutationsStub) AddUnion(ctx context.Context, req services.UnionRequest) error {
	if s.addUnion == nil {
		return errors.New("AddUnion not mocked")
	}
	return s.addUnion(ctx, req)
}

func (s *mutationsStub) RemoveUnion(ctx context.Context, req services.UnionRequest) error {
	if s.removeUnion == nil {
		return errors.New("RemoveUnion not mocked")
	}
	return s.removeUnion(ctx, req)
}

type permissionsStub struct {
	evaluate func(ctx context.Context, actorID, targetID int64) (types.PermissionLevel, error)
}

func (s *permissionsStub) Evaluate(ctx context.Context, actorID, targetID int64) (types.PermissionLevel, error) {
	if s.evaluate == nil {
		return "", errors.New("Evaluate not mocked")
	}
	return s.evaluate(ctx, actorID, targetID)
}

type undoStub struct {
	undoGroup  func(ctx context.Context, actorID int64, groupID string) (types.UndoReport, error)
	undoSingle func(ctx context.Context, actorID int64, entryID string) (types.UndoReport, error)
}

func (s *undoStub) UndoGroup(ctx context.Context, actorID int64, groupID string) (types.UndoReport, error) {
	if s.undoGroup == nil {
		return types.UndoReport{}, errors.New("UndoGroup not mocked")
	}
	return s.undoGroup(ctx, actorID, groupID)
}

func (s *undoStub) UndoSingle(ctx context.Context, actorID int64, entryID string) (types.UndoReport, error) {
	if s.undoSingle == nil {
		return types.UndoReport{}, errors.New("UndoSingle not mocked")
	}
	return s.undoSingle(ctx, actorID, entryID)
}

func testAllowlist() *routing.Allowlist {
	return &routing.Allowlist{
		Version: 1,
		Entrypoints: map[string]routing.Entrypoint{
			"server": {Routes: []routing.Route{
				{Path: "/health", Methods: []string{"GET"}, RouteClass: "ops"},
			}},
		},
	}
}

func newTestHandler(t *testing.T, opts HandlerOptions) http.Handler {
	t.Helper()
	opts.Allowlist = testAllowlist()
	if opts.Traversal == nil {
		opts.Traversal = &traversalStub{}
	}
	if opts.Search == nil {
		opts.Search = &searchStub{}
	}
	if opts.Mutations == nil {
		opts.Mutations = &mutationsStub{}
	}
	if opts.Permissions == nil {
		opts.Permissions = &permissionsStub{}
	}
	if opts.Undo == nil {
		opts.Undo = &undoStub{}
	}
	h, err := NewHandlerWithOptions(config.Default(), opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return h
}

func do(t *testing.T, h http.Handler, method, path, actor, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	if actor != "" {
		req.Header.Set("X-Actor-ID", actor)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) routing.ErrorEnvelope {
	t.Helper()
	var env routing.ErrorEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, rec.Body.String())
	}
	return env
}

func TestHealth(t *testing.T) {
	h := newTestHandler(t, HandlerOptions{})
	rec := do(t, h, http.MethodGet, "/health", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
}

func TestTreeBranch_PassesQuery(t *testing.T) {
	var got services.GetBranchRequest
	h := newTestHandler(t, HandlerOptions{
		Traversal: &traversalStub{
			getBranch: func(_ context.Context, req services.GetBranchRequest) ([]types.NodeView, error) {
				got = req
				return []types.NodeView{{ID: 1, Path: "1"}}, nil
			},
		},
	})

	rec := do(t, h, http.MethodGet, "/api/v1/tree/branch?start=1.2&depth=3&limit=50", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if got.StartPath == nil || *got.StartPath != "1.2" || got.MaxDepth != 3 || got.Limit != 50 {
		t.Fatalf("unexpected request: %+v", got)
	}

	var body struct {
		Nodes []types.NodeView `json:"nodes"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(body.Nodes) != 1 || body.Nodes[0].ID != 1 {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestTreeBranch_BadDepthParam(t *testing.T) {
	h := newTestHandler(t, HandlerOptions{})
	rec := do(t, h, http.MethodGet, "/api/v1/tree/branch?depth=x", "", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", rec.Code)
	}
	if env := decodeEnvelope(t, rec); env.Code != "INVALID_DEPTH" {
		t.Fatalf("code=%q", env.Code)
	}
}

func TestTreeBranch_ServiceValidation(t *testing.T) {
	h := newTestHandler(t, HandlerOptions{
		Traversal: &traversalStub{
			getBranch: func(context.Context, services.GetBranchRequest) ([]types.NodeView, error) {
				return nil, httperr.NewBadRequest("INVALID_DEPTH")
			},
		},
	})
	rec := do(t, h, http.MethodGet, "/api/v1/tree/branch?depth=99", "", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", rec.Code)
	}
}

func TestTreeBranch_NotFoundMapsTo404(t *testing.T) {
	h := newTestHandler(t, HandlerOptions{
		Traversal: &traversalStub{
			getBranch: func(context.Context, services.GetBranchRequest) ([]types.NodeView, error) {
				return nil, errors.New("NODE_NOT_FOUND")
			},
		},
	})
	rec := do(t, h, http.MethodGet, "/api/v1/tree/branch?start=9.9", "", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d", rec.Code)
	}
	if env := decodeEnvelope(t, rec); env.Code != "NODE_NOT_FOUND" {
		t.Fatalf("code=%q", env.Code)
	}
}

func TestTreeSearch_PassesTokens(t *testing.T) {
	var got services.SearchRequest
	h := newTestHandler(t, HandlerOptions{
		Search: &searchStub{
			search: func(_ context.Context, req services.SearchRequest) ([]types.MatchResult, error) {
				got = req
				return []types.MatchResult{{NodeID: 3, DisplayChain: "a > b"}}, nil
			},
		},
	})

	rec := do(t, h, http.MethodGet, "/api/v1/tree/search?q=Robert+Smith&q=Clara+Smith&limit=5&offset=10", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if len(got.Tokens) != 2 || got.Tokens[0] != "Robert Smith" || got.Limit != 5 || got.Offset != 10 {
		t.Fatalf("unexpected request: %+v", got)
	}
}

func TestNodeInsert(t *testing.T) {
	var got services.InsertRequest
	h := newTestHandler(t, HandlerOptions{
		Mutations: &mutationsStub{
			insert: func(_ context.Context, req services.InsertRequest) (types.Node, error) {
				got = req
				return types.Node{ID: 7, Path: "1.3", Generation: 2, SiblingIndex: 3, DisplayName: req.DisplayName}, nil
			},
		},
	})

	rec := do(t, h, http.MethodPost, "/api/v1/tree/nodes", "9", `{"parent_id":1,"display_name":"Ada","detail":{"bio":"x"}}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if got.ActorID != 9 || got.ParentID == nil || *got.ParentID != 1 || got.DisplayName != "Ada" {
		t.Fatalf("unexpected request: %+v", got)
	}
}

func TestNodeInsert_RequiresActor(t *testing.T) {
	h := newTestHandler(t, HandlerOptions{})
	rec := do(t, h, http.MethodPost, "/api/v1/tree/nodes", "", `{}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d", rec.Code)
	}

	rec = do(t, h, http.MethodPost, "/api/v1/tree/nodes", "abc", `{}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d", rec.Code)
	}
}

func TestNodeInsert_BadJSON(t *testing.T) {
	h := newTestHandler(t, HandlerOptions{})
	rec := do(t, h, http.MethodPost, "/api/v1/tree/nodes", "9", `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", rec.Code)
	}
	if env := decodeEnvelope(t, rec); env.Code != "BAD_JSON" {
		t.Fatalf("code=%q", env.Code)
	}
}

func TestNodeReparent_PathParamAndConflict(t *testing.T) {
	var got services.ReparentRequest
	h := newTestHandler(t, HandlerOptions{
		Mutations: &mutationsStub{
			reparent: func(_ context.Context, req services.ReparentRequest) error {
				got = req
				return errors.New("CYCLE_DETECTED")
			},
		},
	})

	rec := do(t, h, http.MethodPost, "/api/v1/tree/nodes/42/reparent", "9", `{"new_parent_id":5,"new_sibling_index":2}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if got.NodeID != 42 || got.NewParentID == nil || *got.NewParentID != 5 || got.NewSiblingIndex != 2 {
		t.Fatalf("unexpected request: %+v", got)
	}
	if env := decodeEnvelope(t, rec); env.Code != "CYCLE_DETECTED" {
		t.Fatalf("code=%q", env.Code)
	}
}

func TestNodeReparent_BusyIs503WithRetryAfter(t *testing.T) {
	h := newTestHandler(t, HandlerOptions{
		Mutations: &mutationsStub{
			reparent: func(context.Context, services.ReparentRequest) error {
				return httperr.NewBusy("RESOURCE_BUSY")
			},
		},
	})

	rec := do(t, h, http.MethodPost, "/api/v1/tree/nodes/42/reparent", "9", `{"new_parent_id":5,"new_sibling_index":2}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
	if env := decodeEnvelope(t, rec); env.Code != "RESOURCE_BUSY" {
		t.Fatalf("code=%q", env.Code)
	}
}

func TestNodeReparent_BadNodeID(t *testing.T) {
	h := newTestHandler(t, HandlerOptions{})
	rec := do(t, h, http.MethodPost, "/api/v1/tree/nodes/zero/reparent", "9", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", rec.Code)
	}
	if env := decodeEnvelope(t, rec); env.Code != "NODE_ID_INVALID" {
		t.Fatalf("code=%q", env.Code)
	}
}

func TestNodeReorder_ReturnsReport(t *testing.T) {
	h := newTestHandler(t, HandlerOptions{
		Mutations: &mutationsStub{
			reorder: func(_ context.Context, req services.ReorderRequest) (types.UpdateReport, error) {
				if req.ParentID != 4 || len(req.OrderedIDs) != 2 {
					t.Fatalf("unexpected request: %+v", req)
				}
				return types.UpdateReport{Results: []types.ReorderResult{
					{NodeID: 10, OK: true},
					{NodeID: 11, OK: false, Code: "NOT_A_CHILD"},
				}}, nil
			},
		},
	})

	rec := do(t, h, http.MethodPost, "/api/v1/tree/nodes/4/reorder-children", "9", `{"ordered_ids":[10,11]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var report types.UpdateReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if report.Failed() != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestNodeDeleteRestorePatchSubtree(t *testing.T) {
	h := newTestHandler(t, HandlerOptions{
		Mutations: &mutationsStub{
			softDelete: func(_ context.Context, req services.NodeActionRequest) error {
				if req.NodeID != 8 {
					t.Fatalf("node=%d", req.NodeID)
				}
				return nil
			},
			restore: func(context.Context, services.NodeActionRequest) error {
				return errors.New("PARENT_GONE")
			},
			editFields: func(_ context.Context, req services.EditFieldsRequest) error {
				if req.DisplayName == nil || *req.DisplayName != "Bob" {
					t.Fatalf("unexpected request: %+v", req)
				}
				return nil
			},
			softDeleteSubtree: func(context.Context, services.NodeActionRequest) (services.SubtreeDeleteResult, error) {
				return services.SubtreeDeleteResult{GroupID: "g1", Tombstoned: 3}, nil
			},
		},
	})

	if rec := do(t, h, http.MethodDelete, "/api/v1/tree/nodes/8", "9", ""); rec.Code != http.StatusOK {
		t.Fatalf("delete status=%d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/v1/tree/nodes/8/restore", "9", ""); rec.Code != http.StatusConflict {
		t.Fatalf("restore status=%d", rec.Code)
	}
	if rec := do(t, h, http.MethodPatch, "/api/v1/tree/nodes/8", "9", `{"display_name":"Bob"}`); rec.Code != http.StatusOK {
		t.Fatalf("patch status=%d body=%s", rec.Code, rec.Body.String())
	}

	rec := do(t, h, http.MethodDelete, "/api/v1/tree/nodes/8/subtree", "9", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("subtree status=%d", rec.Code)
	}
	var result services.SubtreeDeleteResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if result.GroupID != "g1" || result.Tombstoned != 3 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestUnions(t *testing.T) {
	h := newTestHandler(t, HandlerOptions{
		Mutations: &mutationsStub{
			addUnion: func(_ context.Context, req services.UnionRequest) error {
				if req.NodeA != 2 || req.NodeB != 5 {
					t.Fatalf("unexpected request: %+v", req)
				}
				return nil
			},
			removeUnion: func(context.Context, services.UnionRequest) error {
				return errors.New("UNION_NOT_FOUND")
			},
		},
	})

	if rec := do(t, h, http.MethodPost, "/api/v1/tree/unions", "9", `{"node_a":2,"node_b":5}`); rec.Code != http.StatusCreated {
		t.Fatalf("add status=%d", rec.Code)
	}
	if rec := do(t, h, http.MethodDelete, "/api/v1/tree/unions", "9", `{"node_a":2,"node_b":5}`); rec.Code != http.StatusNotFound {
		t.Fatalf("remove status=%d", rec.Code)
	}
}

func TestPermissionEvaluate(t *testing.T) {
	h := newTestHandler(t, HandlerOptions{
		Permissions: &permissionsStub{
			evaluate: func(_ context.Context, actorID, targetID int64) (types.PermissionLevel, error) {
				if actorID != 9 || targetID != 5 {
					t.Fatalf("actor=%d target=%d", actorID, targetID)
				}
				return types.PermissionModerator, nil
			},
		},
	})

	rec := do(t, h, http.MethodGet, "/api/v1/permission?target_id=5", "9", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var body struct {
		Level types.PermissionLevel `json:"level"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Level != types.PermissionModerator {
		t.Fatalf("level=%q", body.Level)
	}

	if rec := do(t, h, http.MethodGet, "/api/v1/permission?target_id=x", "9", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/v1/permission?target_id=5", "", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d", rec.Code)
	}
}

func TestUndoGroupAndEntry(t *testing.T) {
	h := newTestHandler(t, HandlerOptions{
		Undo: &undoStub{
			undoGroup: func(_ context.Context, actorID int64, groupID string) (types.UndoReport, error) {
				if actorID != 9 || groupID != "g1" {
					t.Fatalf("actor=%d group=%q", actorID, groupID)
				}
				return types.UndoReport{GroupID: "g1", Succeeded: 2}, nil
			},
			undoSingle: func(_ context.Context, _ int64, entryID string) (types.UndoReport, error) {
				if entryID != "e1" {
					t.Fatalf("entry=%q", entryID)
				}
				return types.UndoReport{}, errors.New("AUDIT_ENTRY_NOT_FOUND")
			},
		},
	})

	rec := do(t, h, http.MethodPost, "/api/v1/undo/group/g1", "9", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var report types.UndoReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if report.GroupID != "g1" || report.Succeeded != 2 {
		t.Fatalf("unexpected report: %+v", report)
	}

	if rec := do(t, h, http.MethodPost, "/api/v1/undo/entry/e1", "9", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d", rec.Code)
	}
}

func TestUndoGroup_GroupedEntryRejection(t *testing.T) {
	h := newTestHandler(t, HandlerOptions{
		Undo: &undoStub{
			undoSingle: func(context.Context, int64, string) (types.UndoReport, error) {
				return types.UndoReport{}, httperr.NewBadRequest("AUDIT_ENTRY_IN_GROUP")
			},
		},
	})

	rec := do(t, h, http.MethodPost, "/api/v1/undo/entry/e1", "9", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", rec.Code)
	}
	if env := decodeEnvelope(t, rec); env.Code != "AUDIT_ENTRY_IN_GROUP" {
		t.Fatalf("code=%q", env.Code)
	}
}

func TestUnknownRouteIsJSON404(t *testing.T) {
	h := newTestHandler(t, HandlerOptions{})
	rec := do(t, h, http.MethodGet, "/api/v1/nope", "", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d", rec.Code)
	}
	if !strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		t.Fatalf("content-type=%q", rec.Header().Get("Content-Type"))
	}
}

func TestInternalErrorNeverLeaks(t *testing.T) {
	h := newTestHandler(t, HandlerOptions{
		Mutations: &mutationsStub{
			softDelete: func(context.Context, services.NodeActionRequest) error {
				return errors.New("pq: connection reset")
			},
		},
	})

	rec := do(t, h, http.MethodDelete, "/api/v1/tree/nodes/8", "9", "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d", rec.Code)
	}
	env := decodeEnvelope(t, rec)
	if env.Code != "internal_error" || strings.Contains(env.Message, "connection reset") {
		t.Fatalf("leaked error: %+v", env)
	}
}
