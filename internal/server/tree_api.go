package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/lineagekeep/lineagekeep/internal/routing"
	"github.com/lineagekeep/lineagekeep/modules/familytree/services"
)

func handleTreeBranch(w http.ResponseWriter, r *http.Request, traversal services.TraversalService) {
	q := r.URL.Query()

	req := services.GetBranchRequest{MaxDepth: 1, Limit: 100}
	if raw := strings.TrimSpace(q.Get("start")); raw != "" {
		req.StartPath = &raw
	}
	if raw := q.Get("depth"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusBadRequest, "INVALID_DEPTH", "depth must be an integer")
			return
		}
		req.MaxDepth = n
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusBadRequest, "INVALID_LIMIT", "limit must be an integer")
			return
		}
		req.Limit = n
	}

	views, err := traversal.GetBranch(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": views})
}

func handleTreeSearch(w http.ResponseWriter, r *http.Request, search services.SearchService) {
	q := r.URL.Query()

	req := services.SearchRequest{Tokens: q["q"], Limit: 20}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusBadRequest, "INVALID_LIMIT", "limit must be an integer")
			return
		}
		req.Limit = n
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusBadRequest, "INVALID_OFFSET", "offset must be an integer")
			return
		}
		req.Offset = n
	}

	matches, err := search.SearchByNameSequence(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"matches": matches})
}

type insertNodeRequest struct {
	ParentID    *int64         `json:"parent_id"`
	DisplayName string         `json:"display_name"`
	Detail      map[string]any `json:"detail"`
}

func handleNodeInsert(w http.ResponseWriter, r *http.Request, mutations services.MutationService) {
	actorID, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req insertNodeRequest
	if !decodeBody(w, r, &req) {
		return
	}

	node, err := mutations.Insert(r.Context(), services.InsertRequest{
		ActorID:     actorID,
		ParentID:    req.ParentID,
		DisplayName: req.DisplayName,
		Detail:      req.Detail,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":            node.ID,
		"path":          node.Path,
		"generation":    node.Generation,
		"sibling_index": node.SiblingIndex,
		"parent_id":     node.ParentID,
		"display_name":  node.DisplayName,
	})
}

type reparentNodeRequest struct {
	NewParentID     *int64 `json:"new_parent_id"`
	NewSiblingIndex int    `json:"new_sibling_index"`
}

func handleNodeReparent(w http.ResponseWriter, r *http.Request, mutations services.MutationService) {
	actorID, ok := requireActor(w, r)
	if !ok {
		return
	}
	nodeID, ok := nodeIDFromPath(w, r)
	if !ok {
		return
	}
	var req reparentNodeRequest
	if !decodeBody(w, r, &req) {
		return
	}

	err := mutations.Reparent(r.Context(), services.ReparentRequest{
		ActorID:         actorID,
		NodeID:          nodeID,
		NewParentID:     req.NewParentID,
		NewSiblingIndex: req.NewSiblingIndex,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type reorderChildrenRequest struct {
	OrderedIDs []int64 `json:"ordered_ids"`
}

func handleNodeReorderChildren(w http.ResponseWriter, r *http.Request, mutations services.MutationService) {
	actorID, ok := requireActor(w, r)
	if !ok {
		return
	}
	parentID, ok := nodeIDFromPath(w, r)
	if !ok {
		return
	}
	var req reorderChildrenRequest
	if !decodeBody(w, r, &req) {
		return
	}

	report, err := mutations.Reorder(r.Context(), services.ReorderRequest{
		ActorID:    actorID,
		ParentID:   parentID,
		OrderedIDs: req.OrderedIDs,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	// Partial success is a 200: the report carries per-child outcomes.
	writeJSON(w, http.StatusOK, report)
}

func handleNodeSoftDelete(w http.ResponseWriter, r *http.Request, mutations services.MutationService) {
	actorID, ok := requireActor(w, r)
	if !ok {
		return
	}
	nodeID, ok := nodeIDFromPath(w, r)
	if !ok {
		return
	}

	if err := mutations.SoftDelete(r.Context(), services.NodeActionRequest{ActorID: actorID, NodeID: nodeID}); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func handleNodeRestore(w http.ResponseWriter, r *http.Request, mutations services.MutationService) {
	actorID, ok := requireActor(w, r)
	if !ok {
		return
	}
	nodeID, ok := nodeIDFromPath(w, r)
	if !ok {
		return
	}

	if err := mutations.Restore(r.Context(), services.NodeActionRequest{ActorID: actorID, NodeID: nodeID}); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type editNodeRequest struct {
	DisplayName *string        `json:"display_name"`
	Detail      map[string]any `json:"detail"`
}

func handleNodeEditFields(w http.ResponseWriter, r *http.Request, mutations services.MutationService) {
	actorID, ok := requireActor(w, r)
	if !ok {
		return
	}
	nodeID, ok := nodeIDFromPath(w, r)
	if !ok {
		return
	}
	var req editNodeRequest
	if !decodeBody(w, r, &req) {
		return
	}

	err := mutations.EditFields(r.Context(), services.EditFieldsRequest{
		ActorID:     actorID,
		NodeID:      nodeID,
		DisplayName: req.DisplayName,
		Detail:      req.Detail,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func handleSubtreeSoftDelete(w http.ResponseWriter, r *http.Request, mutations services.MutationService) {
	actorID, ok := requireActor(w, r)
	if !ok {
		return
	}
	nodeID, ok := nodeIDFromPath(w, r)
	if !ok {
		return
	}

	result, err := mutations.SoftDeleteSubtree(r.Context(), services.NodeActionRequest{ActorID: actorID, NodeID: nodeID})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type unionRequest struct {
	NodeA int64 `json:"node_a"`
	NodeB int64 `json:"node_b"`
}

func handleUnionAdd(w http.ResponseWriter, r *http.Request, mutations services.MutationService) {
	actorID, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req unionRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if err := mutations.AddUnion(r.Context(), services.UnionRequest{ActorID: actorID, NodeA: req.NodeA, NodeB: req.NodeB}); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true})
}

func handleUnionRemove(w http.ResponseWriter, r *http.Request, mutations services.MutationService) {
	actorID, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req unionRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if err := mutations.RemoveUnion(r.Context(), services.UnionRequest{ActorID: actorID, NodeA: req.NodeA, NodeB: req.NodeB}); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
