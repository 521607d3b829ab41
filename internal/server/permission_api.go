package server

import (
	"net/http"
	"strconv"

	"github.com/lineagekeep/lineagekeep/internal/routing"
	"github.com/lineagekeep/lineagekeep/modules/familytree/services"
)

func handlePermissionEvaluate(w http.ResponseWriter, r *http.Request, perms services.PermissionService) {
	actorID, ok := requireActor(w, r)
	if !ok {
		return
	}

	targetID, err := strconv.ParseInt(r.URL.Query().Get("target_id"), 10, 64)
	if err != nil || targetID < 1 {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusBadRequest, "TARGET_ID_INVALID", "target_id must be a positive integer")
		return
	}

	level, err := perms.Evaluate(r.Context(), actorID, targetID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"actor_id":  actorID,
		"target_id": targetID,
		"level":     level,
	})
}
