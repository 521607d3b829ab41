package server

import (
	"net/http"

	"github.com/lineagekeep/lineagekeep/internal/routing"
	"github.com/lineagekeep/lineagekeep/modules/familytree/services"
)

func handleUndoGroup(w http.ResponseWriter, r *http.Request, undo services.UndoService) {
	actorID, ok := requireActor(w, r)
	if !ok {
		return
	}
	groupID := routing.PathParam(r, "id")
	if groupID == "" {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusBadRequest, "GROUP_ID_INVALID", "group id required")
		return
	}

	report, err := undo.UndoGroup(r.Context(), actorID, groupID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func handleUndoEntry(w http.ResponseWriter, r *http.Request, undo services.UndoService) {
	actorID, ok := requireActor(w, r)
	if !ok {
		return
	}
	entryID := routing.PathParam(r, "id")
	if entryID == "" {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusBadRequest, "ENTRY_ID_INVALID", "entry id required")
		return
	}

	report, err := undo.UndoSingle(r.Context(), actorID, entryID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
