package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/lineagekeep/lineagekeep/internal/routing"
	"github.com/lineagekeep/lineagekeep/pkg/httperr"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// Integrity and concurrency codes the services surface as plain errors.
// Anything not listed (and not typed via pkg/httperr) is treated as an
// internal failure and never leaks its message.
var statusByCode = map[string]int{
	"NODE_NOT_FOUND":            http.StatusNotFound,
	"PARENT_NOT_FOUND":          http.StatusNotFound,
	"UNION_NOT_FOUND":           http.StatusNotFound,
	"OPERATION_GROUP_NOT_FOUND": http.StatusNotFound,
	"AUDIT_ENTRY_NOT_FOUND":     http.StatusNotFound,

	"PARENT_TOMBSTONED":          http.StatusConflict,
	"PARENT_GONE":                http.StatusConflict,
	"CYCLE_DETECTED":             http.StatusConflict,
	"SIBLING_INDEX_OUT_OF_RANGE": http.StatusConflict,
	"ROOT_ALREADY_EXISTS":        http.StatusConflict,
	"NODE_TOMBSTONED":            http.StatusConflict,
	"NODE_NOT_TOMBSTONED":        http.StatusConflict,
	"UNION_EXISTS":               http.StatusConflict,
	"OPERATION_GROUP_NOT_ACTIVE": http.StatusConflict,
	"AUDIT_ENTRY_ALREADY_UNDONE": http.StatusConflict,
	"AUDIT_ENTRY_NOT_UNDOABLE":   http.StatusConflict,
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	code := err.Error()
	switch {
	case httperr.IsBadRequest(err):
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusBadRequest, code, humanizeCode(code))
	case httperr.IsBusy(err):
		// Lock acquisition failed without waiting; the client should
		// retry with backoff.
		w.Header().Set("Retry-After", "1")
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusServiceUnavailable, code, humanizeCode(code))
	default:
		if status, ok := statusByCode[code]; ok {
			routing.WriteError(w, r, routing.RouteClassPublicAPI, status, code, humanizeCode(code))
			return
		}
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func humanizeCode(code string) string {
	return strings.ToLower(strings.ReplaceAll(code, "_", " "))
}

// actorFromRequest reads the authenticated person id the gateway put in
// X-Actor-ID. Identity provisioning lives outside this service.
func actorFromRequest(r *http.Request) (int64, bool) {
	raw := strings.TrimSpace(r.Header.Get("X-Actor-ID"))
	if raw == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 1 {
		return 0, false
	}
	return id, true
}

func requireActor(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, ok := actorFromRequest(r)
	if !ok {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusUnauthorized, "ACTOR_MISSING", "missing or invalid X-Actor-ID header")
	}
	return id, ok
}

func nodeIDFromPath(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := routing.PathParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 1 {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusBadRequest, "NODE_ID_INVALID", "node id must be a positive integer")
		return 0, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusBadRequest, "BAD_JSON", "bad json")
		return false
	}
	return true
}
