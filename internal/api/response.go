// Package api implements the external API surface (§4.8, §1: "only its
// contract with the scheduler is specified"): a read-only state snapshot
// and a kill-enqueue write. Grounded on server/internal/api/{response,
// router,middleware,jobs}.go's chi router + envelope{"data"/"error"}
// response shape, stripped of the teacher's JWT/role auth (the spec's own
// non-goals: "no encryption/auth on the agent channel, delegated to
// network boundary" — the external API surface carries the same posture).
package api

import (
	"encoding/json"
	"net/http"
)

// envelope is the standard JSON response wrapper, matching the teacher's
// {"data": ...} / {"error": ...} convention exactly.
type envelope map[string]any

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func ok(w http.ResponseWriter, payload any) {
	writeJSON(w, http.StatusOK, envelope{"data": payload})
}

func errJSON(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, envelope{"error": envelope{"message": message, "code": code}})
}

func errNotFound(w http.ResponseWriter) {
	errJSON(w, http.StatusNotFound, "resource not found", "not_found")
}

func errBadRequest(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusBadRequest, message, "bad_request")
}
