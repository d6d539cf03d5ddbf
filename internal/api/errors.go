// internal/api/errors.go
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/rootkit0/AgroSense-API/internal/auth"
	"github.com/rootkit0/AgroSense-API/internal/configplan"
	"github.com/rootkit0/AgroSense-API/internal/store"
	"github.com/rootkit0/AgroSense-API/internal/telemetry"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps component errors onto the structured error response.
func writeError(w http.ResponseWriter, log *slog.Logger, err error) {
	status := http.StatusInternalServerError
	code := "internal"
	switch {
	case errors.Is(err, store.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, auth.ErrUnauthorized):
		status, code = http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, auth.ErrForbidden):
		status, code = http.StatusForbidden, "forbidden"
	case errors.Is(err, telemetry.ErrInvalid), errors.Is(err, configplan.ErrInvalidPlan):
		status, code = http.StatusBadRequest, "invalid_input"
	case errors.Is(err, store.ErrConflict):
		status, code = http.StatusConflict, "conflict"
	case errors.Is(err, store.ErrUnavailable):
		status, code = http.StatusServiceUnavailable, "store_unavailable"
	}
	if status >= 500 {
		log.Error("request failed", "code", code, "error", err)
	}
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{"code": code, "message": err.Error()},
	})
}

func badRequest(w http.ResponseWriter, log *slog.Logger, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]interface{}{
		"error": map[string]string{"code": "invalid_input", "message": msg},
	})
}
