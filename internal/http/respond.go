package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/splax/devspace/internal/service/workspace"
)

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeFailure maps an orchestrator error to its status code.
func writeFailure(w http.ResponseWriter, action string, err error) {
	writeJSON(w, statusFor(err), map[string]string{
		"error":   "Failed to " + action,
		"message": err.Error(),
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, workspace.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, workspace.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, workspace.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, workspace.ErrCapacity):
		return http.StatusConflict
	case errors.Is(err, workspace.ErrProvisioning):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
