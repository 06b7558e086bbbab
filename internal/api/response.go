package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/lumabot/cadence/internal/models"
)

// writeJSON marshals the envelope before touching headers so an encoding
// failure can still produce a clean 500.
func writeJSON(w http.ResponseWriter, statusCode int, response models.APIResponse) {
	data, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSON: marshal failed", "error", err)
		data = []byte(`{"status":"error","message":"internal server error"}`)
		statusCode = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, err := w.Write(data); err != nil {
		slog.Error("Server.writeJSON: write failed", "error", err)
	}
}

// writeProgramError maps a program service error to a status code.
func writeProgramError(w http.ResponseWriter, err error) {
	if errors.Is(err, models.ErrProgramNotFound) {
		writeJSON(w, http.StatusNotFound, models.Error("program instance not found"))
		return
	}
	slog.Error("Server: program operation failed", "error", err)
	writeJSON(w, http.StatusInternalServerError, models.Error("program operation failed"))
}
