package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/avelkov/vigil/internal/analysis"
	"github.com/avelkov/vigil/internal/database"
	"github.com/avelkov/vigil/internal/inference"
	"github.com/avelkov/vigil/internal/storage"
)

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[API] failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Success: false, Error: message})
}

// writeServiceError maps domain failures onto the HTTP taxonomy: 404 for
// missing records, 503 for unavailable dependencies, 409 for state
// conflicts, 500 otherwise.
func writeServiceError(w http.ResponseWriter, err error) {
	var workerErr *inference.WorkerError
	switch {
	case errors.Is(err, database.ErrNotFound) || errors.Is(err, storage.ErrBlobNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, analysis.ErrNoActiveModel):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &workerErr):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, analysis.ErrAlreadyProcessing):
		writeError(w, http.StatusConflict, err.Error())
	default:
		log.Printf("[API] internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
