package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/crew-runner/tracker/internal/assignment"
	"github.com/crew-runner/tracker/internal/source"
	"github.com/crew-runner/tracker/internal/station"
)

// GetAssignment handles GET /api/train.
func (h *Handler) GetAssignment(w http.ResponseWriter, r *http.Request) {
	if h.Assignments == nil {
		writeError(w, http.StatusServiceUnavailable, "Train selection not configured", nil)
		return
	}
	writeJSON(w, http.StatusOK, h.Assignments.Current())
}

// PutAssignment handles PUT /api/train. Omitted fields keep their value.
func (h *Handler) PutAssignment(w http.ResponseWriter, r *http.Request) {
	if h.Assignments == nil {
		writeError(w, http.StatusServiceUnavailable, "Train selection not configured", nil)
		return
	}

	var req assignment.Update
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	current, err := h.Assignments.Select(r.Context(), req)
	switch {
	case errors.Is(err, station.ErrTrainNotFound):
		writeError(w, http.StatusNotFound, err.Error(), nil)
		return
	case errors.Is(err, source.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "Tracker is shutting down", nil)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "Failed to select train", err)
		return
	}
	writeJSON(w, http.StatusOK, current)
}
