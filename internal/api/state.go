package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/crew-runner/tracker/internal/db"
	"github.com/crew-runner/tracker/internal/feed"
	"github.com/crew-runner/tracker/internal/metrics"
	"github.com/crew-runner/tracker/internal/position"
	"github.com/crew-runner/tracker/internal/source"
	"github.com/crew-runner/tracker/internal/station"
)

const defaultHistoryLimit = 50

// StateResponse is the JSON body of GET /api/state.
type StateResponse struct {
	position.State
	Mode      string       `json:"mode"`
	Stations  station.List `json:"stations"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// SourceResponse is the JSON body of GET /api/source.
type SourceResponse struct {
	Mode        string                          `json:"mode"`
	Available   []string                        `json:"available"`
	LastFailure string                          `json:"lastFailure,omitempty"`
	Stats       map[string]metrics.TickSnapshot `json:"stats"`
}

// SourceRequest is the JSON body of PUT /api/source.
type SourceRequest struct {
	Mode string `json:"mode"`
}

// HistoryResponse is the JSON body of GET /api/history.
type HistoryResponse struct {
	Positions []db.PositionRecord `json:"positions"`
	Failures  []db.FailureRecord  `json:"failures"`
}

// GetState handles GET /api/state.
func (h *Handler) GetState(w http.ResponseWriter, r *http.Request) {
	stations := h.Tracker.Stations()
	if stations == nil {
		stations = station.List{}
	}
	writeJSON(w, http.StatusOK, StateResponse{
		State:     h.Tracker.State(),
		Mode:      h.Tracker.Mode().String(),
		Stations:  stations,
		UpdatedAt: time.Now().UTC(),
	})
}

// PutState handles PUT /api/state, a manual correction by the crew.
func (h *Handler) PutState(w http.ResponseWriter, r *http.Request) {
	var req position.State
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	err := h.Tracker.ForceSet(req.CurrentStationIndex, req.IsRunningToNextStation)
	switch {
	case errors.Is(err, position.ErrInvalidIndex), errors.Is(err, position.ErrInvalidState):
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	case errors.Is(err, source.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "Tracker is shutting down", nil)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "Failed to set state", err)
		return
	}
	h.GetState(w, r)
}

func (h *Handler) sourceResponse() SourceResponse {
	resp := SourceResponse{
		Mode:      h.Tracker.Mode().String(),
		Available: []string{},
		Stats:     map[string]metrics.TickSnapshot{},
	}
	for _, m := range []source.Mode{source.ModeDisabled, source.ModeLocal, source.ModeRemote} {
		if !h.Tracker.Available(m) {
			continue
		}
		resp.Available = append(resp.Available, m.String())
		if m != source.ModeDisabled {
			resp.Stats[m.String()] = h.Tracker.Stats(m)
		}
	}
	if err := h.Tracker.LastFailure(); err != nil {
		resp.LastFailure = err.Error()
	}
	return resp
}

// GetSource handles GET /api/source.
func (h *Handler) GetSource(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sourceResponse())
}

// PutSource handles PUT /api/source.
func (h *Handler) PutSource(w http.ResponseWriter, r *http.Request) {
	var req SourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	mode, err := source.ParseMode(req.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}

	err = h.Tracker.Enable(mode)
	switch {
	case errors.Is(err, source.ErrSourceUnavailable):
		writeError(w, http.StatusConflict, err.Error(), nil)
		return
	case errors.Is(err, source.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "Tracker is shutting down", nil)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "Failed to switch source", err)
		return
	}
	writeJSON(w, http.StatusOK, h.sourceResponse())
}

// GetHistory handles GET /api/history?limit=N.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	if h.Journal == nil {
		writeError(w, http.StatusServiceUnavailable, "Journal not configured", nil)
		return
	}

	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer", nil)
			return
		}
		limit = n
	}

	positions, err := h.Journal.RecentPositions(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read position history", err)
		return
	}
	failures, err := h.Journal.RecentFailures(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read failure history", err)
		return
	}
	writeJSON(w, http.StatusOK, HistoryResponse{Positions: positions, Failures: failures})
}

// GetVehiclePositions handles GET /gtfs-rt/vehicle_positions.pb.
func (h *Handler) GetVehiclePositions(w http.ResponseWriter, r *http.Request) {
	var snap feed.Snapshot
	if h.Snapshot != nil {
		snap = h.Snapshot()
	} else {
		snap = feed.Snapshot{State: h.Tracker.State(), Stations: h.Tracker.Stations()}
	}

	data, err := feed.Marshal(snap)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to encode feed", err)
		return
	}
	w.Header().Set("Content-Type", "application/x-protobuf")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status":    "ok",
		"mode":      h.Tracker.Mode().String(),
		"timestamp": time.Now().UTC(),
	}
	if err := h.Tracker.LastFailure(); err != nil {
		body["lastFailure"] = err.Error()
	}
	writeJSON(w, http.StatusOK, body)
}
