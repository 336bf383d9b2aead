package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/crew-runner/tracker/internal/trainquery"
)

// retryAfterSeconds is advertised when the sync peer did not answer in time.
const retryAfterSeconds = "5"

// SearchTrainsResponse is the JSON body of GET /api/trains/search.
type SearchTrainsResponse struct {
	Trains []trainquery.TrainSummary `json:"trains"`
	Count  int                       `json:"count"`
}

// FeaturesResponse is the JSON body of GET /api/features.
type FeaturesResponse struct {
	Features []string `json:"features"`
}

// SearchTrains handles GET /api/trains/search?number=...
func (h *Handler) SearchTrains(w http.ResponseWriter, r *http.Request) {
	if !h.queriesAvailable(w) {
		return
	}
	number := strings.TrimSpace(r.URL.Query().Get("number"))
	if number == "" {
		writeError(w, http.StatusBadRequest, "number parameter is required", nil)
		return
	}

	trains, ok, err := h.Queries.SearchTrain(r.Context(), number)
	if !h.checkQuery(w, ok, err, "Failed to search trains") {
		return
	}
	writeJSON(w, http.StatusOK, SearchTrainsResponse{Trains: trains, Count: len(trains)})
}

// GetTrainData handles GET /api/trains/{trainId}
func (h *Handler) GetTrainData(w http.ResponseWriter, r *http.Request) {
	if !h.queriesAvailable(w) {
		return
	}
	trainID := chi.URLParam(r, "trainId")
	if trainID == "" {
		writeError(w, http.StatusBadRequest, "trainId parameter is required", nil)
		return
	}

	data, ok, err := h.Queries.GetTrainData(r.Context(), trainID)
	if !h.checkQuery(w, ok, err, "Failed to get train data") {
		return
	}
	writeJSON(w, http.StatusOK, data)
}

// GetFeatures handles GET /api/features
func (h *Handler) GetFeatures(w http.ResponseWriter, r *http.Request) {
	if !h.queriesAvailable(w) {
		return
	}
	features, ok, err := h.Queries.GetFeatures(r.Context())
	if !h.checkQuery(w, ok, err, "Failed to get features") {
		return
	}
	writeJSON(w, http.StatusOK, FeaturesResponse{Features: features})
}

func (h *Handler) queriesAvailable(w http.ResponseWriter) bool {
	if h.Queries == nil {
		writeError(w, http.StatusServiceUnavailable, "Sync server not configured", nil)
		return false
	}
	return true
}

// checkQuery writes the error response for a failed query and reports
// whether the caller should go on.
func (h *Handler) checkQuery(w http.ResponseWriter, ok bool, err error, msg string) bool {
	var remoteErr *trainquery.RemoteError
	switch {
	case errors.As(err, &remoteErr):
		writeError(w, http.StatusBadGateway, remoteErr.Error(), nil)
		return false
	case err != nil:
		writeError(w, http.StatusBadGateway, msg, err)
		return false
	case !ok:
		w.Header().Set("Retry-After", retryAfterSeconds)
		writeError(w, http.StatusGatewayTimeout, "No response from sync server, try again later", nil)
		return false
	}
	return true
}
