// Package api serves the tracker over HTTP: the current station state,
// source control, train lookups via the sync peer, the journal and a
// GTFS-Realtime export.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/crew-runner/tracker/internal/assignment"
	"github.com/crew-runner/tracker/internal/db"
	"github.com/crew-runner/tracker/internal/feed"
	"github.com/crew-runner/tracker/internal/metrics"
	"github.com/crew-runner/tracker/internal/position"
	"github.com/crew-runner/tracker/internal/source"
	"github.com/crew-runner/tracker/internal/station"
	"github.com/crew-runner/tracker/internal/trainquery"
)

// Tracker is the orchestrator surface the handlers need.
type Tracker interface {
	State() position.State
	Stations() station.List
	Mode() source.Mode
	Available(mode source.Mode) bool
	LastFailure() error
	Stats(mode source.Mode) metrics.TickSnapshot
	Enable(mode source.Mode) error
	ForceSet(index int, running bool) error
}

// TrainQueries are the on-demand lookups against the sync peer.
type TrainQueries interface {
	SearchTrain(ctx context.Context, trainNumber string) ([]trainquery.TrainSummary, bool, error)
	GetTrainData(ctx context.Context, trainID string) (*trainquery.TrainData, bool, error)
	GetFeatures(ctx context.Context) ([]string, bool, error)
}

// Journal reads back journaled states and failures.
type Journal interface {
	RecentPositions(ctx context.Context, limit int) ([]db.PositionRecord, error)
	RecentFailures(ctx context.Context, limit int) ([]db.FailureRecord, error)
}

// Assignments selects the train and work the crew member is on.
type Assignments interface {
	Current() assignment.Assignment
	Select(ctx context.Context, u assignment.Update) (assignment.Assignment, error)
}

// ErrorResponse is the JSON error body.
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Handler holds the collaborators of every route. Queries, Journal and
// Assignments may be nil when not configured.
type Handler struct {
	Tracker     Tracker
	Queries     TrainQueries
	Journal     Journal
	Assignments Assignments
	Snapshot    func() feed.Snapshot
}

// NewRouter mounts all routes.
func NewRouter(h *Handler, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}))

	r.Get("/health", h.Health)

	r.Get("/api/state", h.GetState)
	r.Put("/api/state", h.PutState)
	r.Get("/api/source", h.GetSource)
	r.Put("/api/source", h.PutSource)
	r.Get("/api/history", h.GetHistory)
	r.Get("/api/train", h.GetAssignment)
	r.Put("/api/train", h.PutAssignment)

	r.Get("/api/trains/search", h.SearchTrains)
	r.Get("/api/trains/{trainId}", h.GetTrainData)
	r.Get("/api/features", h.GetFeatures)

	r.Get("/gtfs-rt/vehicle_positions.pb", h.GetVehiclePositions)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, err error) {
	resp := ErrorResponse{Error: msg}
	if err != nil {
		resp.Details = map[string]interface{}{"internal": err.Error()}
	}
	writeJSON(w, status, resp)
}
