// Package assignment tracks which train and work the crew member is on.
// Selecting a train installs its station list and pushes the changed
// identity fields to the sync peer.
package assignment

import (
	"context"
	"sync"

	"github.com/crew-runner/tracker/internal/monitoring"
	"github.com/crew-runner/tracker/internal/station"
	"github.com/crew-runner/tracker/internal/syncclient"
)

// Assignment is the crew member's current work. Empty fields are unknown.
type Assignment struct {
	WorkGroupID string `json:"workGroupId"`
	WorkID      string `json:"workId"`
	TrainID     string `json:"trainId"`
}

// Update changes an assignment. Nil fields keep their current value.
type Update struct {
	WorkGroupID *string `json:"workGroupId"`
	WorkID      *string `json:"workId"`
	TrainID     *string `json:"trainId"`
}

// Apply returns a with the set fields of u.
func (u Update) Apply(a Assignment) Assignment {
	if u.WorkGroupID != nil {
		a.WorkGroupID = *u.WorkGroupID
	}
	if u.WorkID != nil {
		a.WorkID = *u.WorkID
	}
	if u.TrainID != nil {
		a.TrainID = *u.TrainID
	}
	return a
}

// StationLoader installs the station list of a train.
type StationLoader interface {
	LoadStations(ctx context.Context, p station.Provider, trainID string) error
}

// IdentityPusher forwards the identity to the sync peer.
type IdentityPusher interface {
	SetIdentity(ctx context.Context, id syncclient.Identity)
}

// Config wires a Manager. Identity may be nil when there is no sync peer.
type Config struct {
	Stations StationLoader
	Provider station.Provider
	Identity IdentityPusher
}

// Manager applies train selections one at a time.
type Manager struct {
	stations StationLoader
	provider station.Provider
	identity IdentityPusher

	mu      sync.Mutex
	current Assignment
}

func NewManager(cfg Config) *Manager {
	return &Manager{
		stations: cfg.Stations,
		provider: cfg.Provider,
		identity: cfg.Identity,
	}
}

// Current returns the last applied assignment.
func (m *Manager) Current() Assignment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// TrainID returns the selected train, or "" when none is selected.
func (m *Manager) TrainID() string {
	return m.Current().TrainID
}

// Select applies u. A new train's stations are loaded first; if that fails
// nothing changes. The identity is then pushed to the sync peer.
func (m *Manager) Select(ctx context.Context, u Update) (Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := u.Apply(m.current)
	if next.TrainID != "" && next.TrainID != m.current.TrainID {
		if err := m.stations.LoadStations(ctx, m.provider, next.TrainID); err != nil {
			return m.current, err
		}
		monitoring.Logf("Assignment: train %s selected", next.TrainID)
	}

	m.current = next
	if m.identity != nil {
		m.identity.SetIdentity(ctx, next.Identity())
	}
	return next, nil
}

// Identity converts the assignment to the sync protocol form.
func (a Assignment) Identity() syncclient.Identity {
	return syncclient.Identity{
		WorkGroupID: optional(a.WorkGroupID),
		WorkID:      optional(a.WorkID),
		TrainID:     optional(a.TrainID),
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
