package station

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// DefaultNearbyRadiusM is the arrival radius used when a station does not
// carry its own.
const DefaultNearbyRadiusM = 200.0

// ErrTrainNotFound is returned by providers that have no stations for a train.
var ErrTrainNotFound = errors.New("train not found")

// Location is one stop along a train's route.
type Location struct {
	PositionM     float64  `json:"positionM" yaml:"position_m"`
	Lon           *float64 `json:"lon,omitempty" yaml:"lon"`
	Lat           *float64 `json:"lat,omitempty" yaml:"lat"`
	NearbyRadiusM float64  `json:"nearbyRadiusM" yaml:"nearby_radius_m"`
}

// HasCoordinates reports whether both lon and lat are known.
func (l Location) HasCoordinates() bool {
	return l.Lon != nil && l.Lat != nil
}

// Radius returns the arrival radius, falling back to DefaultNearbyRadiusM.
func (l Location) Radius() float64 {
	if l.NearbyRadiusM <= 0 {
		return DefaultNearbyRadiusM
	}
	return l.NearbyRadiusM
}

// List is the ordered station sequence of one train. Indices stay stable for
// the lifetime of a train selection.
type List []Location

// Last returns the index of the last station, or -1 for an empty list.
func (l List) Last() int {
	return len(l) - 1
}

// Valid reports whether i addresses a station in the list.
func (l List) Valid(i int) bool {
	return i >= 0 && i < len(l)
}

// Clone returns a copy that does not share the backing array.
func (l List) Clone() List {
	if l == nil {
		return nil
	}
	out := make(List, len(l))
	copy(out, l)
	return out
}

// Provider supplies the ordered station list for a train.
type Provider interface {
	Stations(ctx context.Context, trainID string) (List, error)
}

// StaticProvider serves station lists held in memory, keyed by train id.
type StaticProvider struct {
	mu    sync.RWMutex
	lists map[string]List
}

// NewStaticProvider creates a provider seeded with the given lists.
func NewStaticProvider(lists map[string]List) *StaticProvider {
	p := &StaticProvider{lists: make(map[string]List, len(lists))}
	for id, l := range lists {
		p.lists[id] = l.Clone()
	}
	return p
}

// Put installs or replaces the list for a train.
func (p *StaticProvider) Put(trainID string, list List) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lists[trainID] = list.Clone()
}

// Stations returns a copy of the list registered for trainID.
func (p *StaticProvider) Stations(ctx context.Context, trainID string) (List, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	list, ok := p.lists[trainID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTrainNotFound, trainID)
	}
	return list.Clone(), nil
}
