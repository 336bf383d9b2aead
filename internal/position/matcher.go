// Package position decides which station a crew member is at, and whether
// they are running towards the next one, from a stream of position samples.
package position

import (
	"errors"
	"math"
	"sync"

	"github.com/crew-runner/tracker/internal/geo"
	"github.com/crew-runner/tracker/internal/station"
)

var (
	// ErrInvalidIndex is returned when a manual override names a station
	// outside the installed list.
	ErrInvalidIndex = errors.New("station index out of range")
	// ErrInvalidState is returned when a manual override asks to run past the
	// last station.
	ErrInvalidState = errors.New("no next station to run to")
)

// State is the crew member's progress along the station list.
type State struct {
	CurrentStationIndex    int  `json:"currentStationIndex"`
	IsRunningToNextStation bool `json:"isRunningToNextStation"`
}

// Unset is the state used before any station list is installed.
var Unset = State{CurrentStationIndex: -1}

// Matcher is the station state machine. It is safe for concurrent use, but
// only one position source is expected to feed it at a time.
type Matcher struct {
	mu       sync.Mutex
	stations station.List
	state    State
	window   *geo.DistanceWindow
	onChange func(State)
}

// NewMatcher creates a matcher. onChange, if non-nil, is called after every
// state change, outside the matcher's lock.
func NewMatcher(onChange func(State)) *Matcher {
	return &Matcher{
		state:    Unset,
		window:   geo.NewDistanceWindow(geo.DefaultWindowSize),
		onChange: onChange,
	}
}

// State returns the current state.
func (m *Matcher) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Stations returns a copy of the installed station list.
func (m *Matcher) Stations() station.List {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stations.Clone()
}

// SetStations installs a new station list and resets the state to the first
// station (or unset for an empty list).
func (m *Matcher) SetStations(list station.List) {
	m.mu.Lock()
	m.stations = list.Clone()
	m.window.Reset()
	if len(m.stations) > 0 {
		m.state = State{CurrentStationIndex: 0}
	} else {
		m.state = Unset
	}
	s := m.state
	m.mu.Unlock()

	m.notify(s)
}

// RecordFix feeds one observation through the distance window. The state
// only moves once the window has been filled since the last transition.
func (m *Matcher) RecordFix(lon, lat float64) {
	m.mu.Lock()
	s, changed := m.recordFixLocked(lon, lat)
	m.mu.Unlock()

	if changed {
		m.notify(s)
	}
}

func (m *Matcher) recordFixLocked(lon, lat float64) (State, bool) {
	// With a single station there is nothing to run to.
	if len(m.stations) <= 1 || !m.stations.Valid(m.state.CurrentStationIndex) {
		return m.state, false
	}

	idx := m.state.CurrentStationIndex
	if !m.state.IsRunningToNextStation {
		if idx == m.stations.Last() {
			return m.state, false
		}
		current := m.stations[idx]
		d, ok := distanceTo(current, lon, lat)
		if !ok {
			return m.state, false
		}
		if !m.window.Push(d) || m.window.Mean() <= current.Radius() {
			return m.state, false
		}
		m.state.IsRunningToNextStation = true
		m.window.Reset()
		return m.state, true
	}

	if idx >= m.stations.Last() {
		return m.state, false
	}
	next := m.stations[idx+1]
	d, ok := distanceTo(next, lon, lat)
	if !ok {
		return m.state, false
	}
	if !m.window.Push(d) || m.window.Mean() > next.Radius() {
		return m.state, false
	}
	m.state = State{CurrentStationIndex: idx + 1}
	m.window.Reset()
	return m.state, true
}

// ForceSetByLocation resolves the state from a single observation without
// any smoothing, and always notifies.
func (m *Matcher) ForceSetByLocation(lon, lat float64) {
	m.mu.Lock()
	m.state = m.resolveLocked(lon, lat)
	m.window.Reset()
	s := m.state
	m.mu.Unlock()

	m.notify(s)
}

func (m *Matcher) resolveLocked(lon, lat float64) State {
	n := len(m.stations)
	if n <= 1 {
		return State{CurrentStationIndex: n - 1}
	}

	nearest, nearestDist := -1, math.Inf(1)
	for i, st := range m.stations {
		d, ok := distanceTo(st, lon, lat)
		if ok && d < nearestDist {
			nearest, nearestDist = i, d
		}
	}
	if nearest < 0 {
		// No station carries coordinates; keep what we have.
		return m.state
	}

	within := nearestDist <= m.stations[nearest].Radius()
	last := m.stations.Last()
	switch {
	case nearest == 0:
		return State{CurrentStationIndex: 0, IsRunningToNextStation: !within}
	case nearest == last:
		if within {
			return State{CurrentStationIndex: last}
		}
		return State{CurrentStationIndex: last - 1, IsRunningToNextStation: true}
	default:
		if within {
			return State{CurrentStationIndex: nearest}
		}
		prev, _ := distanceTo(m.stations[nearest-1], lon, lat)
		next, _ := distanceTo(m.stations[nearest+1], lon, lat)
		if prev < next {
			return State{CurrentStationIndex: nearest - 1, IsRunningToNextStation: true}
		}
		return State{CurrentStationIndex: nearest, IsRunningToNextStation: true}
	}
}

// ForceSet overrides the state directly, e.g. for a manual crew correction.
func (m *Matcher) ForceSet(index int, running bool) error {
	m.mu.Lock()
	if len(m.stations) == 0 {
		if index != -1 || running {
			m.mu.Unlock()
			return ErrInvalidIndex
		}
	} else {
		if !m.stations.Valid(index) {
			m.mu.Unlock()
			return ErrInvalidIndex
		}
		if running && index == m.stations.Last() {
			m.mu.Unlock()
			return ErrInvalidState
		}
	}
	m.state = State{CurrentStationIndex: index, IsRunningToNextStation: running}
	m.window.Reset()
	s := m.state
	m.mu.Unlock()

	m.notify(s)
	return nil
}

// UpdateByDistance places the state from an along-route position, as pushed
// by the remote sync feed. NaN positions are ignored.
func (m *Matcher) UpdateByDistance(positionM float64) {
	if math.IsNaN(positionM) || math.IsInf(positionM, 0) {
		return
	}

	m.mu.Lock()
	if len(m.stations) == 0 {
		m.mu.Unlock()
		return
	}
	next := classifyDistance(m.stations, positionM)
	if next == m.state {
		m.mu.Unlock()
		return
	}
	m.state = next
	m.window.Reset()
	m.mu.Unlock()

	m.notify(next)
}

func classifyDistance(list station.List, positionM float64) State {
	last := list.Last()
	if last == 0 || positionM <= list[0].PositionM {
		return State{CurrentStationIndex: 0}
	}

	// i is the last station at or behind positionM.
	i := 0
	for i < last && list[i+1].PositionM <= positionM {
		i++
	}
	if i == last {
		return State{CurrentStationIndex: last}
	}
	if positionM-list[i].PositionM <= list[i].Radius() {
		return State{CurrentStationIndex: i}
	}
	if list[i+1].PositionM-positionM <= list[i+1].Radius() {
		return State{CurrentStationIndex: i + 1}
	}
	return State{CurrentStationIndex: i, IsRunningToNextStation: true}
}

func (m *Matcher) notify(s State) {
	if m.onChange != nil {
		m.onChange(s)
	}
}

func distanceTo(st station.Location, lon, lat float64) (float64, bool) {
	if !st.HasCoordinates() {
		return math.Inf(1), false
	}
	return geo.Haversine(*st.Lon, *st.Lat, lon, lat), true
}
