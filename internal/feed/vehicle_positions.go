// Package feed exports the tracked position as a GTFS-Realtime
// VehiclePositions feed.
package feed

import (
	"fmt"
	"strconv"
	"time"

	"google.golang.org/protobuf/proto"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"

	"github.com/crew-runner/tracker/internal/position"
	"github.com/crew-runner/tracker/internal/source"
	"github.com/crew-runner/tracker/internal/station"
)

const gtfsRealtimeVersion = "2.0"

// Snapshot is everything needed to describe the vehicle. LastFix is the
// latest on-device fix, if any.
type Snapshot struct {
	VehicleID string
	TrainID   string
	State     position.State
	Stations  station.List
	LastFix   *source.Fix
	Timestamp time.Time
}

// StopID names station i in the feed.
func StopID(i int) string {
	return strconv.Itoa(i)
}

// Build converts a snapshot to a full-dataset feed message. An unset state
// produces a feed with a header and no entities.
func Build(s Snapshot) *gtfs.FeedMessage {
	ts := s.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	msg := &gtfs.FeedMessage{
		Header: &gtfs.FeedHeader{
			GtfsRealtimeVersion: proto.String(gtfsRealtimeVersion),
			Incrementality:      gtfs.FeedHeader_FULL_DATASET.Enum(),
			Timestamp:           proto.Uint64(uint64(ts.Unix())),
		},
	}
	if !s.Stations.Valid(s.State.CurrentStationIndex) {
		return msg
	}

	vp := &gtfs.VehiclePosition{Timestamp: proto.Uint64(uint64(ts.Unix()))}
	if s.VehicleID != "" {
		vp.Vehicle = &gtfs.VehicleDescriptor{Id: proto.String(s.VehicleID), Label: proto.String(s.VehicleID)}
	}
	if s.TrainID != "" {
		vp.Trip = &gtfs.TripDescriptor{TripId: proto.String(s.TrainID)}
	}

	stop := s.State.CurrentStationIndex
	if s.State.IsRunningToNextStation && s.Stations.Valid(stop+1) {
		stop++
		vp.CurrentStatus = gtfs.VehiclePosition_IN_TRANSIT_TO.Enum()
	} else {
		vp.CurrentStatus = gtfs.VehiclePosition_STOPPED_AT.Enum()
	}
	vp.StopId = proto.String(StopID(stop))
	vp.CurrentStopSequence = proto.Uint32(uint32(stop + 1))

	switch {
	case s.LastFix != nil:
		vp.Position = &gtfs.Position{
			Latitude:  proto.Float32(float32(s.LastFix.Lat)),
			Longitude: proto.Float32(float32(s.LastFix.Lon)),
		}
	case !s.State.IsRunningToNextStation && s.Stations[stop].HasCoordinates():
		st := s.Stations[stop]
		vp.Position = &gtfs.Position{
			Latitude:  proto.Float32(float32(*st.Lat)),
			Longitude: proto.Float32(float32(*st.Lon)),
		}
	}

	entityID := s.VehicleID
	if entityID == "" {
		entityID = "vehicle"
	}
	msg.Entity = []*gtfs.FeedEntity{{Id: proto.String(entityID), Vehicle: vp}}
	return msg
}

// Marshal encodes the snapshot as protobuf.
func Marshal(s Snapshot) ([]byte, error) {
	data, err := proto.Marshal(Build(s))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal vehicle positions: %w", err)
	}
	return data, nil
}
