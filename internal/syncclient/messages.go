package syncclient

import (
	"encoding/json"
	"math"
)

// Message types carried in the MessageType discriminator.
const (
	TypeSyncedData        = "SyncedData"
	TypeGetFeatures       = "GetFeatures"
	TypeFeatures          = "Features"
	TypeSearchTrain       = "SearchTrain"
	TypeSearchTrainResult = "SearchTrainResult"
	TypeGetTrainData      = "GetTrainData"
	TypeTrainData         = "TrainData"
)

// Sample is the latest position pushed by the sync server.
type Sample struct {
	LocationM float64 // NaN when unknown
	TimeMs    int64
	CanStart  bool
}

// HasLocation reports whether the sample carries a usable location.
func (s Sample) HasLocation() bool {
	return !math.IsNaN(s.LocationM)
}

var emptySample = Sample{LocationM: math.NaN()}

// Response is a decoded correlated reply. Raw holds the whole frame so typed
// callers can decode their payload from it.
type Response struct {
	MessageType  string          `json:"MessageType"`
	RequestID    string          `json:"RequestId"`
	Success      bool            `json:"Success"`
	ErrorMessage string          `json:"ErrorMessage,omitempty"`
	Raw          json.RawMessage `json:"-"`
}

// Decode unmarshals the full response frame into v.
func (r Response) Decode(v any) error {
	return json.Unmarshal(r.Raw, v)
}

// envelope is the minimal header present on every inbound frame.
type envelope struct {
	MessageType string `json:"MessageType"`
	RequestID   string `json:"RequestId"`
}

type syncedDataFrame struct {
	MessageType string   `json:"MessageType"`
	TimeMs      int64    `json:"Time_ms"`
	LocationM   *float64 `json:"Location_m"`
	CanStart    bool     `json:"CanStart"`
}

func (f syncedDataFrame) sample() Sample {
	s := Sample{
		LocationM: math.NaN(),
		TimeMs:    f.TimeMs,
		CanStart:  f.CanStart,
	}
	if f.LocationM != nil {
		s.LocationM = *f.LocationM
	}
	return s
}

// Request is the common header of outgoing correlated requests. Typed
// requests embed it.
type Request struct {
	MessageType string `json:"MessageType"`
	RequestID   string `json:"RequestId"`
}
