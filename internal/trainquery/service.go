// Package trainquery offers typed on-demand queries to the sync peer: train
// search, train data and feature discovery. Every call shares the sync
// connection and has its own timeout; a timeout is reported as "no result",
// which callers should treat as "try again later".
package trainquery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/crew-runner/tracker/internal/syncclient"
)

// ErrUnexpectedResponse is returned when the peer answers with a different
// message type than the request expects.
var ErrUnexpectedResponse = errors.New("unexpected response type")

// RemoteError is a failure reported by the peer itself.
type RemoteError struct {
	MessageType string
	Message     string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s failed", e.MessageType)
	}
	return fmt.Sprintf("%s failed: %s", e.MessageType, e.Message)
}

// Caller is the correlated request primitive of the sync client.
type Caller interface {
	Call(ctx context.Context, timeout time.Duration, build func(requestID string) any) (syncclient.Response, bool, error)
}

// Timeouts holds the per-call budgets.
type Timeouts struct {
	SearchTrain time.Duration
	TrainData   time.Duration
	Features    time.Duration
}

// DefaultTimeouts are used for zero fields.
var DefaultTimeouts = Timeouts{
	SearchTrain: 10 * time.Second,
	TrainData:   30 * time.Second,
	Features:    5 * time.Second,
}

// TrainSummary is one hit of a train search.
type TrainSummary struct {
	TrainID       string `json:"TrainId"`
	TrainNumber   string `json:"TrainNumber"`
	WorkGroupID   string `json:"WorkGroupId,omitempty"`
	WorkGroupName string `json:"WorkGroupName,omitempty"`
	WorkID        string `json:"WorkId,omitempty"`
	WorkName      string `json:"WorkName,omitempty"`
}

// TrainData is the serialized timetable of one train. Data is opaque here.
type TrainData struct {
	TrainID string `json:"TrainId"`
	Data    string `json:"Data"`
}

// Service issues typed queries over a Caller.
type Service struct {
	caller   Caller
	timeouts Timeouts
}

// NewService creates a query service. Zero timeouts fall back to DefaultTimeouts.
func NewService(caller Caller, timeouts Timeouts) *Service {
	if timeouts.SearchTrain <= 0 {
		timeouts.SearchTrain = DefaultTimeouts.SearchTrain
	}
	if timeouts.TrainData <= 0 {
		timeouts.TrainData = DefaultTimeouts.TrainData
	}
	if timeouts.Features <= 0 {
		timeouts.Features = DefaultTimeouts.Features
	}
	return &Service{caller: caller, timeouts: timeouts}
}

type searchTrainRequest struct {
	syncclient.Request
	TrainNumber string `json:"TrainNumber"`
}

type searchTrainResult struct {
	Trains []TrainSummary `json:"Trains"`
}

// SearchTrain looks trains up by their public number.
func (s *Service) SearchTrain(ctx context.Context, trainNumber string) ([]TrainSummary, bool, error) {
	var out searchTrainResult
	ok, err := s.call(ctx, s.timeouts.SearchTrain, syncclient.TypeSearchTrainResult, &out, func(id string) any {
		return searchTrainRequest{
			Request:     syncclient.Request{MessageType: syncclient.TypeSearchTrain, RequestID: id},
			TrainNumber: trainNumber,
		}
	})
	if !ok || err != nil {
		return nil, ok, err
	}
	if out.Trains == nil {
		out.Trains = []TrainSummary{}
	}
	return out.Trains, true, nil
}

type trainDataRequest struct {
	syncclient.Request
	TrainID string `json:"TrainId"`
}

// GetTrainData fetches the serialized data of one train.
func (s *Service) GetTrainData(ctx context.Context, trainID string) (*TrainData, bool, error) {
	var out TrainData
	ok, err := s.call(ctx, s.timeouts.TrainData, syncclient.TypeTrainData, &out, func(id string) any {
		return trainDataRequest{
			Request: syncclient.Request{MessageType: syncclient.TypeGetTrainData, RequestID: id},
			TrainID: trainID,
		}
	})
	if !ok || err != nil {
		return nil, ok, err
	}
	if out.TrainID == "" {
		out.TrainID = trainID
	}
	return &out, true, nil
}

type featuresResult struct {
	Features []string `json:"Features"`
}

// GetFeatures lists the optional capabilities of the peer.
func (s *Service) GetFeatures(ctx context.Context) ([]string, bool, error) {
	var out featuresResult
	ok, err := s.call(ctx, s.timeouts.Features, syncclient.TypeFeatures, &out, func(id string) any {
		return syncclient.Request{MessageType: syncclient.TypeGetFeatures, RequestID: id}
	})
	if !ok || err != nil {
		return nil, ok, err
	}
	if out.Features == nil {
		out.Features = []string{}
	}
	return out.Features, true, nil
}

func (s *Service) call(ctx context.Context, timeout time.Duration, want string, out any, build func(string) any) (bool, error) {
	resp, ok, err := s.caller.Call(ctx, timeout, build)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if resp.MessageType != want {
		return false, fmt.Errorf("%w: got %q, want %q", ErrUnexpectedResponse, resp.MessageType, want)
	}
	if !resp.Success {
		return false, &RemoteError{MessageType: resp.MessageType, Message: resp.ErrorMessage}
	}
	if err := resp.Decode(out); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", want, err)
	}
	return true, nil
}
