package assignment

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crew-runner/tracker/internal/monitoring"
	"github.com/crew-runner/tracker/internal/station"
	"github.com/crew-runner/tracker/internal/syncclient"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	os.Exit(m.Run())
}

type fakeLoader struct {
	loaded []string
	err    error
}

func (f *fakeLoader) LoadStations(ctx context.Context, p station.Provider, trainID string) error {
	if f.err != nil {
		return f.err
	}
	f.loaded = append(f.loaded, trainID)
	return nil
}

type fakePusher struct {
	pushed []syncclient.Identity
}

func (f *fakePusher) SetIdentity(ctx context.Context, id syncclient.Identity) {
	f.pushed = append(f.pushed, id)
}

func str(s string) *string { return &s }

func TestSelectLoadsNewTrainOnce(t *testing.T) {
	loader := &fakeLoader{}
	pusher := &fakePusher{}
	m := NewManager(Config{Stations: loader, Identity: pusher})

	got, err := m.Select(context.Background(), Update{TrainID: str("t-1"), WorkGroupID: str("depot")})
	require.NoError(t, err)
	assert.Equal(t, Assignment{WorkGroupID: "depot", TrainID: "t-1"}, got)

	// Same train again only changes the work id.
	got, err = m.Select(context.Background(), Update{WorkID: str("w-7")})
	require.NoError(t, err)
	assert.Equal(t, Assignment{WorkGroupID: "depot", WorkID: "w-7", TrainID: "t-1"}, got)

	assert.Equal(t, []string{"t-1"}, loader.loaded)
	require.Len(t, pusher.pushed, 2)
	assert.Nil(t, pusher.pushed[0].WorkID)
	assert.Equal(t, "w-7", *pusher.pushed[1].WorkID)
	assert.Equal(t, "t-1", m.TrainID())
}

func TestSelectFailureKeepsAssignment(t *testing.T) {
	loader := &fakeLoader{}
	pusher := &fakePusher{}
	m := NewManager(Config{Stations: loader, Identity: pusher})
	_, err := m.Select(context.Background(), Update{TrainID: str("t-1")})
	require.NoError(t, err)

	loader.err = station.ErrTrainNotFound
	got, err := m.Select(context.Background(), Update{TrainID: str("t-2"), WorkID: str("w-1")})
	assert.ErrorIs(t, err, station.ErrTrainNotFound)
	assert.Equal(t, Assignment{TrainID: "t-1"}, got)
	assert.Equal(t, Assignment{TrainID: "t-1"}, m.Current())
	assert.Len(t, pusher.pushed, 1)
}

func TestSelectWithoutSyncPeer(t *testing.T) {
	m := NewManager(Config{Stations: &fakeLoader{}})
	got, err := m.Select(context.Background(), Update{TrainID: str("t-3")})
	require.NoError(t, err)
	assert.Equal(t, "t-3", got.TrainID)
}

func TestSelectOtherError(t *testing.T) {
	m := NewManager(Config{Stations: &fakeLoader{err: errors.New("closed")}})
	_, err := m.Select(context.Background(), Update{TrainID: str("t-3")})
	assert.Error(t, err)
	assert.Empty(t, m.TrainID())
}

func TestIdentity(t *testing.T) {
	id := Assignment{TrainID: "t-1"}.Identity()
	assert.Nil(t, id.WorkGroupID)
	assert.Nil(t, id.WorkID)
	require.NotNil(t, id.TrainID)
	assert.Equal(t, "t-1", *id.TrainID)
}
