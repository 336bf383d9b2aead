package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crew-runner/tracker/internal/monitoring"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	os.Exit(m.Run())
}

// fakeTransport delivers frames pushed by the test and records writes.
type fakeTransport struct {
	inbound chan []byte
	closed  chan struct{}
	once    sync.Once

	mu       sync.Mutex
	written  [][]byte
	writeErr error
	onWrite  func([]byte)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (f *fakeTransport) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-f.inbound:
		return data, nil
	case <-f.closed:
		return nil, errors.New("transport closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeTransport) Write(ctx context.Context, data []byte) error {
	f.mu.Lock()
	if f.writeErr != nil {
		err := f.writeErr
		f.mu.Unlock()
		return err
	}
	f.written = append(f.written, append([]byte(nil), data...))
	hook := f.onWrite
	f.mu.Unlock()
	if hook != nil {
		hook(data)
	}
	return nil
}

func (f *fakeTransport) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) push(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	f.inbound <- data
}

func (f *fakeTransport) writes() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.written...)
}

func lastRequestID(t *testing.T, data []byte) string {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env.RequestID
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

func TestLatestSample(t *testing.T) {
	tr := newFakeTransport()
	c := New(tr, Options{})
	defer c.Close()

	s, err := c.LatestSample()
	require.NoError(t, err)
	assert.True(t, math.IsNaN(s.LocationM))
	assert.False(t, s.HasLocation())

	tr.push(t, map[string]any{"MessageType": "SyncedData", "Time_ms": 1000, "Location_m": 1234.5, "CanStart": true})
	waitFor(t, func() bool {
		s, _ := c.LatestSample()
		return s.TimeMs == 1000
	})
	s, _ = c.LatestSample()
	assert.Equal(t, 1234.5, s.LocationM)
	assert.True(t, s.CanStart)

	// Latest wins, null location becomes NaN.
	tr.push(t, map[string]any{"MessageType": "SyncedData", "Time_ms": 2000, "Location_m": nil, "CanStart": false})
	waitFor(t, func() bool {
		s, _ := c.LatestSample()
		return s.TimeMs == 2000
	})
	s, _ = c.LatestSample()
	assert.True(t, math.IsNaN(s.LocationM))
	assert.False(t, s.CanStart)
}

func TestMalformedFramesAreIgnored(t *testing.T) {
	tr := newFakeTransport()
	c := New(tr, Options{})
	defer c.Close()

	tr.inbound <- []byte("not json")
	tr.inbound <- []byte(`{"MessageType":"SyncedData","Time_ms":"oops"}`)
	tr.inbound <- []byte(`{"MessageType":"Unknown"}`)
	tr.push(t, map[string]any{"MessageType": "SyncedData", "Time_ms": 7, "Location_m": 1.0})

	waitFor(t, func() bool {
		s, _ := c.LatestSample()
		return s.TimeMs == 7
	})
	assert.NoError(t, c.Err())
}

func TestCall_RoundTrip(t *testing.T) {
	tr := newFakeTransport()
	c := New(tr, Options{})
	defer c.Close()

	tr.onWrite = func(data []byte) {
		id := lastRequestID(t, data)
		// A response for another id must not complete this call.
		tr.push(t, map[string]any{"MessageType": TypeFeatures, "RequestId": "someone-else", "Success": true})
		tr.push(t, map[string]any{"MessageType": TypeFeatures, "RequestId": id, "Success": true, "Features": []string{"a"}})
	}

	resp, ok, err := c.Call(context.Background(), time.Second, func(id string) any {
		return Request{MessageType: TypeGetFeatures, RequestID: id}
	})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, TypeFeatures, resp.MessageType)
	assert.True(t, resp.Success)

	var payload struct{ Features []string }
	require.NoError(t, resp.Decode(&payload))
	assert.Equal(t, []string{"a"}, payload.Features)
	assert.Zero(t, c.Pending())

	writes := tr.writes()
	require.Len(t, writes, 1)
	var sent map[string]any
	require.NoError(t, json.Unmarshal(writes[0], &sent))
	assert.Equal(t, TypeGetFeatures, sent["MessageType"])
	assert.Equal(t, resp.RequestID, sent["RequestId"])
}

func TestCall_OtherIDLeavesCallPending(t *testing.T) {
	tr := newFakeTransport()
	c := New(tr, Options{})
	defer c.Close()

	ids := make(chan string, 1)
	tr.onWrite = func(data []byte) { ids <- lastRequestID(t, data) }

	type out struct {
		ok  bool
		err error
	}
	done := make(chan out, 1)
	go func() {
		_, ok, err := c.Call(context.Background(), 5*time.Second, func(id string) any {
			return Request{MessageType: TypeGetFeatures, RequestID: id}
		})
		done <- out{ok, err}
	}()

	id := <-ids
	tr.push(t, map[string]any{"MessageType": TypeFeatures, "RequestId": "not-" + id, "Success": true})

	select {
	case <-done:
		t.Fatal("call completed by a response for another id")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 1, c.Pending())

	tr.push(t, map[string]any{"MessageType": TypeFeatures, "RequestId": id, "Success": true})
	res := <-done
	assert.True(t, res.ok)
	assert.NoError(t, res.err)
}

func TestCall_TimeoutYieldsNoResult(t *testing.T) {
	tr := newFakeTransport()
	c := New(tr, Options{})
	defer c.Close()

	resp, ok, err := c.Call(context.Background(), 20*time.Millisecond, func(id string) any {
		return Request{MessageType: TypeSearchTrain, RequestID: id}
	})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, resp.RequestID)
	assert.Zero(t, c.Pending())

	// A late response is dropped without disturbing the loop.
	id := lastRequestID(t, tr.writes()[0])
	tr.push(t, map[string]any{"MessageType": TypeSearchTrainResult, "RequestId": id, "Success": true})
	tr.push(t, map[string]any{"MessageType": "SyncedData", "Time_ms": 99})
	waitFor(t, func() bool {
		s, _ := c.LatestSample()
		return s.TimeMs == 99
	})
	assert.Zero(t, c.Pending())
	assert.NoError(t, c.Err())
}

func TestCall_ContextCancel(t *testing.T) {
	tr := newFakeTransport()
	c := New(tr, Options{})
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	tr.onWrite = func([]byte) { cancel() }

	_, ok, err := c.Call(ctx, time.Minute, func(id string) any {
		return Request{MessageType: TypeGetFeatures, RequestID: id}
	})
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, c.Pending())
}

func TestCall_WriteFailure(t *testing.T) {
	tr := newFakeTransport()
	tr.writeErr = errors.New("broken pipe")
	c := New(tr, Options{})
	defer c.Close()

	_, ok, err := c.Call(context.Background(), time.Second, func(id string) any {
		return Request{MessageType: TypeGetFeatures, RequestID: id}
	})
	assert.False(t, ok)
	assert.Error(t, err)
	assert.Zero(t, c.Pending())
}

// stalledTransport never completes a write before the write's context ends.
type stalledTransport struct {
	*fakeTransport
}

func (s stalledTransport) Write(ctx context.Context, data []byte) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestCall_StalledWriteYieldsNoResult(t *testing.T) {
	c := New(stalledTransport{newFakeTransport()}, Options{})
	defer c.Close()

	start := time.Now()
	resp, ok, err := c.Call(context.Background(), 50*time.Millisecond, func(id string) any {
		return Request{MessageType: TypeGetFeatures, RequestID: id}
	})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, resp.RequestID)
	assert.Less(t, time.Since(start), time.Second)
	assert.Zero(t, c.Pending())
}

func TestCall_QueuedBehindStalledWriteKeepsBudget(t *testing.T) {
	c := New(stalledTransport{newFakeTransport()}, Options{})
	defer c.Close()

	// The first call holds the write slot for a minute.
	go c.Call(context.Background(), time.Minute, func(id string) any {
		return Request{MessageType: TypeGetFeatures, RequestID: id}
	})
	waitFor(t, func() bool { return c.Pending() == 1 })

	start := time.Now()
	_, ok, err := c.Call(context.Background(), 50*time.Millisecond, func(id string) any {
		return Request{MessageType: TypeSearchTrain, RequestID: id}
	})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1, c.Pending())
}

func TestCall_StalledWriteHonoursCancel(t *testing.T) {
	c := New(stalledTransport{newFakeTransport()}, Options{})
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, ok, err := c.Call(ctx, time.Minute, func(id string) any {
		return Request{MessageType: TypeGetFeatures, RequestID: id}
	})
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, c.Pending())
}

func TestConnectionLossFailsPendingCalls(t *testing.T) {
	tr := newFakeTransport()
	c := New(tr, Options{})

	const calls = 5
	var wg sync.WaitGroup
	errs := make(chan error, calls)
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := c.Call(context.Background(), time.Minute, func(id string) any {
				return Request{MessageType: TypeGetTrainData, RequestID: id}
			})
			errs <- err
		}()
	}
	waitFor(t, func() bool { return c.Pending() == calls })

	tr.Close()
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.ErrorIs(t, err, ErrConnectionLost)
	}

	<-c.Done()
	assert.ErrorIs(t, c.Err(), ErrConnectionLost)
	_, err := c.LatestSample()
	assert.ErrorIs(t, err, ErrConnectionLost)

	_, ok, err := c.Call(context.Background(), time.Second, func(id string) any { return Request{RequestID: id} })
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrConnectionLost)
}

func TestClose(t *testing.T) {
	tr := newFakeTransport()
	c := New(tr, Options{})
	require.NoError(t, c.Close())

	select {
	case <-c.Done():
	default:
		t.Fatal("receive loop still running after Close")
	}
	assert.ErrorIs(t, c.Err(), ErrClosed)
}

func TestSetIdentity_SendsOnlyChangedFields(t *testing.T) {
	tr := newFakeTransport()
	c := New(tr, Options{})
	defer c.Close()
	ctx := context.Background()

	s := func(v string) *string { return &v }

	c.SetIdentity(ctx, Identity{WorkGroupID: s("G1"), WorkID: s("W1")})
	c.SetIdentity(ctx, Identity{WorkGroupID: s("G1"), WorkID: s("W1")}) // unchanged, no frame
	c.SetIdentity(ctx, Identity{WorkGroupID: s("G1"), WorkID: s("W1"), TrainID: s("T9")})
	c.SetIdentity(ctx, Identity{WorkGroupID: s("G1")}) // only clears, no frame

	writes := tr.writes()
	require.Len(t, writes, 2)
	assert.JSONEq(t, `{"WorkGroupId":"G1","WorkId":"W1"}`, string(writes[0]))
	assert.JSONEq(t, `{"TrainId":"T9"}`, string(writes[1]))

	got := c.Identity()
	require.NotNil(t, got.WorkGroupID)
	assert.Equal(t, "G1", *got.WorkGroupID)
	assert.Nil(t, got.TrainID)
}

func TestSetIdentity_SwallowsSendFailures(t *testing.T) {
	tr := newFakeTransport()
	tr.writeErr = fmt.Errorf("socket gone")
	c := New(tr, Options{})
	defer c.Close()

	id := "T1"
	assert.NotPanics(t, func() {
		c.SetIdentity(context.Background(), Identity{TrainID: &id})
	})
	assert.NoError(t, c.Err())
}
