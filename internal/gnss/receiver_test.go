package gnss

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"

	"github.com/crew-runner/tracker/internal/monitoring"
	"github.com/crew-runner/tracker/internal/source"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	os.Exit(m.Run())
}

func sentence(body string) string {
	return fmt.Sprintf("$%s*%02X", body, Checksum(body))
}

func TestParseRMC(t *testing.T) {
	rmc, err := ParseRMC("$GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W*6A")
	require.NoError(t, err)
	assert.True(t, rmc.Valid)
	assert.InDelta(t, 48.1173, rmc.Lat, 1e-6)
	assert.InDelta(t, 11.516667, rmc.Lon, 1e-6)
	assert.Equal(t, time.Date(1994, 3, 23, 12, 35, 19, 0, time.UTC), rmc.Time)
}

func TestParseRMC_Cases(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		wantErr error
		valid   bool
		lat     float64
		lon     float64
	}{
		{
			name:  "southern western hemisphere",
			line:  sentence("GNRMC,101500.00,A,3352.500,S,15112.600,W,0.0,0.0,010124,,,A"),
			valid: true,
			lat:   -33.875,
			lon:   -151.21,
		},
		{
			name: "void fix",
			line: sentence("GPRMC,101500.00,V,,,,,,,010124,,,N"),
		},
		{
			name:    "bad checksum",
			line:    "$GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W*00",
			wantErr: ErrChecksum,
		},
		{
			name:    "other sentence",
			line:    sentence("GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,"),
			wantErr: ErrNotRMC,
		},
		{
			name:    "not nmea",
			line:    "hello",
			wantErr: ErrNotRMC,
		},
		{
			name:    "truncated",
			line:    sentence("GPRMC,123519,A"),
			wantErr: ErrInvalidData,
		},
		{
			name:    "bad hemisphere",
			line:    sentence("GPRMC,123519,A,4807.038,X,01131.000,E,022.4,084.4,230394,003.1,W"),
			wantErr: ErrInvalidData,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rmc, err := ParseRMC(tt.line)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.valid, rmc.Valid)
			if tt.valid {
				assert.InDelta(t, tt.lat, rmc.Lat, 1e-9)
				assert.InDelta(t, tt.lon, rmc.Lon, 1e-9)
			}
		})
	}
}

func startReceiver(t *testing.T) (*Receiver, *io.PipeWriter, context.CancelFunc) {
	t.Helper()
	pr, pw := io.Pipe()
	r := NewReceiver(pr)
	ctx, cancel := context.WithCancel(context.Background())
	go r.Monitor(ctx)
	t.Cleanup(func() {
		cancel()
		pw.Close()
	})
	return r, pw, cancel
}

func TestReceiverFetchWaitsForFix(t *testing.T) {
	r, pw, _ := startReceiver(t)

	go func() {
		time.Sleep(10 * time.Millisecond)
		fmt.Fprintln(pw, sentence("GPGSV,3,1,11,03,03,111,00"))
		fmt.Fprintln(pw, sentence("GPRMC,101500.00,V,,,,,,,010124,,,N"))
		fmt.Fprintln(pw, sentence("GPRMC,101501.00,A,4124.000,N,00210.500,E,0.0,0.0,010124,,,A"))
	}()

	fix, err := r.Fetch(context.Background(), 2*time.Second)
	require.NoError(t, err)
	assert.InDelta(t, 41.4, fix.Lat, 1e-9)
	assert.InDelta(t, 2.175, fix.Lon, 1e-9)

	// A fresh cached fix is returned without waiting.
	again, err := r.Fetch(context.Background(), time.Nanosecond)
	require.NoError(t, err)
	assert.Equal(t, fix, again)
	assert.NoError(t, r.CheckPermission(context.Background()))
}

func TestReceiverFetchTimeout(t *testing.T) {
	r, _, _ := startReceiver(t)
	_, err := r.Fetch(context.Background(), 20*time.Millisecond)
	assert.ErrorIs(t, err, source.ErrNoFix)
}

func TestReceiverFetchCancelled(t *testing.T) {
	r, _, _ := startReceiver(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Fetch(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReceiverStopped(t *testing.T) {
	r, pw, _ := startReceiver(t)
	pw.CloseWithError(fs.ErrPermission)

	require.Eventually(t, func() bool { return r.Err() != nil }, time.Second, time.Millisecond)
	assert.ErrorIs(t, r.CheckPermission(context.Background()), source.ErrPermissionDenied)

	_, err := r.Fetch(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrReceiverStopped)
}

func TestReceiverEOF(t *testing.T) {
	r, pw, _ := startReceiver(t)
	pw.Close()

	require.Eventually(t, func() bool { return r.Err() != nil }, time.Second, time.Millisecond)
	err := r.CheckPermission(context.Background())
	assert.ErrorIs(t, err, ErrReceiverStopped)
	assert.NotErrorIs(t, err, source.ErrPermissionDenied)
}

func TestPortOptions(t *testing.T) {
	mode, err := PortOptions{}.SerialMode()
	require.NoError(t, err)
	assert.Equal(t, &serial.Mode{BaudRate: 4800, DataBits: 8, Parity: serial.NoParity, StopBits: serial.OneStopBit}, mode)

	mode, err = PortOptions{BaudRate: 9600, StopBits: 2, Parity: "even"}.SerialMode()
	require.NoError(t, err)
	assert.Equal(t, 9600, mode.BaudRate)
	assert.Equal(t, serial.TwoStopBits, mode.StopBits)
	assert.Equal(t, serial.EvenParity, mode.Parity)

	_, err = PortOptions{DataBits: 9}.Normalize()
	assert.Error(t, err)
	_, err = PortOptions{StopBits: 3}.Normalize()
	assert.Error(t, err)
	_, err = PortOptions{Parity: "mark"}.Normalize()
	assert.Error(t, err)
}
