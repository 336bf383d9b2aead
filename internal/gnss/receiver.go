// Package gnss reads position fixes from a serial GNSS receiver that emits
// NMEA sentences, and exposes them as a geolocation primitive for the local
// position source.
package gnss

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/crew-runner/tracker/internal/monitoring"
	"github.com/crew-runner/tracker/internal/source"
)

// DefaultMaxFixAge is how old a cached fix may be and still be returned
// without waiting for the next sentence.
const DefaultMaxFixAge = 2 * time.Second

var ErrReceiverStopped = errors.New("gnss receiver stopped")

// PortOptions describes the serial line of the receiver.
type PortOptions struct {
	BaudRate int    `json:"baud_rate" yaml:"baud_rate"`
	DataBits int    `json:"data_bits" yaml:"data_bits"`
	StopBits int    `json:"stop_bits" yaml:"stop_bits"`
	Parity   string `json:"parity" yaml:"parity"`
}

// Normalize validates the options and applies NMEA 0183 defaults (4800 8N1).
func (o PortOptions) Normalize() (PortOptions, error) {
	opts := o
	if opts.BaudRate <= 0 {
		opts.BaudRate = 4800
	}
	if opts.DataBits == 0 {
		opts.DataBits = 8
	}
	if opts.DataBits < 5 || opts.DataBits > 8 {
		return opts, fmt.Errorf("invalid data bits %d: must be between 5 and 8", opts.DataBits)
	}
	if opts.StopBits == 0 {
		opts.StopBits = 1
	}
	if opts.StopBits != 1 && opts.StopBits != 2 {
		return opts, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", opts.StopBits)
	}

	switch strings.TrimSpace(strings.ToUpper(opts.Parity)) {
	case "", "N", "NONE":
		opts.Parity = "N"
	case "E", "EVEN":
		opts.Parity = "E"
	case "O", "ODD":
		opts.Parity = "O"
	default:
		return opts, fmt.Errorf("unsupported parity %q: expected N, E, or O", opts.Parity)
	}
	return opts, nil
}

// SerialMode converts the options for go.bug.st/serial.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	opts, err := o.Normalize()
	if err != nil {
		return nil, err
	}
	mode := &serial.Mode{BaudRate: opts.BaudRate, DataBits: opts.DataBits}
	if opts.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	} else {
		mode.StopBits = serial.OneStopBit
	}
	switch opts.Parity {
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	default:
		mode.Parity = serial.NoParity
	}
	return mode, nil
}

// Receiver caches the latest valid RMC fix read from a port.
type Receiver struct {
	port      io.ReadCloser
	maxFixAge time.Duration

	mu      sync.Mutex
	fix     source.Fix
	fixAt   time.Time
	updated chan struct{}
	stopped chan struct{}
	err     error
}

// Open opens the serial device at path.
func Open(path string, opts PortOptions) (*Receiver, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open gnss port %s: %w", path, err)
	}
	return NewReceiver(port), nil
}

// NewReceiver wraps an already open port. Call Monitor to start reading.
func NewReceiver(port io.ReadCloser) *Receiver {
	return &Receiver{
		port:      port,
		maxFixAge: DefaultMaxFixAge,
		updated:   make(chan struct{}),
		stopped:   make(chan struct{}),
	}
}

// Monitor reads sentences until ctx is done or the port fails.
func (r *Receiver) Monitor(ctx context.Context) error {
	scan := bufio.NewScanner(r.port)
	lines := make(chan string)
	scanErr := make(chan error, 1)

	go func() {
		defer close(lines)
		for scan.Scan() {
			select {
			case lines <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			scanErr <- err
		}
	}()

	for {
		select {
		case <-ctx.Done():
			r.stop(ctx.Err())
			return ctx.Err()
		case err := <-scanErr:
			r.stop(err)
			return err
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					r.stop(err)
					return err
				default:
				}
				r.stop(io.EOF)
				return nil
			}
			r.handleLine(line)
		}
	}
}

func (r *Receiver) handleLine(line string) {
	rmc, err := ParseRMC(line)
	if errors.Is(err, ErrNotRMC) {
		return
	}
	if err != nil {
		monitoring.Logf("GNSS: dropping sentence %q: %v", line, err)
		return
	}
	if !rmc.Valid {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.fix = source.Fix{Lon: rmc.Lon, Lat: rmc.Lat, Time: rmc.Time}
	r.fixAt = time.Now()
	close(r.updated)
	r.updated = make(chan struct{})
}

func (r *Receiver) stop(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	select {
	case <-r.stopped:
		return
	default:
	}
	r.err = err
	close(r.stopped)
}

// Fetch returns a fresh fix, waiting up to timeout for the next one when the
// cached fix is stale.
func (r *Receiver) Fetch(ctx context.Context, timeout time.Duration) (source.Fix, error) {
	r.mu.Lock()
	if !r.fixAt.IsZero() && time.Since(r.fixAt) <= r.maxFixAge {
		fix := r.fix
		r.mu.Unlock()
		return fix, nil
	}
	updated := r.updated
	r.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-updated:
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.fix, nil
	case <-r.stopped:
		return source.Fix{}, fmt.Errorf("%w: %v", ErrReceiverStopped, r.Err())
	case <-timer.C:
		return source.Fix{}, source.ErrNoFix
	case <-ctx.Done():
		return source.Fix{}, ctx.Err()
	}
}

// CheckPermission reports whether the device can still be read.
func (r *Receiver) CheckPermission(ctx context.Context) error {
	select {
	case <-r.stopped:
	default:
		return nil
	}
	err := r.Err()
	if errors.Is(err, fs.ErrPermission) {
		return fmt.Errorf("%w: %v", source.ErrPermissionDenied, err)
	}
	return fmt.Errorf("%w: %v", ErrReceiverStopped, err)
}

// Err returns why the monitor stopped, or nil while it is running.
func (r *Receiver) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Receiver) Close() error {
	return r.port.Close()
}
