package source

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/crew-runner/tracker/internal/metrics"
	"github.com/crew-runner/tracker/internal/monitoring"
	"github.com/crew-runner/tracker/internal/position"
	"github.com/crew-runner/tracker/internal/station"
	"github.com/crew-runner/tracker/internal/syncclient"
)

// DefaultPollInterval is used when Config.PollInterval is zero.
const DefaultPollInterval = 5 * time.Second

var (
	ErrClosed            = errors.New("orchestrator closed")
	ErrSourceUnavailable = errors.New("source not configured")
)

// Config wires the orchestrator. Either source may be nil, in which case the
// corresponding mode cannot be enabled.
type Config struct {
	PollInterval time.Duration
	Local        Source
	Remote       Source
}

// Orchestrator owns the station matcher and at most one running source loop.
type Orchestrator struct {
	interval time.Duration
	local    Source
	remote   Source
	matcher  *position.Matcher
	stats    map[Mode]*metrics.TickStats

	// mu serializes mode switches; it is held while waiting for a loop to stop.
	mu          sync.Mutex
	mode        Mode
	stations    station.List
	gen         uint64
	cancel      context.CancelFunc
	done        chan struct{}
	active      Source
	lastFailure error
	closed      bool
	failures    sync.WaitGroup

	subscriberMu sync.Mutex
	subscribers  map[string]chan Event
}

// New creates a disabled orchestrator.
func New(cfg Config) *Orchestrator {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	o := &Orchestrator{
		interval:    interval,
		local:       cfg.Local,
		remote:      cfg.Remote,
		mode:        ModeDisabled,
		subscribers: make(map[string]chan Event),
		stats: map[Mode]*metrics.TickStats{
			ModeLocal:  {},
			ModeRemote: {},
		},
	}
	o.matcher = position.NewMatcher(func(s position.State) {
		o.publish(Event{Type: EventStateChanged, State: s})
	})
	if r, ok := cfg.Remote.(*Remote); ok {
		r.setSampleListener(func(s syncclient.Sample) {
			o.publish(Event{Type: EventSample, Sample: s})
		})
	}
	return o
}

// Mode returns the active mode.
func (o *Orchestrator) Mode() Mode {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.mode
}

// State returns the matcher's current state.
func (o *Orchestrator) State() position.State {
	return o.matcher.State()
}

// Stations returns the installed station list.
func (o *Orchestrator) Stations() station.List {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stations.Clone()
}

// LastFailure returns the error that last stopped a source, if any.
func (o *Orchestrator) LastFailure() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastFailure
}

// Stats returns tick statistics of mode's source since the orchestrator was
// created. ModeDisabled has none.
func (o *Orchestrator) Stats(mode Mode) metrics.TickSnapshot {
	if s, ok := o.stats[mode]; ok {
		return s.Snapshot()
	}
	return metrics.TickSnapshot{}
}

// Available reports whether a source is configured for mode.
func (o *Orchestrator) Available(mode Mode) bool {
	return mode == ModeDisabled || o.sourceFor(mode) != nil
}

// Enable switches to mode. Enabling the active mode is a no-op and
// ModeDisabled is equivalent to Disable.
func (o *Orchestrator) Enable(mode Mode) error {
	if !o.Available(mode) {
		return fmt.Errorf("%w: %s", ErrSourceUnavailable, mode)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	if mode == o.mode {
		return nil
	}
	o.switchLocked(mode)
	return nil
}

// Disable stops whichever loop is running without starting another.
func (o *Orchestrator) Disable() error {
	return o.Enable(ModeDisabled)
}

// SetStations installs a new station list. A running loop is stopped before
// the matcher is reset and restarted afterwards.
func (o *Orchestrator) SetStations(list station.List) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	o.stations = list.Clone()
	if o.mode == ModeDisabled {
		o.matcher.SetStations(o.stations)
		return nil
	}
	mode := o.mode
	o.stopLocked()
	o.matcher.SetStations(o.stations)
	o.startLocked(o.sourceFor(mode))
	return nil
}

// LoadStations fetches the station list of trainID and installs it.
func (o *Orchestrator) LoadStations(ctx context.Context, p station.Provider, trainID string) error {
	list, err := p.Stations(ctx, trainID)
	if err != nil {
		return fmt.Errorf("failed to load stations for train %s: %w", trainID, err)
	}
	monitoring.Logf("Source: loaded %d stations for train %s", len(list), trainID)
	return o.SetStations(list)
}

// ForceSet applies a manual correction. Invalid indices are rejected.
func (o *Orchestrator) ForceSet(index int, running bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	return o.matcher.ForceSet(index, running)
}

// Close stops the running loop and closes every subscriber channel.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.stopLocked()
	o.mode = ModeDisabled
	o.mu.Unlock()

	o.failures.Wait()
	o.closeSubscribers()
}

func (o *Orchestrator) sourceFor(mode Mode) Source {
	switch mode {
	case ModeLocal:
		return o.local
	case ModeRemote:
		return o.remote
	}
	return nil
}

func (o *Orchestrator) switchLocked(mode Mode) {
	prev := o.mode
	o.stopLocked()
	o.mode = mode
	if src := o.sourceFor(mode); src != nil {
		o.matcher.SetStations(o.stations)
		o.startLocked(src)
	}
	if prev != mode {
		monitoring.Logf("Source: %s -> %s", prev, mode)
		o.publish(Event{Type: EventModeChanged, Mode: mode})
	}
}

// stopLocked cancels the running loop and waits for it to return.
func (o *Orchestrator) stopLocked() {
	o.gen++
	if o.cancel == nil {
		return
	}
	o.cancel()
	<-o.done
	o.active.Deactivate()
	o.cancel, o.done, o.active = nil, nil, nil
}

func (o *Orchestrator) startLocked(src Source) {
	o.gen++
	gen := o.gen
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	o.cancel, o.done, o.active = cancel, done, src
	go o.run(ctx, gen, src, done)
}

func (o *Orchestrator) run(ctx context.Context, gen uint64, src Source, done chan struct{}) {
	defer close(done)

	err := o.loop(ctx, src)
	if err == nil || ctx.Err() != nil {
		return
	}
	o.failures.Add(1)
	go o.handleSourceFailure(gen, src.Mode(), err)
}

func (o *Orchestrator) loop(ctx context.Context, src Source) error {
	if err := src.Activate(ctx); err != nil {
		return fmt.Errorf("failed to activate: %w", err)
	}

	ticker := time.NewTicker(src.Interval(o.interval))
	defer ticker.Stop()

	stats := o.stats[src.Mode()]
	failures := 0
	for {
		start := time.Now()
		err := src.Tick(ctx, o.matcher)
		if ctx.Err() == nil && stats != nil {
			stats.Observe(time.Since(start), err)
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			if failures > src.MaxConsecutiveFailures() {
				return err
			}
		} else {
			failures = 0
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// handleSourceFailure runs outside the failed loop so the switch can wait on
// it. Reports from loops that have since been replaced are dropped.
func (o *Orchestrator) handleSourceFailure(gen uint64, mode Mode, err error) {
	defer o.failures.Done()

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed || gen != o.gen {
		return
	}

	srcErr := &SourceError{Mode: mode, Err: err}
	o.lastFailure = srcErr
	monitoring.Logf("Source: %v", srcErr)
	o.publish(Event{Type: EventSourceFailed, Mode: mode, Err: srcErr})

	if mode == ModeRemote && o.local != nil {
		o.switchLocked(ModeLocal)
		return
	}
	o.switchLocked(ModeDisabled)
}
