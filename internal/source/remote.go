package source

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/crew-runner/tracker/internal/position"
	"github.com/crew-runner/tracker/internal/syncclient"
)

// DefaultRemoteFailureThreshold is how many consecutive failed remote ticks
// are tolerated; the next one triggers failover to the local source.
const DefaultRemoteFailureThreshold = 10

// remoteIntervalDivisor makes the remote source tick five times per polling
// interval. Reading the cached sample is cheap.
const remoteIntervalDivisor = 5

// SampleFeed exposes the latest pushed sync sample. It errors once the
// connection is gone.
type SampleFeed interface {
	LatestSample() (syncclient.Sample, error)
}

// Remote follows the sync server's pushed along-route position.
type Remote struct {
	feed      SampleFeed
	threshold int
	onSample  func(syncclient.Sample)

	mu     sync.Mutex
	last   syncclient.Sample
	hasAny bool
}

// NewRemote creates a remote source. threshold <= 0 selects
// DefaultRemoteFailureThreshold.
func NewRemote(feed SampleFeed, threshold int) *Remote {
	if threshold <= 0 {
		threshold = DefaultRemoteFailureThreshold
	}
	return &Remote{feed: feed, threshold: threshold}
}

func (r *Remote) Mode() Mode { return ModeRemote }

func (r *Remote) Activate(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hasAny = false
	return nil
}

func (r *Remote) Tick(ctx context.Context, m *position.Matcher) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s, err := r.feed.LatestSample()
	if err != nil {
		return fmt.Errorf("failed to read synced sample: %w", err)
	}

	r.mu.Lock()
	fresh := !r.hasAny || s.TimeMs != r.last.TimeMs || s.CanStart != r.last.CanStart
	r.last = s
	r.hasAny = true
	notify := r.onSample
	r.mu.Unlock()

	if fresh && notify != nil {
		notify(s)
	}
	if s.HasLocation() {
		m.UpdateByDistance(s.LocationM)
	}
	return nil
}

func (r *Remote) Deactivate() {}

func (r *Remote) Interval(base time.Duration) time.Duration {
	d := base / remoteIntervalDivisor
	if d <= 0 {
		return base
	}
	return d
}

func (r *Remote) MaxConsecutiveFailures() int { return r.threshold }

// LastSample returns the most recent sample read from the feed.
func (r *Remote) LastSample() (syncclient.Sample, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last, r.hasAny
}

func (r *Remote) setSampleListener(f func(syncclient.Sample)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onSample = f
}
