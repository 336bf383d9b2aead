package source

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/crew-runner/tracker/internal/position"
)

// Fix is a single geolocation result.
type Fix struct {
	Lon  float64
	Lat  float64
	Time time.Time
}

// Geolocator is the platform primitive returning one position fix. It must
// give up after timeout or when ctx is cancelled.
type Geolocator interface {
	Fetch(ctx context.Context, timeout time.Duration) (Fix, error)
}

// PermissionChecker checks, and if possible obtains, location permission.
type PermissionChecker interface {
	CheckPermission(ctx context.Context) error
}

// PermissionFunc adapts a function to PermissionChecker.
type PermissionFunc func(ctx context.Context) error

// CheckPermission calls f.
func (f PermissionFunc) CheckPermission(ctx context.Context) error {
	return f(ctx)
}

// AlwaysGranted is a PermissionChecker for platforms without a permission model.
var AlwaysGranted = PermissionFunc(func(context.Context) error { return nil })

// Local polls the on-device geolocator. Any failure is fatal for the source.
type Local struct {
	geolocator Geolocator
	permission PermissionChecker
	interval   time.Duration

	mu       sync.Mutex
	hasFix   bool
	lastFix  Fix
	fixCount int
}

// NewLocal creates a local source. The fetch timeout equals the polling
// interval. A nil permission checker means permission is always granted.
func NewLocal(g Geolocator, p PermissionChecker, interval time.Duration) *Local {
	if p == nil {
		p = AlwaysGranted
	}
	return &Local{geolocator: g, permission: p, interval: interval}
}

func (l *Local) Mode() Mode { return ModeLocal }

// Activate resets the first-fix flag so the next fix is applied without smoothing.
func (l *Local) Activate(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fixCount = 0
	return nil
}

func (l *Local) Tick(ctx context.Context, m *position.Matcher) error {
	if err := l.permission.CheckPermission(ctx); err != nil {
		return fmt.Errorf("permission check failed: %w", err)
	}

	fix, err := l.geolocator.Fetch(ctx, l.interval)
	if err != nil {
		return fmt.Errorf("failed to fetch location: %w", err)
	}

	l.mu.Lock()
	first := l.fixCount == 0
	l.fixCount++
	l.hasFix = true
	l.lastFix = fix
	l.mu.Unlock()

	if first {
		m.ForceSetByLocation(fix.Lon, fix.Lat)
	} else {
		m.RecordFix(fix.Lon, fix.Lat)
	}
	return nil
}

func (l *Local) Deactivate() {}

func (l *Local) Interval(base time.Duration) time.Duration { return base }

func (l *Local) MaxConsecutiveFailures() int { return 0 }

// LastFix returns the most recent fix, if any.
func (l *Local) LastFix() (Fix, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastFix, l.hasFix
}
