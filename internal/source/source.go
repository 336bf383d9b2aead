// Package source runs the background loop that feeds the station matcher,
// either from on-device positioning or from the remote sync feed, and fails
// over from remote to local when the remote feed keeps failing.
package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/crew-runner/tracker/internal/position"
)

// Mode selects the active position source.
type Mode int

const (
	ModeDisabled Mode = iota
	ModeLocal
	ModeRemote
)

func (m Mode) String() string {
	switch m {
	case ModeLocal:
		return "local"
	case ModeRemote:
		return "remote"
	default:
		return "disabled"
	}
}

// ParseMode is the inverse of Mode.String.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "local":
		return ModeLocal, nil
	case "remote":
		return ModeRemote, nil
	case "disabled", "":
		return ModeDisabled, nil
	}
	return ModeDisabled, fmt.Errorf("unknown source mode %q", s)
}

var (
	// ErrPermissionDenied is returned by permission checkers when location
	// access is not granted.
	ErrPermissionDenied = errors.New("location permission denied")
	// ErrNoFix is returned by geolocators that could not produce a fix.
	ErrNoFix = errors.New("no position fix")
)

// Source is one way of obtaining positions. The orchestrator owns at most one
// active source and drives it from a single loop.
type Source interface {
	Mode() Mode
	// Activate prepares the source before its first tick.
	Activate(ctx context.Context) error
	// Tick obtains one position and feeds it to the matcher.
	Tick(ctx context.Context, m *position.Matcher) error
	// Deactivate runs after the loop has fully stopped.
	Deactivate()
	// Interval derives the tick interval from the configured polling interval.
	Interval(base time.Duration) time.Duration
	// MaxConsecutiveFailures is how many failed ticks in a row are tolerated
	// before the source gives up. Zero makes the first failure fatal.
	MaxConsecutiveFailures() int
}

// SourceError reports why a source stopped.
type SourceError struct {
	Mode Mode
	Err  error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("%s source stopped: %v", e.Mode, e.Err)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}
