package metrics

import (
	"sync"
	"time"
)

// TickSnapshot is a point-in-time copy of TickStats.
type TickSnapshot struct {
	Ticks         int       `json:"ticks"`
	Failures      int       `json:"failures"`
	MeanLatencyMs float64   `json:"meanLatencyMs"`
	StdDevMs      float64   `json:"stdDevMs"`
	LastTickAt    time.Time `json:"lastTickAt,omitzero"`
	LastError     string    `json:"lastError,omitempty"`
}

// TickStats accumulates the latency and outcome of source ticks. It is safe
// for concurrent use.
type TickStats struct {
	mu       sync.Mutex
	latency  Welford
	failures int
	lastAt   time.Time
	lastErr  string
}

// Observe records one tick that took d and ended with err.
func (s *TickStats) Observe(d time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency.Update(float64(d) / float64(time.Millisecond))
	s.lastAt = time.Now()
	if err != nil {
		s.failures++
		s.lastErr = err.Error()
	}
}

// Snapshot copies the current values.
func (s *TickStats) Snapshot() TickSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return TickSnapshot{
		Ticks:         s.latency.Count,
		Failures:      s.failures,
		MeanLatencyMs: s.latency.Mean,
		StdDevMs:      s.latency.StdDev(),
		LastTickAt:    s.lastAt,
		LastError:     s.lastErr,
	}
}
