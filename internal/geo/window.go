package geo

import "gonum.org/v1/gonum/stat"

// DefaultWindowSize is the number of distance samples averaged before a
// station decision is made.
const DefaultWindowSize = 3

// DistanceWindow keeps the most recent distance samples to a target station.
// It smooths GPS noise: a decision is only taken once the window was already
// full when a new sample arrived, so a fresh window needs Size()+1 samples.
type DistanceWindow struct {
	size    int
	samples []float64
}

// NewDistanceWindow creates a window holding up to size samples.
func NewDistanceWindow(size int) *DistanceWindow {
	if size <= 0 {
		size = DefaultWindowSize
	}
	return &DistanceWindow{
		size:    size,
		samples: make([]float64, 0, size+1),
	}
}

// Push appends a sample and reports whether the window is ready for a
// decision. The oldest sample is evicted once the window overflows.
func (w *DistanceWindow) Push(distance float64) bool {
	w.samples = append(w.samples, distance)
	if len(w.samples) <= w.size {
		return false
	}
	w.samples = append(w.samples[:0], w.samples[1:]...)
	return true
}

// Mean returns the rolling average of the buffered samples, or 0 when empty.
func (w *DistanceWindow) Mean() float64 {
	if len(w.samples) == 0 {
		return 0
	}
	return stat.Mean(w.samples, nil)
}

// Len returns the number of buffered samples.
func (w *DistanceWindow) Len() int {
	return len(w.samples)
}

// Size returns the window capacity.
func (w *DistanceWindow) Size() int {
	return w.size
}

// Reset drops all buffered samples.
func (w *DistanceWindow) Reset() {
	w.samples = w.samples[:0]
}
