// Package metrics keeps cheap running statistics about position source ticks.
package metrics

import "math"

// Welford holds a running mean and variance without storing observations.
type Welford struct {
	Count int
	Mean  float64
	M2    float64
}

// Update adds one observation.
func (w *Welford) Update(v float64) {
	w.Count++
	delta := v - w.Mean
	w.Mean += delta / float64(w.Count)
	w.M2 += delta * (v - w.Mean)
}

// StdDev returns the population standard deviation, 0 below two observations.
func (w *Welford) StdDev() float64 {
	if w.Count < 2 {
		return 0
	}
	return math.Sqrt(w.M2 / float64(w.Count))
}
