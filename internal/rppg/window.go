package rppg

import "time"

// DefaultWindow is long enough to hold several cardiac cycles at resting heart rate
// while still refreshing the estimate every few breaths.
const DefaultWindow = 10 * time.Second

// Window accumulates signal samples over a fixed wall-clock interval.
// It is not safe for concurrent use.
type Window struct {
	threshold time.Duration
	start     time.Time
	first     time.Time
	samples   []float64
}

// NewWindow opens the first window at start.
func NewWindow(threshold time.Duration, start time.Time) *Window {
	return &Window{threshold: threshold, start: start}
}

// Append records one sample observed at the given time.
func (w *Window) Append(v float64, at time.Time) {
	if len(w.samples) == 0 {
		w.first = at
	}
	w.samples = append(w.samples, v)
}

// Due reports whether the window threshold has elapsed at the given time.
func (w *Window) Due(at time.Time) bool {
	return at.Sub(w.start) >= w.threshold
}

// Flush hands over the buffered samples together with the time elapsed since the
// window opened, then starts a new empty window at the given time. The returned
// slice is never touched by the window again.
func (w *Window) Flush(at time.Time) ([]float64, time.Duration) {
	samples := w.samples
	elapsed := at.Sub(w.start)

	w.samples = nil
	w.first = time.Time{}
	if at.After(w.start) {
		w.start = at
	}
	return samples, elapsed
}

// Samples returns the samples of the open window in insertion order.
func (w *Window) Samples() []float64 { return w.samples }

// Count returns the number of samples in the open window.
func (w *Window) Count() int { return len(w.samples) }

// Start returns the time the open window started.
func (w *Window) Start() time.Time { return w.start }

// FirstSample returns the time of the first sample in the open window,
// or the zero time if the window is empty.
func (w *Window) FirstSample() time.Time { return w.first }

// SamplingRate derives samples per second from a completed window. Frame delivery is
// not constant, so this is recomputed for every window.
func SamplingRate(n int, elapsed time.Duration) float64 {
	secs := elapsed.Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(n) / secs
}
