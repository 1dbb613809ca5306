package rppg

import (
	"math"
	"strconv"
	"time"
)

// SpO2Placeholder is shown in the oxygen saturation slot. Saturation is never measured.
const SpO2Placeholder = "0.0"

// ToBPM converts a frequency in Hz to beats per minute, rounding up.
func ToBPM(freq float64) float64 {
	return math.Ceil(freq * 60)
}

// Result is the heart rate currently on display.
type Result struct {
	BPM   float64
	Valid bool
}

// BPMText formats the rate with one decimal, "0.0" until a window has produced a value.
func (r Result) BPMText() string {
	return strconv.FormatFloat(r.BPM, 'f', 1, 64)
}

// SpO2Text always returns the placeholder.
func (r Result) SpO2Text() string {
	return SpO2Placeholder
}

// String renders the result the way it is overlaid on the preview.
func (r Result) String() string {
	return "Heart Rate : " + r.BPMText() + " bpm | Oxygen Saturation : " + r.SpO2Text() + " %"
}

// Estimate describes one completed window.
type Estimate struct {
	Start      time.Time
	End        time.Time
	Samples    int
	SampleRate float64
	Frequency  float64
	Result     Result
}
