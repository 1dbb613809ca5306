package rppg

import (
	"fmt"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
	"gonum.org/v1/gonum/stat"
)

// Band is a closed frequency interval in Hz.
type Band struct {
	Low  float64
	High float64
}

// HeartRateBand covers 42-240 BPM.
var HeartRateBand = Band{Low: 0.7, High: 4.0}

// Contains reports whether f lies inside the band.
func (b Band) Contains(f float64) bool {
	return f >= b.Low && f <= b.High
}

// Validate checks that the band is a usable non-empty interval.
func (b Band) Validate() error {
	if b.Low < 0 || b.High <= b.Low {
		return fmt.Errorf("invalid band [%g, %g] Hz", b.Low, b.High)
	}
	return nil
}

// Estimator finds the dominant pulsatile frequency of a sampled signal.
type Estimator struct {
	Band Band
	// Taper applies a Hann window before the transform to reduce spectral leakage.
	Taper bool
}

// DominantFrequency returns the centre frequency (Hz) of the strongest spectral bin
// inside the band. Bins are spaced fs/len(samples) apart. It returns 0 when no
// usable bin exists.
func (e Estimator) DominantFrequency(samples []float64, fs float64) float64 {
	n := len(samples)
	if n < 2 || fs <= 0 {
		return 0
	}

	// Remove the DC component so its leakage cannot dominate the low bins.
	mean := stat.Mean(samples, nil)
	seq := make([]float64, n)
	for i, v := range samples {
		seq[i] = v - mean
	}
	if e.Taper {
		window.Hann(seq)
	}

	coeffs := fourier.NewFFT(n).Coefficients(nil, seq)

	best, bestMag := 0.0, -1.0
	for k, c := range coeffs {
		f := float64(k) * fs / float64(n)
		if !e.Band.Contains(f) {
			continue
		}
		if mag := cmplx.Abs(c); mag > bestMag {
			best, bestMag = f, mag
		}
	}
	if bestMag < 0 {
		return 0
	}
	return best
}
