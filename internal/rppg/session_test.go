package rppg

import (
	"math"
	"testing"
	"time"

	"gocv.io/x/gocv"
)

// solidFrame returns a 64x48 BGR frame with a uniform red level.
func solidFrame(red float64) gocv.Mat {
	return gocv.NewMatWithSizeFromScalar(gocv.NewScalar(40, 80, red, 0), 48, 64, gocv.MatTypeCV8UC3)
}

func newTestSession(t *testing.T) *Session {
	t.Helper()
	s, err := NewSession(DefaultConfig(), epoch)
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	return s
}

func TestSessionEndToEnd(t *testing.T) {
	s := newTestSession(t)
	face := foreheadFace(10, 8, 50, 20)

	const (
		frames = 300
		pulse  = 1.0 // Hz
	)

	var est *Estimate
	for i := 1; i <= frames; i++ {
		// 300 frames spread evenly over a simulated 10 second window.
		at := epoch.Add(time.Duration(i) * time.Second / 30)
		secs := at.Sub(epoch).Seconds()
		red := math.Round(125 + 25*math.Sin(2*math.Pi*pulse*secs))

		frame := solidFrame(red)
		res, e, err := s.Process(at, frame, face)
		frame.Close()
		if err != nil {
			t.Fatalf("Process failed on frame %d: %v", i, err)
		}

		if i < frames {
			if e != nil {
				t.Fatalf("Window elapsed early at frame %d", i)
			}
			if res.BPMText() != "0.0" {
				t.Fatalf("Expected \"0.0\" before the first window, got %q", res.BPMText())
			}
			continue
		}
		est = e
	}

	if est == nil {
		t.Fatal("Expected the window to elapse on the last frame")
	}
	if est.Samples != frames {
		t.Errorf("Expected %d samples, got %d", frames, est.Samples)
	}
	if est.SampleRate != 30.0 {
		t.Errorf("Expected sample rate 30, got %v", est.SampleRate)
	}
	binBPM := 60 * est.SampleRate / float64(est.Samples)
	if math.Abs(est.Result.BPM-60) > binBPM {
		t.Errorf("Expected ~60 BPM (+/- %v), got %v", binBPM, est.Result.BPM)
	}
	if !est.Result.Valid {
		t.Error("Expected a valid result")
	}
	if s.Current() != est.Result {
		t.Errorf("Current() = %+v, want published %+v", s.Current(), est.Result)
	}
	if s.Window().Count() != 0 {
		t.Errorf("Expected the buffer to restart empty, got %d samples", s.Window().Count())
	}
	if !s.Window().Start().Equal(est.End) {
		t.Errorf("Expected the next window to start at %v, got %v", est.End, s.Window().Start())
	}
}

func TestSessionNoFaceKeepsResult(t *testing.T) {
	s := newTestSession(t)
	face := foreheadFace(10, 8, 50, 20)

	frame := solidFrame(120)
	defer frame.Close()

	// Close one window so there is a published result to keep.
	if _, _, err := s.Process(epoch.Add(time.Second), frame, face); err != nil {
		t.Fatal(err)
	}
	before, est, err := s.Process(epoch.Add(10*time.Second), frame, face)
	if err != nil || est == nil {
		t.Fatalf("Expected window to elapse, est=%v err=%v", est, err)
	}

	for i := 1; i <= 5; i++ {
		at := epoch.Add(time.Duration(10+i*5) * time.Second)
		got, e, err := s.Process(at, frame, nil)
		if err != nil {
			t.Fatalf("Process without face failed: %v", err)
		}
		if e != nil {
			t.Fatal("A frame without a face must not close a window")
		}
		if got != before {
			t.Errorf("Result changed without a face: got %+v, want %+v", got, before)
		}
	}
	if s.Window().Count() != 0 {
		t.Errorf("Frames without a face must not append samples, got %d", s.Window().Count())
	}

	empty := gocv.NewMat()
	defer empty.Close()
	if got, e, err := s.Process(epoch.Add(60*time.Second), empty, face); err != nil || e != nil || got != before {
		t.Errorf("Empty frame should be skipped, got %+v %v %v", got, e, err)
	}
}

func TestSessionDegenerateWindow(t *testing.T) {
	s := newTestSession(t)
	face := foreheadFace(10, 8, 50, 20)

	frame := solidFrame(130)
	defer frame.Close()

	// The first frame arrives after the window has already elapsed.
	res, est, err := s.Process(epoch.Add(12*time.Second), frame, face)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if est == nil {
		t.Fatal("Expected the window to elapse with a single sample")
	}
	if est.Samples != 1 {
		t.Errorf("Expected 1 sample, got %d", est.Samples)
	}
	if res.BPMText() != "0.0" || res.Valid {
		t.Errorf("Expected invalid \"0.0\" result, got %+v", res)
	}
}

func TestSessionMissingAnchorsDegrade(t *testing.T) {
	s := newTestSession(t)
	frame := solidFrame(130)
	defer frame.Close()

	// A face with no usable contours still produces a sample instead of an error.
	if _, _, err := s.Process(epoch.Add(time.Second), frame, fakeFace{}); err != nil {
		t.Fatalf("Process failed on a face without contours: %v", err)
	}
	if s.Window().Count() != 1 {
		t.Errorf("Expected one sample, got %d", s.Window().Count())
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"Defaults", func(c *Config) {}, false},
		{"Zero window", func(c *Config) { c.Window = 0 }, true},
		{"Inverted band", func(c *Config) { c.Band = Band{Low: 3, High: 1} }, true},
		{"Channel out of range", func(c *Config) { c.Channel = 4 }, true},
		{"Green channel", func(c *Config) { c.Channel = 1 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
