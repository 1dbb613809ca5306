package rppg

import (
	"fmt"
	"time"

	"gocv.io/x/gocv"
)

// Config tunes a measurement session.
type Config struct {
	Window  time.Duration
	Band    Band
	Channel int
	Taper   bool
}

// DefaultConfig returns the settings used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		Window:  DefaultWindow,
		Band:    HeartRateBand,
		Channel: ChannelRed,
	}
}

// Validate checks the configuration before a session is started.
func (c Config) Validate() error {
	if c.Window <= 0 {
		return fmt.Errorf("window must be positive, got %s", c.Window)
	}
	if err := c.Band.Validate(); err != nil {
		return err
	}
	if c.Channel < 0 || c.Channel > 3 {
		return fmt.Errorf("channel must be between 0 and 3, got %d", c.Channel)
	}
	return nil
}

// Session owns the signal state of one measurement. Frames must be fed in order from
// a single goroutine; independent sessions may run concurrently.
type Session struct {
	cfg       Config
	window    *Window
	estimator Estimator
	current   Result
}

// NewSession opens a session whose first window starts at start.
func NewSession(cfg Config, start time.Time) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Session{
		cfg:       cfg,
		window:    NewWindow(cfg.Window, start),
		estimator: Estimator{Band: cfg.Band, Taper: cfg.Taper},
	}, nil
}

// Current returns the last published result.
func (s *Session) Current() Result { return s.current }

// Window exposes the open window for inspection.
func (s *Session) Window() *Window { return s.window }

// Process feeds one frame observed at the given time. A nil face or an empty frame
// leaves the session untouched and returns the current (possibly stale) result.
// When the frame closes a window, the new result is published and the finished
// window is described by the returned Estimate; otherwise the Estimate is nil.
func (s *Session) Process(at time.Time, frame gocv.Mat, face Landmarks) (Result, *Estimate, error) {
	if face == nil || frame.Empty() {
		return s.current, nil, nil
	}

	mask, err := BuildMask(ResolveForehead(face), frame.Cols(), frame.Rows())
	if err != nil {
		return s.current, nil, err
	}
	defer mask.Close()

	v, err := ChannelMean(frame, mask, s.cfg.Channel)
	if err != nil {
		return s.current, nil, err
	}

	s.window.Append(v, at)
	if !s.window.Due(at) {
		return s.current, nil, nil
	}
	est := s.estimate(at)
	return s.current, est, nil
}

// estimate closes the open window and publishes its heart rate.
func (s *Session) estimate(at time.Time) *Estimate {
	start := s.window.Start()
	samples, elapsed := s.window.Flush(at)

	fs := SamplingRate(len(samples), elapsed)
	freq := s.estimator.DominantFrequency(samples, fs)

	s.current = Result{BPM: ToBPM(freq), Valid: freq > 0}
	return &Estimate{
		Start:      start,
		End:        at,
		Samples:    len(samples),
		SampleRate: fs,
		Frequency:  freq,
		Result:     s.current,
	}
}
