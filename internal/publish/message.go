// Package publish sends finished heart-rate windows to message brokers.
package publish

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/andresmejia3/vitals/internal/rppg"
)

// Message is the wire form of one heart-rate reading.
// Window bounds are seconds from the session start.
type Message struct {
	Session     string  `json:"session"`
	Timestamp   int64   `json:"ts"` // unix milliseconds of the window end
	BPM         float64 `json:"bpm"`
	SpO2        string  `json:"spo2"`
	Valid       bool    `json:"valid"`
	FrequencyHz float64 `json:"frequency_hz"`
	SampleRate  float64 `json:"sample_rate"`
	Samples     int     `json:"samples"`
	WindowStart float64 `json:"window_start"`
	WindowEnd   float64 `json:"window_end"`
}

// NewMessage describes an estimate of the session that started at origin.
func NewMessage(session string, origin time.Time, est *rppg.Estimate) Message {
	return Message{
		Session:     session,
		Timestamp:   est.End.UnixMilli(),
		BPM:         est.Result.BPM,
		SpO2:        est.Result.SpO2Text(),
		Valid:       est.Result.Valid,
		FrequencyHz: est.Frequency,
		SampleRate:  est.SampleRate,
		Samples:     est.Samples,
		WindowStart: est.Start.Sub(origin).Seconds(),
		WindowEnd:   est.End.Sub(origin).Seconds(),
	}
}

// Encode returns the JSON payload.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses a payload produced by Encode.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("failed to decode reading: %w", err)
	}
	if m.Session == "" {
		return m, fmt.Errorf("reading without session")
	}
	return m, nil
}
