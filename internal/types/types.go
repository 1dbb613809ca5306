package types

import (
	"image"
	"time"

	"github.com/andresmejia3/vitals/internal/rppg"
)

// FrameTask represents a single frame sent to a landmark worker
type FrameTask struct {
	Index int
	At    time.Time // Capture time (video time for files, wall clock for cameras)
	Data  []byte    // JPEG bytes
}

// Contour is one tagged landmark curve reported by the worker
type Contour struct {
	Type   rppg.ContourType `json:"type"`
	Points []rppg.Point     `json:"points"`
}

// FaceResult is a detected face with its landmark contours
type FaceResult struct {
	Box      image.Rectangle `json:"box"`
	Contours []Contour       `json:"contours"`
}

// Contour returns the points of the last contour with the given tag, or nil.
// This makes FaceResult usable as rppg.Landmarks.
func (f *FaceResult) Contour(t rppg.ContourType) []rppg.Point {
	var pts []rppg.Point
	for _, c := range f.Contours {
		if c.Type == t {
			pts = c.Points
		}
	}
	return pts
}

// Largest returns the face with the biggest bounding box, or nil if there are none.
func Largest(faces []FaceResult) *FaceResult {
	var best *FaceResult
	maxArea := -1
	for i := range faces {
		sz := faces[i].Box.Size()
		if area := sz.X * sz.Y; area > maxArea {
			maxArea = area
			best = &faces[i]
		}
	}
	return best
}
