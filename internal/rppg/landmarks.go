// Package rppg estimates heart rate from a face video using remote photoplethysmography.
//
// A forehead quadrilateral is resolved from face contours, reduced to the mean red
// intensity of each frame, buffered over a fixed wall-clock window and converted to
// beats per minute by locating the dominant spectral peak in the heart-rate band.
package rppg

import "image"

// Point is a landmark position in frame pixel coordinates.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// ContourType is the detector's tag for a face contour curve.
type ContourType int

// Contour tags as numbered by the upstream landmark detector.
const (
	ContourFace ContourType = iota + 1
	ContourLeftEyebrowTop
	ContourLeftEyebrowBottom
	ContourRightEyebrowTop
	ContourRightEyebrowBottom
	ContourLeftEye
	ContourRightEye
	ContourUpperLipTop
	ContourUpperLipBottom
	ContourLowerLipTop
	ContourLowerLipBottom
	ContourNoseBridge
	ContourNoseBottom
	ContourLeftCheek
	ContourRightCheek
)

// Landmarks gives read-only access to the contours of one detected face.
// Contour returns nil when the detector did not report the tag.
type Landmarks interface {
	Contour(t ContourType) []Point
}

// Anchors are the corners of the forehead region.
type Anchors struct {
	UpperLeft  image.Point
	UpperRight image.Point
	LowerLeft  image.Point
	LowerRight image.Point
}

// Polygon returns the corners in fill order (UL, UR, LR, LL).
func (a Anchors) Polygon() []image.Point {
	return []image.Point{a.UpperLeft, a.UpperRight, a.LowerRight, a.LowerLeft}
}

// Ordinals of the anchor points inside their contours.
const (
	faceUpperLeftIndex  = 33
	faceUpperRightIndex = 2
	browAnchorIndex     = 2
)

// ResolveForehead picks the four forehead anchors from the face outline and the top
// edge of both eyebrows. An anchor whose contour is missing or too short stays at the
// zero point; the resulting degenerate polygon is tolerated downstream.
func ResolveForehead(face Landmarks) Anchors {
	var a Anchors
	if face == nil {
		return a
	}

	if pts := face.Contour(ContourFace); pts != nil {
		a.UpperLeft = pointAt(pts, faceUpperLeftIndex)
		a.UpperRight = pointAt(pts, faceUpperRightIndex)
	}
	a.LowerLeft = pointAt(face.Contour(ContourLeftEyebrowTop), browAnchorIndex)
	a.LowerRight = pointAt(face.Contour(ContourRightEyebrowTop), browAnchorIndex)
	return a
}

func pointAt(pts []Point, i int) image.Point {
	if i >= len(pts) {
		return image.Point{}
	}
	// Conversion truncates toward zero, matching integer pixel addressing.
	return image.Point{X: int(pts[i].X), Y: int(pts[i].Y)}
}
