package rppg

import (
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"
)

// maskSet is the value written inside the region of interest.
var maskSet = color.RGBA{R: 255, G: 255, B: 255, A: 255}

// BuildMask rasterizes the forehead polygon into a single-channel mask of the given
// frame size. Pixels inside the polygon are 255, everything else is 0.
// The caller owns the returned Mat and must Close it.
func BuildMask(a Anchors, width, height int) (gocv.Mat, error) {
	if width <= 0 || height <= 0 {
		return gocv.NewMat(), fmt.Errorf("invalid mask size %dx%d", width, height)
	}

	mask := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), height, width, gocv.MatTypeCV8UC1)

	pts := gocv.NewPointsVectorFromPoints([][]image.Point{a.Polygon()})
	defer pts.Close()

	gocv.FillPoly(&mask, pts, maskSet)
	return mask, nil
}
