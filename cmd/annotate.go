package cmd

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"io"
	"os"
	"os/exec"

	"gocv.io/x/gocv"

	"github.com/andresmejia3/vitals/internal/rppg"
	"github.com/andresmejia3/vitals/internal/utils"
)

var overlayColor = color.RGBA{R: 0, G: 255, B: 0, A: 0}

// annotator writes a copy of the measured video with the forehead region and
// the current reading drawn on every frame. The encoder starts on the first
// frame, once the frame size is known.
type annotator struct {
	ctx  context.Context
	path string
	fps  float64

	encoder   *exec.Cmd
	encoderIn io.WriteCloser
	stderrBuf bytes.Buffer
	size      image.Point
}

func newAnnotator(ctx context.Context, path string, fps float64) *annotator {
	return &annotator{ctx: ctx, path: path, fps: fps}
}

func (a *annotator) start(width, height int) error {
	a.encoder = utils.NewFFmpegEncoder(a.ctx, a.path, a.fps, width, height)
	a.encoder.Stderr = &a.stderrBuf

	in, err := a.encoder.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create encoder pipe: %w", err)
	}
	if err := a.encoder.Start(); err != nil {
		return fmt.Errorf("failed to start encoder: %w", err)
	}
	a.encoderIn = in
	a.size = image.Pt(width, height)
	fmt.Fprintf(os.Stderr, "🎬 Writing annotated video to %s\n", a.path)
	return nil
}

// write draws the overlay on a copy of frame and appends it to the output.
// Frames that failed to decode are skipped.
func (a *annotator) write(frame gocv.Mat, face rppg.Landmarks, res rppg.Result) error {
	if frame.Empty() {
		return nil
	}
	if a.encoder == nil {
		if err := a.start(frame.Cols(), frame.Rows()); err != nil {
			return err
		}
	}
	if frame.Cols() != a.size.X || frame.Rows() != a.size.Y {
		return fmt.Errorf("frame size changed from %v to %dx%d", a.size, frame.Cols(), frame.Rows())
	}

	canvas := frame.Clone()
	defer canvas.Close()
	drawOverlay(&canvas, face, res)

	if _, err := a.encoderIn.Write(canvas.ToBytes()); err != nil {
		return fmt.Errorf("failed to write annotated frame: %w", err)
	}
	return nil
}

// Close flushes the encoder.
func (a *annotator) Close() error {
	if a.encoder == nil {
		return nil
	}
	a.encoderIn.Close()
	if err := a.encoder.Wait(); err != nil {
		if a.stderrBuf.Len() > 0 {
			fmt.Fprintf(os.Stderr, "\nFFmpeg Logs:\n%s\n", a.stderrBuf.String())
		}
		return err
	}
	return nil
}

// drawOverlay outlines the sampled forehead and prints the reading in the top left corner.
func drawOverlay(img *gocv.Mat, face rppg.Landmarks, res rppg.Result) {
	if face != nil {
		pts := gocv.NewPointsVectorFromPoints([][]image.Point{rppg.ResolveForehead(face).Polygon()})
		defer pts.Close()
		gocv.Polylines(img, pts, true, overlayColor, 1)
	}
	gocv.PutText(img, res.String(), image.Pt(8, 20), gocv.FontHersheySimplex, 0.45, overlayColor, 1)
}
