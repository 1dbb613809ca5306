package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"time"

	"github.com/andresmejia3/vitals/internal/rppg"
	"github.com/andresmejia3/vitals/internal/types"
	"github.com/andresmejia3/vitals/internal/utils" // Using the SafeCommand wrapper
)

// DefaultCommand launches the bundled landmark script.
var DefaultCommand = []string{"python3", "-u", "python/landmarks.py"}

// Upper bounds that protect against allocating from a corrupted header.
const (
	maxFaces    = 64
	maxContours = 64
	maxPoints   = 4096
)

// ErrTransport marks a failed exchange with the worker process (crash or timeout).
// The worker cannot be reused after one; any other ProcessFrame error concerns that frame only.
var ErrTransport = errors.New("worker transport failure")

// Config controls how a landmark worker is started.
type Config struct {
	Command     []string
	ReadTimeout time.Duration
}

// LandmarkWorker is an out-of-process face landmark detector.
//
// Protocol (all integers big endian):
//
//	request:  [uint32 len][JPEG bytes]
//	response: [uint32 len][payload]
//	payload:  [status:0][uint32 faces]{[int32 minX minY maxX maxY][uint32 contours]{[uint32 type][uint32 n][float32 x y]*n}}
//	          [status:1][uint32 len][message]
type LandmarkWorker struct {
	ID          int
	Cmd         *utils.SafeCommand
	Stdin       io.WriteCloser
	DataPipe    io.ReadCloser
	ReadTimeout time.Duration
}

// NewLandmarkWorker starts the worker process. The process is killed when ctx is cancelled.
func NewLandmarkWorker(ctx context.Context, id int, cfg Config) (*LandmarkWorker, error) {
	command := cfg.Command
	if len(command) == 0 {
		command = DefaultCommand
	}

	// 1. Initialize the SafeCommand so crash logs are kept
	proc := utils.NewSafeCommand(ctx, command[0], command[1:]...)

	// Create a side-channel pipe (FD 3) so worker logs on stdout never corrupt the data stream
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	proc.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := proc.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := proc.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &LandmarkWorker{
		ID:          id,
		Cmd:         proc,
		Stdin:       stdin,
		DataPipe:    r,
		ReadTimeout: cfg.ReadTimeout,
	}, nil
}

// ProcessFrame sends one JPEG frame and returns the faces found in it.
func (w *LandmarkWorker) ProcessFrame(data []byte) ([]types.FaceResult, error) {
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}

	body, err := w.readResponse()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return ParseLandmarks(body)
}

type response struct {
	body []byte
	err  error
}

// readResponse reads one length-prefixed response, giving up after ReadTimeout.
// A timed out worker must be closed; its pending read ends when the pipe closes.
func (w *LandmarkWorker) readResponse() ([]byte, error) {
	if w.ReadTimeout <= 0 {
		return readFrame(w.DataPipe)
	}

	done := make(chan response, 1)
	go func() {
		body, err := readFrame(w.DataPipe)
		done <- response{body: body, err: err}
	}()

	timer := time.NewTimer(w.ReadTimeout)
	defer timer.Stop()

	select {
	case res := <-done:
		return res.body, res.err
	case <-timer.C:
		return nil, fmt.Errorf("worker %d timed out after %s", w.ID, w.ReadTimeout)
	}
}

func readFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err // This is where a crashed worker shows up
	}

	body := make([]byte, binary.BigEndian.Uint32(header))
	_, err := io.ReadFull(r, body)
	return body, err
}

// ParseLandmarks decodes a response payload into faces.
func ParseLandmarks(payload []byte) ([]types.FaceResult, error) {
	r := bytes.NewReader(payload)

	status, err := r.ReadByte()
	if err != nil {
		return nil, errors.New("empty landmark response")
	}
	if status != 0 {
		var n uint32
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			return nil, fmt.Errorf("landmark worker error: status %d", status)
		}
		msg := make([]byte, n)
		if _, err := io.ReadFull(r, msg); err != nil {
			return nil, fmt.Errorf("landmark worker error: truncated message: %w", err)
		}
		return nil, fmt.Errorf("landmark worker error: %s", msg)
	}

	var numFaces uint32
	if err := binary.Read(r, binary.BigEndian, &numFaces); err != nil {
		return nil, fmt.Errorf("failed to read face count: %w", err)
	}
	if numFaces > maxFaces {
		return nil, fmt.Errorf("face count %d exceeds limit %d", numFaces, maxFaces)
	}

	faces := make([]types.FaceResult, 0, numFaces)
	for i := uint32(0); i < numFaces; i++ {
		face, err := readFace(r)
		if err != nil {
			return nil, fmt.Errorf("face %d: %w", i, err)
		}
		faces = append(faces, face)
	}
	return faces, nil
}

func readFace(r io.Reader) (types.FaceResult, error) {
	var face types.FaceResult

	var box [4]int32
	if err := binary.Read(r, binary.BigEndian, &box); err != nil {
		return face, fmt.Errorf("failed to read box: %w", err)
	}
	face.Box = image.Rect(int(box[0]), int(box[1]), int(box[2]), int(box[3]))

	var numContours uint32
	if err := binary.Read(r, binary.BigEndian, &numContours); err != nil {
		return face, fmt.Errorf("failed to read contour count: %w", err)
	}
	if numContours > maxContours {
		return face, fmt.Errorf("contour count %d exceeds limit %d", numContours, maxContours)
	}

	for j := uint32(0); j < numContours; j++ {
		var hdr [2]uint32 // type, point count
		if err := binary.Read(r, binary.BigEndian, &hdr); err != nil {
			return face, fmt.Errorf("failed to read contour header: %w", err)
		}
		if hdr[1] > maxPoints {
			return face, fmt.Errorf("point count %d exceeds limit %d", hdr[1], maxPoints)
		}

		raw := make([]float32, 2*hdr[1])
		if err := binary.Read(r, binary.BigEndian, raw); err != nil {
			return face, fmt.Errorf("failed to read contour points: %w", err)
		}
		pts := make([]rppg.Point, hdr[1])
		for k := range pts {
			pts[k] = rppg.Point{X: float64(raw[2*k]), Y: float64(raw[2*k+1])}
		}
		face.Contours = append(face.Contours, types.Contour{Type: rppg.ContourType(hdr[0]), Points: pts})
	}
	return face, nil
}

// Close shuts the worker down and waits for the process to exit.
func (w *LandmarkWorker) Close() {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd != nil {
		w.Cmd.Wait()
	}
}
