package cmd

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"time"

	"gocv.io/x/gocv"

	"github.com/andresmejia3/vitals/internal/utils"
)

// streamFile decodes a video with FFmpeg and emits every frame stamped with its video time.
func streamFile(ctx context.Context, path string, origin time.Time, fps float64, limit time.Duration, emit func([]byte, time.Time) bool) error {
	ffmpeg := utils.NewFFmpegCmd(ctx, path)

	var stderrBuf bytes.Buffer
	ffmpeg.Stderr = &stderrBuf

	ffmpegOut, err := ffmpeg.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create FFmpeg stdout pipe: %w", err)
	}
	if err := ffmpeg.Start(); err != nil {
		return fmt.Errorf("failed to start FFmpeg: %w", err)
	}

	scanner := bufio.NewScanner(ffmpegOut)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(utils.SplitJpeg)

	stopped := false
	for idx := 0; scanner.Scan(); idx++ {
		offset := frameOffset(idx, fps)
		if limit > 0 && offset >= limit {
			stopped = true
			break
		}
		if !emit(scanner.Bytes(), origin.Add(offset)) {
			stopped = true
			break
		}
	}

	if stopped {
		// FFmpeg would block on a full pipe forever
		_ = ffmpeg.Process.Kill()
		_ = ffmpeg.Wait()
		return nil
	}

	// Check for scanner errors (e.g. token too long, unexpected EOF)
	if err := scanner.Err(); err != nil {
		_ = ffmpeg.Process.Kill()
		_ = ffmpeg.Wait()
		return fmt.Errorf("frame scanner failed: %w", err)
	}
	if err := ffmpeg.Wait(); err != nil {
		if stderrBuf.Len() > 0 {
			fmt.Fprintf(os.Stderr, "\nFFmpeg Logs:\n%s\n", stderrBuf.String())
		}
		return fmt.Errorf("FFmpeg execution failed: %w", err)
	}
	return nil
}

// frameOffset is the presentation time of frame idx at a constant rate.
func frameOffset(idx int, fps float64) time.Duration {
	return time.Duration(float64(idx) / fps * float64(time.Second))
}

// streamDevice captures from a camera and emits JPEG frames stamped with the wall clock.
func streamDevice(ctx context.Context, webcam *gocv.VideoCapture, origin time.Time, limit time.Duration, emit func([]byte, time.Time) bool) error {
	img := gocv.NewMat()
	defer img.Close()

	for ctx.Err() == nil {
		if ok := webcam.Read(&img); !ok {
			return fmt.Errorf("camera stopped delivering frames")
		}
		if img.Empty() {
			continue
		}

		at := time.Now()
		if limit > 0 && at.Sub(origin) >= limit {
			return nil
		}

		buf, err := gocv.IMEncode(gocv.JPEGFileExt, img)
		if err != nil {
			return fmt.Errorf("failed to encode camera frame: %w", err)
		}
		sent := emit(buf.GetBytes(), at)
		buf.Close()
		if !sent {
			return nil
		}
	}
	return nil
}
