package rppg

import (
	"fmt"

	"gocv.io/x/gocv"
)

// ChannelRed is the red channel index of a BGR frame as decoded by gocv.
const ChannelRed = 2

// ChannelMean averages one channel of the frame over the pixels set in mask.
// An empty mask yields 0 rather than an error.
func ChannelMean(frame, mask gocv.Mat, channel int) (float64, error) {
	if frame.Rows() != mask.Rows() || frame.Cols() != mask.Cols() {
		return 0, fmt.Errorf("mask %dx%d does not match frame %dx%d",
			mask.Cols(), mask.Rows(), frame.Cols(), frame.Rows())
	}
	if channel < 0 || channel >= frame.Channels() {
		return 0, fmt.Errorf("channel %d out of range for %d-channel frame", channel, frame.Channels())
	}

	if gocv.CountNonZero(mask) == 0 {
		return 0, nil
	}

	channels := gocv.Split(frame)
	defer func() {
		for _, ch := range channels {
			ch.Close()
		}
	}()

	return channels[channel].MeanWithMask(mask).Val1, nil
}
