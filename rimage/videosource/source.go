// Package videosource reads recorded camera footage frame by frame.
package videosource

import (
	"context"
	"image"

	"github.com/pkg/errors"
)

// ErrNotFound is returned when no recording exists for a camera.
var ErrNotFound = errors.New("no recording found")

// Source is a sequential, seekable reader of frames. Frames are numbered from 0.
type Source interface {
	// Read returns the frame at Position and advances by one. It returns io.EOF once
	// every frame has been read.
	Read(ctx context.Context) (image.Image, error)
	// FrameCount is the total number of frames in the recording.
	FrameCount() int
	// Position is the index of the frame the next Read returns.
	Position() int
	// Seek moves Position to frame. Seeking past the end leaves the source exhausted.
	Seek(ctx context.Context, frame int) error
	Close() error
}

func checkSeek(frame int) error {
	if frame < 0 {
		return errors.Errorf("cannot seek to negative frame %d", frame)
	}
	return nil
}
