// Package cornerfile serves checkerboard detections computed ahead of time by an external
// corner finder and stored as JSON.
package cornerfile

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
	"go.viam.com/utils"

	"go.viam.com/rigcalib/rimage/calibrate"
)

// FrameDetections is what the corner finder reported for one frame.
type FrameDetections struct {
	Corners []calibrate.Corner `json:"corners"`
	Boards  []calibrate.Board  `json:"boards"`
}

// File holds detections keyed by frame index.
type File struct {
	Camera string                     `json:"camera,omitempty"`
	Frames map[string]FrameDetections `json:"frames"`
}

// Detector implements calibrate.CornerDetector over a File.
type Detector struct {
	frames map[int]FrameDetections
}

var _ calibrate.CornerDetector = (*Detector)(nil)

// NewDetector indexes the detections of f.
func NewDetector(f *File) (*Detector, error) {
	d := &Detector{frames: make(map[int]FrameDetections, len(f.Frames))}
	for key, frame := range f.Frames {
		index, err := strconv.Atoi(key)
		if err != nil {
			return nil, errors.Wrapf(err, "frame key %q is not a frame index", key)
		}
		d.frames[index] = frame
	}
	return d, nil
}

// Read decodes a File.
func Read(r io.Reader) (*File, error) {
	var f File
	if err := json.NewDecoder(r).Decode(&f); err != nil {
		return nil, errors.Wrap(err, "failed to decode corner file")
	}
	return &f, nil
}

// Write encodes a File.
func Write(w io.Writer, f *File) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(f)
}

// Path is where the detections of camera are stored under dir.
func Path(dir, camera string) string {
	return filepath.Join(dir, camera+".corners.json")
}

// Open reads the detections of camera from dir.
func Open(dir, camera string) (*Detector, error) {
	//nolint:gosec
	file, err := os.Open(Path(dir, camera))
	if err != nil {
		return nil, errors.Wrapf(err, "no corner file for camera %q", camera)
	}
	defer utils.UncheckedErrorFunc(file.Close)
	f, err := Read(file)
	if err != nil {
		return nil, errors.Wrapf(err, "camera %q", camera)
	}
	return NewDetector(f)
}

// FindCorners returns the corners recorded for the frame, or none.
func (d *Detector) FindCorners(frame calibrate.Frame) (*calibrate.CornerSet, error) {
	return &calibrate.CornerSet{Corners: d.frames[frame.Index].Corners}, nil
}

// BoardsFromCorners returns the boards recorded for the frame.
func (d *Detector) BoardsFromCorners(frame calibrate.Frame, _ *calibrate.CornerSet) ([]calibrate.Board, error) {
	return d.frames[frame.Index].Boards, nil
}
