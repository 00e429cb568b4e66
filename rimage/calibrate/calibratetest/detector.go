// Package calibratetest provides fakes of the calibrate collaborators.
package calibratetest

import (
	"sync"

	"github.com/golang/geo/r2"

	"go.viam.com/rigcalib/rimage/calibrate"
	"go.viam.com/rigcalib/testutils"
)

// Detector reports a full board for every frame listed in Frames and nothing elsewhere.
type Detector struct {
	Pattern calibrate.Pattern
	Frames  map[int][]r2.Point

	mu    sync.Mutex
	calls []int
}

var _ calibrate.CornerDetector = (*Detector)(nil)

// NewDetector returns a Detector serving views at the given frame indices.
func NewDetector(pattern calibrate.Pattern, frames []int, views [][]r2.Point) *Detector {
	d := &Detector{Pattern: pattern, Frames: make(map[int][]r2.Point, len(frames))}
	for i, f := range frames {
		d.Frames[f] = views[i]
	}
	return d
}

// FindCorners returns the corners of the frame's board.
func (d *Detector) FindCorners(frame calibrate.Frame) (*calibrate.CornerSet, error) {
	d.mu.Lock()
	d.calls = append(d.calls, frame.Index)
	d.mu.Unlock()
	pts := d.Frames[frame.Index]
	set := &calibrate.CornerSet{Corners: make([]calibrate.Corner, len(pts))}
	for i, p := range pts {
		set.Corners[i] = calibrate.NewCorner(p.X, p.Y)
	}
	return set, nil
}

// BoardsFromCorners groups the corners into one bordered grid.
func (d *Detector) BoardsFromCorners(_ calibrate.Frame, corners *calibrate.CornerSet) ([]calibrate.Board, error) {
	if corners.Len() != d.Pattern.NumCorners() {
		return nil, nil
	}
	return []calibrate.Board{{Idx: testutils.GridIndex(d.Pattern.Width, d.Pattern.Height)}}, nil
}

// Calls returns the frame indices FindCorners was called with, in order.
func (d *Detector) Calls() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int(nil), d.calls...)
}

// Sets pairs views with the pattern points.
func Sets(pattern calibrate.Pattern, frames []int, views [][]r2.Point) []calibrate.CorrespondenceSet {
	boards := make([]calibrate.DetectedBoard, len(views))
	for i := range views {
		boards[i] = calibrate.DetectedBoard{FrameIndex: frames[i], Corners: views[i]}
	}
	return calibrate.NewCorrespondenceSets(pattern, boards)
}
