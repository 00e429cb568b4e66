package calibrate

import (
	"image"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
)

// Corner refers to a point on an image with a corner value=R.
type Corner struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	R float64 `json:"score,omitempty"` // Cornerness
}

// NewCorner creates a new corner without a value for R.
func NewCorner(x, y float64) Corner {
	return Corner{X: x, Y: y}
}

// Point returns the corner location.
func (c Corner) Point() r2.Point {
	return r2.Point{X: c.X, Y: c.Y}
}

// CornerSet is every corner a detector found in one frame.
type CornerSet struct {
	Corners []Corner `json:"corners"`
}

// Len is the number of corners.
func (cs *CornerSet) Len() int {
	if cs == nil {
		return 0
	}
	return len(cs.Corners)
}

// Board is one grid of corners grouped from a CornerSet. Idx[row][col] indexes into
// CornerSet.Corners and is -1 where no corner was resolved. The outermost rows and columns
// are the board border and are not part of the pattern.
type Board struct {
	Idx [][]int `json:"idx"`
}

// Frame is a decoded image and its index in the recording.
type Frame struct {
	Index int
	Image image.Image
}

// CornerDetector finds checkerboard corners in frames and groups them into boards.
type CornerDetector interface {
	FindCorners(frame Frame) (*CornerSet, error)
	BoardsFromCorners(frame Frame, corners *CornerSet) ([]Board, error)
}

// DetectedBoard is a canonically ordered corner sequence of one frame.
type DetectedBoard struct {
	FrameIndex int        `json:"frame_index"`
	Corners    []r2.Point `json:"corners"`
}

// CorrespondenceSet pairs the image corners of one frame with the pattern points.
// ObjectPoints is shared by every set built from the same pattern.
type CorrespondenceSet struct {
	FrameIndex   int
	ImagePoints  []r2.Point
	ObjectPoints []r3.Vector
}

// NewCorrespondenceSets pairs every board with the pattern's object points.
func NewCorrespondenceSets(pattern Pattern, boards []DetectedBoard) []CorrespondenceSet {
	objectPoints := pattern.ObjectPoints()
	sets := make([]CorrespondenceSet, 0, len(boards))
	for _, b := range boards {
		sets = append(sets, CorrespondenceSet{
			FrameIndex:   b.FrameIndex,
			ImagePoints:  b.Corners,
			ObjectPoints: objectPoints,
		})
	}
	return sets
}
