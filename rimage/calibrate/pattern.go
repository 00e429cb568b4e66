// Package calibrate turns checkerboard detections into camera intrinsics and stereo extrinsics.
package calibrate

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// Pattern is the geometry of the interior corner grid of a checkerboard.
type Pattern struct {
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	SideLength float64 `json:"side_length"`
}

// Validate ensures all parts of the pattern are valid.
func (p Pattern) Validate() error {
	if p.Width < 1 || p.Height < 1 {
		return errors.Errorf("pattern must have at least one corner, got %dx%d", p.Width, p.Height)
	}
	if p.SideLength <= 0 {
		return errors.Errorf("pattern side length must be positive, got %v", p.SideLength)
	}
	return nil
}

// NumCorners is the number of interior corners.
func (p Pattern) NumCorners() int {
	return p.Width * p.Height
}

// ObjectPoints returns the board frame coordinates of the corners, row-major, on the z=0 plane.
func (p Pattern) ObjectPoints() []r3.Vector {
	pts := make([]r3.Vector, 0, p.NumCorners())
	for i := 0; i < p.Height; i++ {
		for j := 0; j < p.Width; j++ {
			pts = append(pts, r3.Vector{X: float64(j) * p.SideLength, Y: float64(i) * p.SideLength})
		}
	}
	return pts
}
