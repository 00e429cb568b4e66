package calibrate

import (
	"image"

	"github.com/golang/geo/r2"
)

// BoardToCorners walks the interior of board and returns the corners in pattern order. A board
// with pattern.Height interior rows and pattern.Width interior columns is walked row-major; a
// board with the two swapped is taken to be rotated and is walked column-major from the bottom
// row up. Any other interior shape, or any unresolved interior corner, is rejected.
func BoardToCorners(pattern Pattern, board Board, corners *CornerSet) ([]r2.Point, bool) {
	rows := len(board.Idx)
	if rows < 3 || len(board.Idx[0]) < 3 {
		return nil, false
	}
	for _, row := range board.Idx {
		if len(row) != len(board.Idx[0]) {
			return nil, false
		}
	}
	cols := len(board.Idx[0])

	lookup := func(idx int) (r2.Point, bool) {
		if idx < 0 || idx >= corners.Len() {
			return r2.Point{}, false
		}
		return corners.Corners[idx].Point(), true
	}

	out := make([]r2.Point, 0, pattern.NumCorners())
	switch {
	case rows-2 == pattern.Height && cols-2 == pattern.Width:
		for i := 1; i < rows-1; i++ {
			for j := 1; j < cols-1; j++ {
				pt, ok := lookup(board.Idx[i][j])
				if !ok {
					return nil, false
				}
				out = append(out, pt)
			}
		}
	case rows-2 == pattern.Width && cols-2 == pattern.Height:
		for j := 1; j < cols-1; j++ {
			for i := 1; i < rows-1; i++ {
				pt, ok := lookup(board.Idx[rows-1-i][j])
				if !ok {
					return nil, false
				}
				out = append(out, pt)
			}
		}
	default:
		return nil, false
	}
	return out, true
}

// PatternMatcher turns grouped boards into canonical corner sequences.
type PatternMatcher struct {
	Pattern     Pattern
	Orientation OrientationStrategy
}

// NewPatternMatcher returns a matcher using the brightness orientation rule.
func NewPatternMatcher(pattern Pattern) *PatternMatcher {
	return &PatternMatcher{Pattern: pattern, Orientation: BrightnessOrientation{}}
}

// Match returns the canonical corners of the first board that fits the pattern.
func (pm *PatternMatcher) Match(img image.Image, corners *CornerSet, boards []Board) ([]r2.Point, bool) {
	for _, board := range boards {
		pts, ok := BoardToCorners(pm.Pattern, board, corners)
		if !ok {
			continue
		}
		orientation := pm.Orientation
		if orientation == nil {
			orientation = IdentityOrientation{}
		}
		return orientation.Canonicalize(img, pm.Pattern, pts), true
	}
	return nil, false
}
