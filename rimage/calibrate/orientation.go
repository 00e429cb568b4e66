package calibrate

import (
	"image"
	"image/color"

	"github.com/golang/geo/r2"
	"github.com/samber/lo"
)

// OrientationStrategy picks one winding for a board's corner sequence so the same physical
// corner lands at the same index in every frame.
type OrientationStrategy interface {
	Canonicalize(img image.Image, pattern Pattern, pts []r2.Point) []r2.Point
}

// IdentityOrientation keeps the detector's order.
type IdentityOrientation struct{}

// Canonicalize returns pts unchanged.
func (IdentityOrientation) Canonicalize(_ image.Image, _ Pattern, pts []r2.Point) []r2.Point {
	return pts
}

// BrightnessOrientation compares the image brightness at the middle of the last grid cell with
// the middle of the first grid cell and reverses the sequence when the last one is darker. When
// both are equally bright the sequence is made to start at the corner nearer the top of the
// image, then nearer the left.
type BrightnessOrientation struct{}

// Canonicalize returns pts or its reverse.
func (BrightnessOrientation) Canonicalize(img image.Image, pattern Pattern, pts []r2.Point) []r2.Point {
	w, h := pattern.Width, pattern.Height
	if img == nil || w < 2 || h < 2 || len(pts) != w*h {
		return pts
	}
	last := centroid(pts[w*h-1], pts[w*h-2], pts[w*(h-1)-1], pts[w*(h-1)-2])
	first := centroid(pts[0], pts[1], pts[w], pts[w+1])
	lastIntensity, firstIntensity := intensityAt(img, last), intensityAt(img, first)
	reverse := lastIntensity < firstIntensity
	if lastIntensity == firstIntensity {
		reverse = startsLater(pts[0], pts[len(pts)-1])
	}
	if reverse {
		return lo.Reverse(append([]r2.Point(nil), pts...))
	}
	return pts
}

// startsLater is whether other comes before start in top-to-bottom, left-to-right image order.
func startsLater(start, other r2.Point) bool {
	if start.Y != other.Y {
		return other.Y < start.Y
	}
	return other.X < start.X
}

func centroid(pts ...r2.Point) image.Point {
	var sum r2.Point
	for _, p := range pts {
		sum = sum.Add(p)
	}
	sum = sum.Mul(1 / float64(len(pts)))
	return image.Point{X: int(sum.X), Y: int(sum.Y)}
}

// intensityAt is the sum of the 8 bit color channels at p, clamped into the image.
func intensityAt(img image.Image, p image.Point) int {
	b := img.Bounds()
	p.X = lo.Clamp(p.X, b.Min.X, b.Max.X-1)
	p.Y = lo.Clamp(p.Y, b.Min.Y, b.Max.Y-1)
	c := color.NRGBAModel.Convert(img.At(p.X, p.Y)).(color.NRGBA)
	return int(c.R) + int(c.G) + int(c.B)
}
