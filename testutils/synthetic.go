// Package testutils generates synthetic camera rigs and board observations for tests.
package testutils

import (
	"image"
	"image/color"
	"math"
	"math/rand"

	"github.com/disintegration/imaging"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"go.viam.com/rigcalib/rimage/transform"
)

// ImageSize is the size of the synthetic camera images.
var ImageSize = image.Point{X: 640, Y: 480}

// TestCamera is a camera with moderate barrel distortion.
func TestCamera() *transform.PinholeCameraModel {
	return &transform.PinholeCameraModel{
		PinholeCameraIntrinsics: &transform.PinholeCameraIntrinsics{
			Width: ImageSize.X, Height: ImageSize.Y,
			Fx: 800, Fy: 790, Ppx: 326, Ppy: 236,
		},
		Distortion: &transform.BrownConrady{RadialK1: -0.12, RadialK2: 0.05},
	}
}

// BoardPoints is the row-major corner grid at z=0.
func BoardPoints(width, height int, side float64) []r3.Vector {
	pts := make([]r3.Vector, 0, width*height)
	for i := 0; i < height; i++ {
		for j := 0; j < width; j++ {
			pts = append(pts, r3.Vector{X: float64(j) * side, Y: float64(i) * side})
		}
	}
	return pts
}

// BoardPoses returns n varied poses of a width x height board in front of a camera. The same
// seed always gives the same poses.
func BoardPoses(n int, seed int64, width, height int, side float64) []*transform.CamPose {
	rng := rand.New(rand.NewSource(seed)) //nolint:gosec
	center := r3.Vector{X: float64(width-1) * side / 2, Y: float64(height-1) * side / 2}
	poses := make([]*transform.CamPose, n)
	for i := range poses {
		rvec := r3.Vector{
			X: (rng.Float64() - 0.5) * 0.9,
			Y: (rng.Float64() - 0.5) * 0.9,
			Z: (rng.Float64() - 0.5) * 0.6,
		}
		target := r3.Vector{
			X: (rng.Float64() - 0.5) * 80,
			Y: (rng.Float64() - 0.5) * 60,
			Z: 550 + rng.Float64()*250,
		}
		pose := transform.NewCamPoseFromRodrigues(rvec, r3.Vector{})
		rc := pose.Apply(center)
		pose.Translation = target.Sub(rc)
		poses[i] = pose
	}
	return poses
}

// Project returns the image of every board pose, with gaussian pixel noise of the given sigma.
func Project(model *transform.PinholeCameraModel, poses []*transform.CamPose, obj []r3.Vector, sigma float64, seed int64) [][]r2.Point {
	rng := rand.New(rand.NewSource(seed)) //nolint:gosec
	views := make([][]r2.Point, len(poses))
	for i, pose := range poses {
		pts := model.ProjectPoints(pose, obj)
		for k := range pts {
			pts[k].X += rng.NormFloat64() * sigma
			pts[k].Y += rng.NormFloat64() * sigma
		}
		views[i] = pts
	}
	return views
}

// Perturb moves every point by a random offset up to amount pixels on each axis.
func Perturb(pts []r2.Point, amount float64, seed int64) []r2.Point {
	rng := rand.New(rand.NewSource(seed)) //nolint:gosec
	out := make([]r2.Point, len(pts))
	for i, p := range pts {
		out[i] = r2.Point{X: p.X + (rng.Float64()*2-1)*amount, Y: p.Y + (rng.Float64()*2-1)*amount}
	}
	return out
}

// GridIndex lays out width*height corner indices the way a board grouper reports them: with a
// border of -1 around the interior grid, row-major.
func GridIndex(width, height int) [][]int {
	idx := make([][]int, height+2)
	for i := range idx {
		idx[i] = make([]int, width+2)
		for j := range idx[i] {
			idx[i][j] = -1
		}
	}
	for i := 0; i < height; i++ {
		for j := 0; j < width; j++ {
			idx[i+1][j+1] = i*width + j
		}
	}
	return idx
}

// BlankFrame is a uniform gray camera frame.
func BlankFrame() image.Image {
	return imaging.New(ImageSize.X, ImageSize.Y, color.NRGBA{128, 128, 128, 255})
}

// AngleBetween is the angle of the rotation taking the orientation of a to that of b.
func AngleBetween(a, b *transform.CamPose) float64 {
	rel := transform.RelativePose(a, b)
	return math.Abs(rel.Rodrigues().Norm())
}
