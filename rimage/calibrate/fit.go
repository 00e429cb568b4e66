package calibrate

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"go.viam.com/rigcalib/rimage/transform"
)

// FitStats describes the reprojection error of a fit.
type FitStats struct {
	// ReprojectionError is the RMS pixel distance over every point of every used view.
	ReprojectionError float64   `json:"reprojection_error"`
	ViewErrors        []float64 `json:"view_errors"`
	FrameIndices      []int     `json:"frame_indices"`
	SamplesUsed       int       `json:"samples_used"`
	RejectedFrames    []int     `json:"rejected_frames,omitempty"`
	Iterations        int       `json:"iterations"`
	Converged         bool      `json:"converged"`
}

// Warning returns ErrFitDidNotConverge when the fit ran out of iterations.
func (s FitStats) Warning() error {
	if s.Converged {
		return nil
	}
	return ErrFitDidNotConverge
}

// RefineOptions control the outlier rejection around a fit.
type RefineOptions struct {
	// ThresholdFactor drops views whose error is above ThresholdFactor times the mean view error.
	ThresholdFactor float64 `json:"threshold_factor"`
	// RefinementPasses is how many reject and refit rounds run after the first fit. 0 disables
	// outlier rejection.
	RefinementPasses int `json:"refinement_passes"`
	// MinSamples is the fewest views a fit accepts.
	MinSamples int `json:"min_samples"`
}

// DefaultRefineOptions rejects views above twice the mean error once, and needs four views.
var DefaultRefineOptions = RefineOptions{ThresholdFactor: 2, RefinementPasses: 1, MinSamples: 4}

func (o RefineOptions) withDefaults() RefineOptions {
	if o.ThresholdFactor <= 0 {
		o.ThresholdFactor = DefaultRefineOptions.ThresholdFactor
	}
	if o.RefinementPasses < 0 {
		o.RefinementPasses = 0
	}
	if o.MinSamples < 1 {
		o.MinSamples = DefaultRefineOptions.MinSamples
	}
	return o
}

// selectInliers returns the indices of views whose error is at most factor times the mean.
func selectInliers(viewErrors []float64, factor float64) []int {
	mean, err := stats.Mean(viewErrors)
	if err != nil {
		return nil
	}
	keep := make([]int, 0, len(viewErrors))
	for i, e := range viewErrors {
		if e <= factor*mean {
			keep = append(keep, i)
		}
	}
	return keep
}

// fitStatsFromCosts turns per view squared error sums into RMS errors.
func fitStatsFromCosts(costs []float64, pointsPerView []int, frames []int) FitStats {
	s := FitStats{
		ViewErrors:   make([]float64, len(costs)),
		FrameIndices: append([]int(nil), frames...),
		SamplesUsed:  len(costs),
	}
	var total float64
	var points int
	for i, c := range costs {
		s.ViewErrors[i] = math.Sqrt(c / float64(pointsPerView[i]))
		total += c
		points += pointsPerView[i]
	}
	if points > 0 {
		s.ReprojectionError = math.Sqrt(total / float64(points))
	}
	return s
}

func boardPlanePoints(obj []r3.Vector) []r2.Point {
	pts := make([]r2.Point, len(obj))
	for i, p := range obj {
		pts[i] = r2.Point{X: p.X, Y: p.Y}
	}
	return pts
}

// poseFromHomography recovers the board pose from a homography mapping board plane coordinates to
// pixels of a camera with matrix k.
func poseFromHomography(h *transform.Homography, k *mat.Dense) (*transform.CamPose, error) {
	var kInv mat.Dense
	if err := kInv.Inverse(k); err != nil {
		return nil, errors.Wrap(err, "camera matrix is not invertible")
	}
	var m mat.Dense
	m.Mul(&kInv, h.Mat())
	col := func(j int) r3.Vector {
		return r3.Vector{X: m.At(0, j), Y: m.At(1, j), Z: m.At(2, j)}
	}
	h1, h2, h3 := col(0), col(1), col(2)
	norm := (h1.Norm() + h2.Norm()) / 2
	if norm == 0 {
		return nil, errors.New("degenerate homography")
	}
	lambda := 1 / norm
	// the board must sit in front of the camera
	if h3.Z < 0 {
		lambda = -lambda
	}
	r1, r2v := h1.Mul(lambda), h2.Mul(lambda)
	r3v := r1.Cross(r2v)
	rot := mat.NewDense(3, 3, []float64{
		r1.X, r2v.X, r3v.X,
		r1.Y, r2v.Y, r3v.Y,
		r1.Z, r2v.Z, r3v.Z,
	})
	nearest, err := transform.NearestRotation(rot)
	if err != nil {
		return nil, err
	}
	return &transform.CamPose{Rotation: nearest, Translation: h3.Mul(lambda)}, nil
}

func poseParams(pose *transform.CamPose) []float64 {
	r := pose.Rodrigues()
	t := pose.Translation
	return []float64{r.X, r.Y, r.Z, t.X, t.Y, t.Z}
}

func poseFromParams(x []float64) *transform.CamPose {
	return transform.NewCamPoseFromRodrigues(r3.Vector{X: x[0], Y: x[1], Z: x[2]}, r3.Vector{X: x[3], Y: x[4], Z: x[5]})
}

// reprojectionResiduals writes projected minus observed coordinates into dst.
func reprojectionResiduals(dst []float64, model *transform.PinholeCameraModel, pose *transform.CamPose, set CorrespondenceSet) {
	for k, obj := range set.ObjectPoints {
		p := model.ProjectPoint(pose.Apply(obj))
		dst[2*k] = p.X - set.ImagePoints[k].X
		dst[2*k+1] = p.Y - set.ImagePoints[k].Y
	}
}

// EstimateBoardPose finds the pose of the board seen in set by a calibrated camera: a homography
// on undistorted points gives the initial pose, which is then refined on the reprojection error.
func EstimateBoardPose(model *transform.PinholeCameraModel, set CorrespondenceSet) (*transform.CamPose, error) {
	if len(set.ImagePoints) < 4 || len(set.ImagePoints) != len(set.ObjectPoints) {
		return nil, errors.Errorf("need at least 4 matching points, got %d image and %d object points",
			len(set.ImagePoints), len(set.ObjectPoints))
	}
	undistorted := model.UndistortPoints(set.ImagePoints)
	h, err := transform.EstimateHomography(boardPlanePoints(set.ObjectPoints), undistorted)
	if err != nil {
		return nil, err
	}
	initial, err := poseFromHomography(h, model.GetCameraMatrix())
	if err != nil {
		return nil, err
	}

	nResiduals := 2 * len(set.ObjectPoints)
	cost := func(x []float64) float64 {
		r := make([]float64, nResiduals)
		reprojectionResiduals(r, model, poseFromParams(x), set)
		var sum float64
		for _, v := range r {
			sum += v * v
		}
		return sum
	}
	problem := optimize.Problem{
		Func: cost,
		Grad: func(grad, x []float64) {
			fd.Gradient(grad, cost, x, nil)
		},
	}
	settings := &optimize.Settings{
		Converger: &optimize.FunctionConverge{
			Relative:   1e-10,
			Absolute:   1e-10,
			Iterations: 50,
		},
		MajorIterations: 200,
	}
	x0 := poseParams(initial)
	// a line search failure still leaves the best point found in res
	res, _ := optimize.Minimize(problem, x0, settings, &optimize.BFGS{})
	if res == nil || !(res.F < cost(x0)) {
		return initial, nil
	}
	return poseFromParams(res.X), nil
}
