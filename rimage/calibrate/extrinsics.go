package calibrate

import (
	"github.com/golang/geo/r3"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/rigcalib/logging"
	"go.viam.com/rigcalib/rimage/transform"
)

// ExtrinsicsOptions configure ExtrinsicsCalibrator.
type ExtrinsicsOptions struct {
	Fit    FitSettings
	Refine RefineOptions
}

// DefaultExtrinsicsOptions uses the default fit and refinement settings.
func DefaultExtrinsicsOptions() ExtrinsicsOptions {
	return ExtrinsicsOptions{Fit: DefaultFitSettings, Refine: DefaultRefineOptions}
}

// ExtrinsicsResult is the pose of a second camera relative to a first one. A point X in the
// first camera's frame is Rotation*X + Translation in the second camera's frame.
type ExtrinsicsResult struct {
	Pair        string     `json:"pair"`
	Primary     string     `json:"primary"`
	Secondary   string     `json:"secondary"`
	Rotation    *mat.Dense `json:"-"`
	Translation r3.Vector  `json:"translation"`
	Essential   *mat.Dense `json:"-"`
	Fundamental *mat.Dense `json:"-"`
	FitStats
}

// Pose returns the relative pose.
func (r *ExtrinsicsResult) Pose() *transform.CamPose {
	return &transform.CamPose{Rotation: r.Rotation, Translation: r.Translation}
}

// MatchFrames keeps the sets whose frame index appears in both a and b, in a's order.
func MatchFrames(a, b []CorrespondenceSet) ([]CorrespondenceSet, []CorrespondenceSet) {
	byFrame := make(map[int]CorrespondenceSet, len(b))
	for _, s := range b {
		byFrame[s.FrameIndex] = s
	}
	var outA, outB []CorrespondenceSet
	for _, s := range a {
		other, ok := byFrame[s.FrameIndex]
		if !ok {
			continue
		}
		outA = append(outA, s)
		outB = append(outB, other)
	}
	return outA, outB
}

// ExtrinsicsCalibrator fits the relative pose of two calibrated cameras to simultaneous board views.
type ExtrinsicsCalibrator struct {
	opts   ExtrinsicsOptions
	logger logging.Logger
}

// NewExtrinsicsCalibrator returns a calibrator with the given options.
func NewExtrinsicsCalibrator(opts ExtrinsicsOptions, logger logging.Logger) *ExtrinsicsCalibrator {
	opts.Refine = opts.Refine.withDefaults()
	return &ExtrinsicsCalibrator{opts: opts, logger: logger}
}

// Calibrate fits the pose of camB relative to camA. Only frames seen by both cameras are used.
func (c *ExtrinsicsCalibrator) Calibrate(
	unit string,
	a, b []CorrespondenceSet,
	camA, camB *transform.PinholeCameraModel,
) (*ExtrinsicsResult, error) {
	a, b = MatchFrames(a, b)
	if len(a) == 0 {
		return nil, NewCalibrationError(unit, ErrNoPatternDetected, errors.New("no frame has a board in both cameras"))
	}

	var views []stereoView
	for i := range a {
		poseA, errA := EstimateBoardPose(camA, a[i])
		poseB, errB := EstimateBoardPose(camB, b[i])
		if errA != nil || errB != nil {
			c.logger.Debugw("dropping view without a board pose", "unit", unit, "frame", a[i].FrameIndex,
				"error", multierr.Combine(errA, errB))
			continue
		}
		views = append(views, stereoView{a: a[i], b: b[i], poseA: poseA, poseB: poseB})
	}
	if len(views) < c.opts.Refine.MinSamples {
		return nil, NewCalibrationError(unit, ErrInsufficientSamples,
			errors.Errorf("%d shared views, need at least %d", len(views), c.opts.Refine.MinSamples))
	}

	rel, err := initialRelativePose(views)
	if err != nil {
		return nil, NewCalibrationError(unit, ErrInsufficientSamples, err)
	}
	res, err := c.fit(views, camA, camB, rel)
	if err != nil {
		return nil, NewCalibrationError(unit, ErrInsufficientSamples, err)
	}

	var rejected []int
	for pass := 0; pass < c.opts.Refine.RefinementPasses; pass++ {
		keep := selectInliers(res.stats.ViewErrors, c.opts.Refine.ThresholdFactor)
		if len(keep) == len(views) {
			break
		}
		if len(keep) < c.opts.Refine.MinSamples {
			return nil, NewCalibrationError(unit, ErrInsufficientSamples,
				errors.Errorf("%d of %d views left after outlier rejection, need at least %d",
					len(keep), len(views), c.opts.Refine.MinSamples))
		}
		inlier := make(map[int]bool, len(keep))
		kept := make([]stereoView, 0, len(keep))
		for _, i := range keep {
			inlier[i] = true
			v := views[i]
			v.poseA = res.boardPoses[i]
			kept = append(kept, v)
		}
		for i, v := range views {
			if !inlier[i] {
				rejected = append(rejected, v.a.FrameIndex)
			}
		}
		c.logger.Debugw("rejected outlier views", "unit", unit, "pass", pass, "kept", len(kept), "of", len(views))
		views = kept
		res, err = c.fit(views, camA, camB, res.relative)
		if err != nil {
			return nil, NewCalibrationError(unit, ErrInsufficientSamples, err)
		}
	}

	essential := transform.EssentialMatrixFromPose(res.relative)
	fundamental, err := transform.FundamentalMatrixFromEssential(camA.GetCameraMatrix(), camB.GetCameraMatrix(), essential)
	if err != nil {
		return nil, NewCalibrationError(unit, ErrInsufficientSamples, err)
	}
	res.stats.RejectedFrames = rejected
	if !res.stats.Converged {
		c.logger.Warnw("extrinsics fit did not converge", "unit", unit, "iterations", res.stats.Iterations,
			"error", res.stats.ReprojectionError)
	}
	return &ExtrinsicsResult{
		Pair:        unit,
		Rotation:    res.relative.Rotation,
		Translation: res.relative.Translation,
		Essential:   essential,
		Fundamental: fundamental,
		FitStats:    res.stats,
	}, nil
}

// stereoView is one frame seen by both cameras.
type stereoView struct {
	a, b         CorrespondenceSet
	poseA, poseB *transform.CamPose
}

type stereoFit struct {
	relative   *transform.CamPose
	boardPoses []*transform.CamPose
	stats      FitStats
}

// initialRelativePose averages the per view relative poses: the rotation is the nearest rotation
// to the sum of rotations and the translation is the per axis median.
func initialRelativePose(views []stereoView) (*transform.CamPose, error) {
	sum := mat.NewDense(3, 3, nil)
	xs := make([]float64, len(views))
	ys := make([]float64, len(views))
	zs := make([]float64, len(views))
	for i, v := range views {
		rel := transform.RelativePose(v.poseA, v.poseB)
		sum.Add(sum, rel.Rotation)
		xs[i], ys[i], zs[i] = rel.Translation.X, rel.Translation.Y, rel.Translation.Z
	}
	rot, err := transform.NearestRotation(sum)
	if err != nil {
		return nil, err
	}
	x, errX := stats.Median(xs)
	y, errY := stats.Median(ys)
	z, errZ := stats.Median(zs)
	if err := multierr.Combine(errX, errY, errZ); err != nil {
		return nil, err
	}
	return &transform.CamPose{Rotation: rot, Translation: r3.Vector{X: x, Y: y, Z: z}}, nil
}

// fit runs Levenberg-Marquardt over the relative pose and the board pose of every view in the
// first camera, with both cameras' intrinsics fixed.
func (c *ExtrinsicsCalibrator) fit(
	views []stereoView,
	camA, camB *transform.PinholeCameraModel,
	relative *transform.CamPose,
) (*stereoFit, error) {
	sizes := make([]int, len(views))
	points := make([]int, len(views))
	frames := make([]int, len(views))
	for i, v := range views {
		sizes[i] = 2*len(v.a.ObjectPoints) + 2*len(v.b.ObjectPoints)
		points[i] = len(v.a.ObjectPoints) + len(v.b.ObjectPoints)
		frames[i] = v.a.FrameIndex
	}
	problem := &blockProblem{
		nShared: 6,
		nLocal:  6,
		views:   len(views),
		sizes:   sizes,
		residual: func(view int, dst, shared, local []float64) {
			v := views[view]
			poseA := poseFromParams(local)
			poseB := poseFromParams(shared).Compose(poseA)
			nA := 2 * len(v.a.ObjectPoints)
			reprojectionResiduals(dst[:nA], camA, poseA, v.a)
			reprojectionResiduals(dst[nA:], camB, poseB, v.b)
		},
	}
	x0 := poseParams(relative)
	for _, v := range views {
		x0 = append(x0, poseParams(v.poseA)...)
	}
	lm, err := solveLM(problem, x0, c.opts.Fit)
	if err != nil {
		return nil, err
	}

	out := &stereoFit{
		relative:   poseFromParams(lm.X[:6]),
		boardPoses: make([]*transform.CamPose, len(views)),
	}
	for i := range views {
		_, local := problem.split(lm.X, i)
		out.boardPoses[i] = poseFromParams(local)
	}
	out.stats = fitStatsFromCosts(problem.viewCosts(lm.X), points, frames)
	out.stats.Iterations = lm.Iterations
	out.stats.Converged = lm.Converged
	return out, nil
}
