package calibrate

import (
	"image"
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/rigcalib/logging"
	"go.viam.com/rigcalib/rimage/transform"
)

// IntrinsicsOptions configure IntrinsicsCalibrator.
type IntrinsicsOptions struct {
	Fit    FitSettings
	Refine RefineOptions
	// FixK3 holds the third radial term at zero.
	FixK3 bool
	// ZeroTangentDist holds both tangential terms at zero.
	ZeroTangentDist bool
}

// DefaultIntrinsicsOptions fits fx, fy, cx, cy, k1 and k2.
func DefaultIntrinsicsOptions() IntrinsicsOptions {
	return IntrinsicsOptions{
		Fit:             DefaultFitSettings,
		Refine:          DefaultRefineOptions,
		FixK3:           true,
		ZeroTangentDist: true,
	}
}

// IntrinsicsResult is a calibrated camera.
type IntrinsicsResult struct {
	Camera     string                            `json:"camera"`
	Intrinsics transform.PinholeCameraIntrinsics `json:"intrinsics"`
	Distortion transform.BrownConrady            `json:"distortion"`
	FitStats
	// Poses holds the board pose of every used view, matching FrameIndices.
	Poses []*transform.CamPose `json:"-"`
}

// CameraModel returns the calibrated camera as a projection model.
func (r *IntrinsicsResult) CameraModel() *transform.PinholeCameraModel {
	intrinsics := r.Intrinsics
	distortion := r.Distortion
	return &transform.PinholeCameraModel{PinholeCameraIntrinsics: &intrinsics, Distortion: &distortion}
}

// parameter layout of the camera block: fx fy cx cy k1 k2 p1 p2 k3.
const numCameraParams = 9

// IntrinsicsCalibrator fits a pinhole camera with Brown-Conrady distortion to board views.
type IntrinsicsCalibrator struct {
	opts   IntrinsicsOptions
	logger logging.Logger
	free   []int
}

// NewIntrinsicsCalibrator returns a calibrator with the given options.
func NewIntrinsicsCalibrator(opts IntrinsicsOptions, logger logging.Logger) *IntrinsicsCalibrator {
	opts.Refine = opts.Refine.withDefaults()
	free := []int{0, 1, 2, 3, 4, 5}
	if !opts.ZeroTangentDist {
		free = append(free, 6, 7)
	}
	if !opts.FixK3 {
		free = append(free, 8)
	}
	return &IntrinsicsCalibrator{opts: opts, logger: logger, free: free}
}

// Calibrate fits the camera to sets, taken from images of the given size, then repeatedly drops
// views whose error is far above the mean and refits.
func (c *IntrinsicsCalibrator) Calibrate(unit string, sets []CorrespondenceSet, size image.Point) (*IntrinsicsResult, error) {
	if len(sets) == 0 {
		return nil, NewCalibrationError(unit, ErrNoPatternDetected, nil)
	}
	if len(sets) < c.opts.Refine.MinSamples {
		return nil, NewCalibrationError(unit, ErrInsufficientSamples,
			errors.Errorf("%d views, need at least %d", len(sets), c.opts.Refine.MinSamples))
	}
	if size.X <= 0 || size.Y <= 0 {
		return nil, NewCalibrationError(unit, ErrSourceUnreadable, errors.Errorf("invalid image size %v", size))
	}

	camera, poses, err := c.initialize(sets, size)
	if err != nil {
		return nil, NewCalibrationError(unit, ErrInsufficientSamples, err)
	}
	res, err := c.fit(sets, size, camera, poses)
	if err != nil {
		return nil, NewCalibrationError(unit, ErrInsufficientSamples, err)
	}

	var rejected []int
	for pass := 0; pass < c.opts.Refine.RefinementPasses; pass++ {
		keep := selectInliers(res.ViewErrors, c.opts.Refine.ThresholdFactor)
		if len(keep) == len(sets) {
			break
		}
		if len(keep) < c.opts.Refine.MinSamples {
			return nil, NewCalibrationError(unit, ErrInsufficientSamples,
				errors.Errorf("%d of %d views left after outlier rejection, need at least %d",
					len(keep), len(sets), c.opts.Refine.MinSamples))
		}
		kept := make([]CorrespondenceSet, 0, len(keep))
		keptPoses := make([]*transform.CamPose, 0, len(keep))
		dropped := make(map[int]bool, len(sets))
		for i := range sets {
			dropped[i] = true
		}
		for _, i := range keep {
			kept = append(kept, sets[i])
			keptPoses = append(keptPoses, res.Poses[i])
			delete(dropped, i)
		}
		for i := range sets {
			if dropped[i] {
				rejected = append(rejected, sets[i].FrameIndex)
			}
		}
		c.logger.Debugw("rejected outlier views", "unit", unit, "pass", pass, "kept", len(kept), "of", len(sets),
			"mean_error_before", res.ReprojectionError)

		sets = kept
		res, err = c.fit(sets, size, res.cameraParams(), keptPoses)
		if err != nil {
			return nil, NewCalibrationError(unit, ErrInsufficientSamples, err)
		}
	}

	res.Camera = unit
	res.RejectedFrames = rejected
	if !res.Converged {
		c.logger.Warnw("intrinsics fit did not converge", "unit", unit, "iterations", res.Iterations,
			"error", res.ReprojectionError)
	}
	return res, nil
}

// cameraParams returns the full camera parameter block of r.
func (r *IntrinsicsResult) cameraParams() []float64 {
	d := r.Distortion
	return []float64{
		r.Intrinsics.Fx, r.Intrinsics.Fy, r.Intrinsics.Ppx, r.Intrinsics.Ppy,
		d.RadialK1, d.RadialK2, d.TangentialP1, d.TangentialP2, d.RadialK3,
	}
}

func cameraModelFromParams(full []float64, size image.Point) *transform.PinholeCameraModel {
	return &transform.PinholeCameraModel{
		PinholeCameraIntrinsics: &transform.PinholeCameraIntrinsics{
			Width: size.X, Height: size.Y,
			Fx: full[0], Fy: full[1], Ppx: full[2], Ppy: full[3],
		},
		Distortion: &transform.BrownConrady{
			RadialK1: full[4], RadialK2: full[5], TangentialP1: full[6], TangentialP2: full[7], RadialK3: full[8],
		},
	}
}

// initialize estimates the focal lengths from the view homographies with the principal point at
// the image center and no distortion, then recovers each view's pose.
func (c *IntrinsicsCalibrator) initialize(sets []CorrespondenceSet, size image.Point) ([]float64, []*transform.CamPose, error) {
	cx := float64(size.X-1) / 2
	cy := float64(size.Y-1) / 2

	homographies := make([]*transform.Homography, len(sets))
	a := mat.NewDense(2*len(sets), 2, nil)
	b := mat.NewVecDense(2*len(sets), nil)
	for i, set := range sets {
		h, err := transform.EstimateHomography(boardPlanePoints(set.ObjectPoints), set.ImagePoints)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "view of frame %d", set.FrameIndex)
		}
		homographies[i] = h

		// move the principal point to the origin
		var hc [3][3]float64
		for col := 0; col < 3; col++ {
			hc[0][col] = h.At(0, col) - cx*h.At(2, col)
			hc[1][col] = h.At(1, col) - cy*h.At(2, col)
			hc[2][col] = h.At(2, col)
		}
		hv := [3]float64{hc[0][0], hc[1][0], hc[2][0]}
		vv := [3]float64{hc[0][1], hc[1][1], hc[2][1]}
		var d1, d2 [3]float64
		for j := 0; j < 3; j++ {
			d1[j] = (hv[j] + vv[j]) / 2
			d2[j] = (hv[j] - vv[j]) / 2
		}
		hv, vv, d1, d2 = unit3(hv), unit3(vv), unit3(d1), unit3(d2)
		a.SetRow(2*i, []float64{hv[0] * vv[0], hv[1] * vv[1]})
		b.SetVec(2*i, -hv[2]*vv[2])
		a.SetRow(2*i+1, []float64{d1[0] * d2[0], d1[1] * d2[1]})
		b.SetVec(2*i+1, -d1[2]*d2[2])
	}
	var f mat.VecDense
	if err := f.SolveVec(a, b); err != nil {
		return nil, nil, errors.Wrap(err, "failed to estimate focal length")
	}
	fx := math.Sqrt(math.Abs(1 / f.AtVec(0)))
	fy := math.Sqrt(math.Abs(1 / f.AtVec(1)))
	if math.IsNaN(fx) || math.IsInf(fx, 0) || math.IsNaN(fy) || math.IsInf(fy, 0) || fx == 0 || fy == 0 {
		return nil, nil, errors.New("views are degenerate, cannot estimate focal length")
	}

	full := []float64{fx, fy, cx, cy, 0, 0, 0, 0, 0}
	k := cameraModelFromParams(full, size).GetCameraMatrix()
	poses := make([]*transform.CamPose, len(sets))
	for i, h := range homographies {
		pose, err := poseFromHomography(h, k)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "view of frame %d", sets[i].FrameIndex)
		}
		poses[i] = pose
	}
	c.logger.Debugw("initial intrinsics", "fx", fx, "fy", fy, "cx", cx, "cy", cy)
	return full, poses, nil
}

func unit3(v [3]float64) [3]float64 {
	n := math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
	if n == 0 {
		return v
	}
	return [3]float64{v[0] / n, v[1] / n, v[2] / n}
}

// fit runs Levenberg-Marquardt over the free camera parameters and every view pose.
func (c *IntrinsicsCalibrator) fit(
	sets []CorrespondenceSet,
	size image.Point,
	camera []float64,
	poses []*transform.CamPose,
) (*IntrinsicsResult, error) {
	expand := func(shared []float64) []float64 {
		full := append([]float64(nil), camera...)
		for i, idx := range c.free {
			full[idx] = shared[i]
		}
		return full
	}
	sizes := make([]int, len(sets))
	for i, s := range sets {
		if len(s.ImagePoints) != len(s.ObjectPoints) {
			return nil, errors.Errorf("view of frame %d has %d image points for %d object points",
				s.FrameIndex, len(s.ImagePoints), len(s.ObjectPoints))
		}
		sizes[i] = 2 * len(s.ObjectPoints)
	}
	problem := &blockProblem{
		nShared: len(c.free),
		nLocal:  6,
		views:   len(sets),
		sizes:   sizes,
		residual: func(view int, dst, shared, local []float64) {
			model := cameraModelFromParams(expand(shared), size)
			reprojectionResiduals(dst, model, poseFromParams(local), sets[view])
		},
	}

	x0 := make([]float64, 0, problem.numParams())
	for _, idx := range c.free {
		x0 = append(x0, camera[idx])
	}
	for _, pose := range poses {
		x0 = append(x0, poseParams(pose)...)
	}
	lm, err := solveLM(problem, x0, c.opts.Fit)
	if err != nil {
		return nil, err
	}

	full := expand(lm.X[:problem.nShared])
	model := cameraModelFromParams(full, size)
	if err := model.CheckValid(); err != nil {
		return nil, errors.Wrap(err, "fit produced an invalid camera")
	}
	frames := make([]int, len(sets))
	points := make([]int, len(sets))
	fitPoses := make([]*transform.CamPose, len(sets))
	for i, s := range sets {
		frames[i] = s.FrameIndex
		points[i] = len(s.ObjectPoints)
		_, local := problem.split(lm.X, i)
		fitPoses[i] = poseFromParams(local)
	}
	fitStats := fitStatsFromCosts(problem.viewCosts(lm.X), points, frames)
	fitStats.Iterations = lm.Iterations
	fitStats.Converged = lm.Converged

	return &IntrinsicsResult{
		Intrinsics: *model.PinholeCameraIntrinsics,
		Distortion: *model.Distortion.(*transform.BrownConrady),
		FitStats:   fitStats,
		Poses:      fitPoses,
	}, nil
}
