package calibrate

import (
	"image"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/rigcalib/logging"
	"go.viam.com/rigcalib/rimage/transform"
	"go.viam.com/rigcalib/testutils"
)

var testPattern = Pattern{Width: 9, Height: 6, SideLength: 25}

func syntheticSets(model *transform.PinholeCameraModel, n int, sigma float64, seed int64) ([]CorrespondenceSet, []*transform.CamPose) {
	poses := testutils.BoardPoses(n, seed, testPattern.Width, testPattern.Height, testPattern.SideLength)
	views := testutils.Project(model, poses, testPattern.ObjectPoints(), sigma, seed+1)
	boards := make([]DetectedBoard, n)
	for i, v := range views {
		boards[i] = DetectedBoard{FrameIndex: i * 41, Corners: v}
	}
	return NewCorrespondenceSets(testPattern, boards), poses
}

func TestIntrinsicsCalibrate(t *testing.T) {
	logger := logging.NewTestLogger(t)
	truth := testutils.TestCamera()
	sets, poses := syntheticSets(truth, 20, 0.1, 7)

	res, err := NewIntrinsicsCalibrator(DefaultIntrinsicsOptions(), logger).Calibrate("cam0", sets, testutils.ImageSize)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Camera, test.ShouldEqual, "cam0")
	test.That(t, res.Converged, test.ShouldBeTrue)
	test.That(t, res.Warning(), test.ShouldBeNil)
	test.That(t, res.SamplesUsed, test.ShouldEqual, 20)
	test.That(t, res.RejectedFrames, test.ShouldBeEmpty)
	test.That(t, res.ReprojectionError, test.ShouldBeLessThan, 0.3)
	test.That(t, len(res.ViewErrors), test.ShouldEqual, 20)
	test.That(t, res.FrameIndices[3], test.ShouldEqual, 3*41)

	test.That(t, res.Intrinsics.Width, test.ShouldEqual, testutils.ImageSize.X)
	test.That(t, res.Intrinsics.Fx, test.ShouldAlmostEqual, truth.Fx, 5)
	test.That(t, res.Intrinsics.Fy, test.ShouldAlmostEqual, truth.Fy, 5)
	test.That(t, res.Intrinsics.Ppx, test.ShouldAlmostEqual, truth.Ppx, 5)
	test.That(t, res.Intrinsics.Ppy, test.ShouldAlmostEqual, truth.Ppy, 5)
	test.That(t, res.Distortion.RadialK1, test.ShouldAlmostEqual, -0.12, 0.03)
	// fixed terms stay at zero
	test.That(t, res.Distortion.TangentialP1, test.ShouldEqual, 0.)
	test.That(t, res.Distortion.TangentialP2, test.ShouldEqual, 0.)
	test.That(t, res.Distortion.RadialK3, test.ShouldEqual, 0.)

	test.That(t, len(res.Poses), test.ShouldEqual, 20)
	test.That(t, res.Poses[0].Translation.Sub(poses[0].Translation).Norm(), test.ShouldBeLessThan, 10)
	test.That(t, testutils.AngleBetween(res.Poses[0], poses[0]), test.ShouldBeLessThan, 0.02)

	model := res.CameraModel()
	test.That(t, model.CheckValid(), test.ShouldBeNil)
}

func TestIntrinsicsWithTangentialTerms(t *testing.T) {
	logger := logging.NewTestLogger(t)
	truth := testutils.TestCamera()
	truth.Distortion = &transform.BrownConrady{RadialK1: -0.12, RadialK2: 0.05, TangentialP1: 0.002, TangentialP2: -0.001}
	sets, _ := syntheticSets(truth, 15, 0.05, 11)

	opts := DefaultIntrinsicsOptions()
	opts.ZeroTangentDist = false
	res, err := NewIntrinsicsCalibrator(opts, logger).Calibrate("cam1", sets, testutils.ImageSize)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Distortion.TangentialP1, test.ShouldAlmostEqual, 0.002, 0.001)
	test.That(t, res.Distortion.TangentialP2, test.ShouldAlmostEqual, -0.001, 0.001)
	test.That(t, res.Distortion.RadialK3, test.ShouldEqual, 0.)
}

func TestIntrinsicsRejectsOutlierView(t *testing.T) {
	logger := logging.NewTestLogger(t)
	sets, _ := syntheticSets(testutils.TestCamera(), 12, 0.3, 3)
	bad := 5
	sets[bad].ImagePoints = testutils.Perturb(sets[bad].ImagePoints, 5, 99)

	noRefine := DefaultIntrinsicsOptions()
	noRefine.Refine.RefinementPasses = 0
	before, err := NewIntrinsicsCalibrator(noRefine, logger).Calibrate("cam0", sets, testutils.ImageSize)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, before.SamplesUsed, test.ShouldEqual, 12)

	// the perturbed view has by far the largest error
	worst := 0
	for i, e := range before.ViewErrors {
		if e > before.ViewErrors[worst] {
			worst = i
		}
	}
	test.That(t, worst, test.ShouldEqual, bad)

	after, err := NewIntrinsicsCalibrator(DefaultIntrinsicsOptions(), logger).Calibrate("cam0", sets, testutils.ImageSize)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, after.SamplesUsed, test.ShouldEqual, 11)
	test.That(t, after.RejectedFrames, test.ShouldResemble, []int{bad * 41})
	test.That(t, after.FrameIndices, test.ShouldNotContain, bad*41)
	test.That(t, after.ReprojectionError, test.ShouldBeLessThan, before.ReprojectionError/2)
}

func TestIntrinsicsFailures(t *testing.T) {
	logger := logging.NewTestLogger(t)
	calibrator := NewIntrinsicsCalibrator(DefaultIntrinsicsOptions(), logger)

	_, err := calibrator.Calibrate("cam0", nil, testutils.ImageSize)
	test.That(t, errors.Is(err, ErrNoPatternDetected), test.ShouldBeTrue)
	var calErr *CalibrationError
	test.That(t, errors.As(err, &calErr), test.ShouldBeTrue)
	test.That(t, calErr.Unit, test.ShouldEqual, "cam0")
	test.That(t, err.Error(), test.ShouldContainSubstring, "no valid pattern detected")

	sets, _ := syntheticSets(testutils.TestCamera(), 3, 0.1, 1)
	_, err = calibrator.Calibrate("cam2", sets, testutils.ImageSize)
	test.That(t, errors.Is(err, ErrInsufficientSamples), test.ShouldBeTrue)
	test.That(t, err.Error(), test.ShouldContainSubstring, "cam2")

	sets, _ = syntheticSets(testutils.TestCamera(), 6, 0.1, 1)
	_, err = calibrator.Calibrate("cam3", sets, image.Point{})
	test.That(t, errors.Is(err, ErrSourceUnreadable), test.ShouldBeTrue)

	// every view on the same spot gives no focal length
	same := make([]CorrespondenceSet, 5)
	for i := range same {
		same[i] = sets[0]
	}
	flat := make([]r2.Point, len(sets[0].ImagePoints))
	for i := range flat {
		flat[i] = r2.Point{X: 10, Y: 10}
	}
	same[0].ImagePoints = flat
	_, err = calibrator.Calibrate("cam4", same, testutils.ImageSize)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestIntrinsicsBudget(t *testing.T) {
	logger := logging.NewTestLogger(t)
	sets, _ := syntheticSets(testutils.TestCamera(), 8, 0.1, 5)
	opts := DefaultIntrinsicsOptions()
	opts.Fit.MaxIterations = 1
	opts.Refine.RefinementPasses = 0
	res, err := NewIntrinsicsCalibrator(opts, logger).Calibrate("cam0", sets, testutils.ImageSize)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Converged, test.ShouldBeFalse)
	test.That(t, res.Iterations, test.ShouldEqual, 1)
	test.That(t, errors.Is(res.Warning(), ErrFitDidNotConverge), test.ShouldBeTrue)
}
