package calibrate

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/rigcalib/logging"
	"go.viam.com/rigcalib/rimage/transform"
	"go.viam.com/rigcalib/testutils"
)

func stereoSets(n int, sigma float64) ([]CorrespondenceSet, []CorrespondenceSet, *transform.CamPose, *transform.PinholeCameraModel, *transform.PinholeCameraModel) {
	camA := testutils.TestCamera()
	camB := testutils.TestCamera()
	camB.Fx, camB.Fy, camB.Ppx = 780, 775, 318

	rel := transform.NewCamPoseFromRodrigues(r3.Vector{Y: 0.12, Z: 0.01}, r3.Vector{X: -120, Y: 4, Z: 8})
	posesA := testutils.BoardPoses(n, 21, testPattern.Width, testPattern.Height, testPattern.SideLength)
	posesB := make([]*transform.CamPose, n)
	for i, p := range posesA {
		posesB[i] = rel.Compose(p)
	}
	obj := testPattern.ObjectPoints()
	viewsA := testutils.Project(camA, posesA, obj, sigma, 1)
	viewsB := testutils.Project(camB, posesB, obj, sigma, 2)
	boardsA := make([]DetectedBoard, n)
	boardsB := make([]DetectedBoard, n)
	for i := 0; i < n; i++ {
		boardsA[i] = DetectedBoard{FrameIndex: i * 41, Corners: viewsA[i]}
		boardsB[i] = DetectedBoard{FrameIndex: i * 41, Corners: viewsB[i]}
	}
	return NewCorrespondenceSets(testPattern, boardsA), NewCorrespondenceSets(testPattern, boardsB), rel, camA, camB
}

func TestMatchFrames(t *testing.T) {
	mk := func(frames ...int) []CorrespondenceSet {
		out := make([]CorrespondenceSet, len(frames))
		for i, f := range frames {
			out[i].FrameIndex = f
		}
		return out
	}
	a, b := MatchFrames(mk(0, 41, 82, 123), mk(41, 123, 164))
	test.That(t, len(a), test.ShouldEqual, 2)
	test.That(t, a[0].FrameIndex, test.ShouldEqual, 41)
	test.That(t, b[0].FrameIndex, test.ShouldEqual, 41)
	test.That(t, a[1].FrameIndex, test.ShouldEqual, 123)
	test.That(t, b[1].FrameIndex, test.ShouldEqual, 123)

	a, b = MatchFrames(mk(0), mk(1))
	test.That(t, a, test.ShouldBeEmpty)
	test.That(t, b, test.ShouldBeEmpty)
}

func TestEstimateBoardPose(t *testing.T) {
	model := testutils.TestCamera()
	sets, poses := syntheticSets(model, 3, 0, 17)
	for i, set := range sets {
		pose, err := EstimateBoardPose(model, set)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, pose.Translation.Sub(poses[i].Translation).Norm(), test.ShouldBeLessThan, 0.5)
		test.That(t, testutils.AngleBetween(pose, poses[i]), test.ShouldBeLessThan, 1e-3)
	}
	_, err := EstimateBoardPose(model, CorrespondenceSet{})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestExtrinsicsCalibrate(t *testing.T) {
	logger := logging.NewTestLogger(t)
	setsA, setsB, rel, camA, camB := stereoSets(12, 0.1)
	// camera b missed a few boards
	setsB = append(append([]CorrespondenceSet(nil), setsB[:3]...), setsB[5:]...)

	res, err := NewExtrinsicsCalibrator(DefaultExtrinsicsOptions(), logger).Calibrate("cam0-cam1", setsA, setsB, camA, camB)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Pair, test.ShouldEqual, "cam0-cam1")
	test.That(t, res.SamplesUsed, test.ShouldEqual, 10)
	test.That(t, res.FrameIndices, test.ShouldNotContain, 3*41)
	test.That(t, res.FrameIndices, test.ShouldNotContain, 4*41)
	test.That(t, res.Converged, test.ShouldBeTrue)
	test.That(t, res.ReprojectionError, test.ShouldBeLessThan, 0.3)
	test.That(t, res.Translation.Sub(rel.Translation).Norm(), test.ShouldBeLessThan, 2)
	test.That(t, testutils.AngleBetween(res.Pose(), rel), test.ShouldBeLessThan, 5e-3)

	// E = [t]x R
	expectedE := transform.EssentialMatrixFromPose(res.Pose())
	test.That(t, mat.EqualApprox(res.Essential, expectedE, 1e-9), test.ShouldBeTrue)

	// ideal corresponding pixels lie close to their epipolar lines
	idealA := &transform.PinholeCameraModel{PinholeCameraIntrinsics: camA.PinholeCameraIntrinsics}
	idealB := &transform.PinholeCameraModel{PinholeCameraIntrinsics: camB.PinholeCameraIntrinsics}
	for _, pt := range []r3.Vector{{X: 10, Y: 20, Z: 700}, {X: -60, Y: 15, Z: 650}, {X: 40, Y: -30, Z: 800}} {
		x1 := idealA.ProjectPoint(pt)
		x2 := idealB.ProjectPoint(rel.Apply(pt))
		var line mat.VecDense
		line.MulVec(res.Fundamental, mat.NewVecDense(3, []float64{x1.X, x1.Y, 1}))
		dist := math.Abs(line.AtVec(0)*x2.X+line.AtVec(1)*x2.Y+line.AtVec(2)) / math.Hypot(line.AtVec(0), line.AtVec(1))
		test.That(t, dist, test.ShouldBeLessThan, 1)
	}
}

func TestExtrinsicsRejectsOutlierView(t *testing.T) {
	logger := logging.NewTestLogger(t)
	setsA, setsB, _, camA, camB := stereoSets(10, 0.2)
	setsB[2].ImagePoints = testutils.Perturb(setsB[2].ImagePoints, 6, 5)

	res, err := NewExtrinsicsCalibrator(DefaultExtrinsicsOptions(), logger).Calibrate("cam0-cam1", setsA, setsB, camA, camB)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.RejectedFrames, test.ShouldResemble, []int{2 * 41})
	test.That(t, res.SamplesUsed, test.ShouldEqual, 9)
}

func TestExtrinsicsFailures(t *testing.T) {
	logger := logging.NewTestLogger(t)
	setsA, setsB, _, camA, camB := stereoSets(6, 0.1)
	calibrator := NewExtrinsicsCalibrator(DefaultExtrinsicsOptions(), logger)

	// no frame in common
	shifted := append([]CorrespondenceSet(nil), setsB...)
	for i := range shifted {
		shifted[i].FrameIndex++
	}
	_, err := calibrator.Calibrate("cam0-cam1", setsA, shifted, camA, camB)
	test.That(t, errors.Is(err, ErrNoPatternDetected), test.ShouldBeTrue)

	_, err = calibrator.Calibrate("cam0-cam1", setsA[:3], setsB, camA, camB)
	test.That(t, errors.Is(err, ErrInsufficientSamples), test.ShouldBeTrue)
	var calErr *CalibrationError
	test.That(t, errors.As(err, &calErr), test.ShouldBeTrue)
	test.That(t, calErr.Unit, test.ShouldEqual, "cam0-cam1")
}
