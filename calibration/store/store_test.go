package store

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/rigcalib/logging"
	"go.viam.com/rigcalib/rimage/calibrate"
	"go.viam.com/rigcalib/rimage/transform"
)

func intrinsicsResult(camera string) *calibrate.IntrinsicsResult {
	return &calibrate.IntrinsicsResult{
		Camera: camera,
		Intrinsics: transform.PinholeCameraIntrinsics{
			Width: 640, Height: 480, Fx: 801.5, Fy: 790.25, Ppx: 326.125, Ppy: 236.5,
		},
		Distortion: transform.BrownConrady{RadialK1: -0.12, RadialK2: 0.05},
		FitStats:   calibrate.FitStats{ReprojectionError: 0.31, SamplesUsed: 42, Converged: true},
	}
}

func extrinsicsResult(primary, secondary string) *calibrate.ExtrinsicsResult {
	pose := transform.NewCamPoseFromRodrigues(r3.Vector{Y: 0.12}, r3.Vector{X: -120, Y: 4, Z: 8})
	k := transform.PinholeCameraIntrinsics{Width: 640, Height: 480, Fx: 800, Fy: 790, Ppx: 326, Ppy: 236}
	e := transform.EssentialMatrixFromPose(pose)
	f, err := transform.FundamentalMatrixFromEssential(k.GetCameraMatrix(), k.GetCameraMatrix(), e)
	if err != nil {
		panic(err)
	}
	return &calibrate.ExtrinsicsResult{
		Pair:        PairID(primary, secondary),
		Primary:     primary,
		Secondary:   secondary,
		Rotation:    pose.Rotation,
		Translation: pose.Translation,
		Essential:   e,
		Fundamental: f,
		FitStats:    calibrate.FitStats{ReprojectionError: 0.45, SamplesUsed: 30, Converged: true},
	}
}

func TestMemoryStoreWriteOnce(t *testing.T) {
	s := NewMemoryStore()
	test.That(t, s.PutIntrinsics(intrinsicsResult("cam0")), test.ShouldBeNil)
	err := s.PutIntrinsics(intrinsicsResult("cam0"))
	test.That(t, errors.Is(err, ErrKeyExists), test.ShouldBeTrue)

	test.That(t, s.PutExtrinsics(extrinsicsResult("cam0", "cam1")), test.ShouldBeNil)
	err = s.PutExtrinsics(extrinsicsResult("cam0", "cam1"))
	test.That(t, errors.Is(err, ErrKeyExists), test.ShouldBeTrue)

	test.That(t, s.PutIntrinsics(&calibrate.IntrinsicsResult{}), test.ShouldNotBeNil)

	res, ok := s.Intrinsics("cam0")
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, res.Intrinsics.Fx, test.ShouldEqual, 801.5)
	_, ok = s.Intrinsics("cam1")
	test.That(t, ok, test.ShouldBeFalse)

	test.That(t, s.Keys(), test.ShouldResemble, []string{"extrinsics/cam0-cam1", "intrinsics/cam0"})
	test.That(t, s.Cameras(), test.ShouldResemble, []string{"cam0"})
	test.That(t, s.Pairs(), test.ShouldResemble, []string{"cam0-cam1"})
}

func TestMemoryStoreConcurrentWriters(t *testing.T) {
	s := NewMemoryStore()
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.PutIntrinsics(intrinsicsResult("cam0")) == nil {
				wins.Inc()
			}
		}()
	}
	wg.Wait()
	test.That(t, wins.Load(), test.ShouldEqual, int32(1))
}

func TestFileStoreDocuments(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, s.Dir(), test.ShouldEqual, dir)

	test.That(t, s.PutIntrinsics(intrinsicsResult("cam0")), test.ShouldBeNil)
	test.That(t, s.PutIntrinsics(intrinsicsResult("cam1")), test.ShouldBeNil)
	test.That(t, s.PutExtrinsics(extrinsicsResult("cam0", "cam1")), test.ShouldBeNil)

	err = s.PutIntrinsics(intrinsicsResult("cam0"))
	test.That(t, errors.Is(err, ErrKeyExists), test.ShouldBeTrue)

	noNames := extrinsicsResult("cam0", "cam2")
	noNames.Primary = ""
	test.That(t, s.PutExtrinsics(noNames), test.ShouldNotBeNil)

	//nolint:gosec
	raw, err := os.ReadFile(IntrinsicsPath(dir, "cam0"))
	test.That(t, err, test.ShouldBeNil)
	text := string(raw)
	test.That(t, strings.HasPrefix(text, "%YAML:1.0\n---\n"), test.ShouldBeTrue)
	test.That(t, text, test.ShouldContainSubstring, "intrinsicMatrix: !!opencv-matrix")
	test.That(t, text, test.ShouldContainSubstring, "distortionCoefficients: !!opencv-matrix")
	// stored transposed: the principal point is on the last row
	test.That(t, text, test.ShouldContainSubstring, "[801.5, 0, 0, 0, 790.25, 0, 326.125, 236.5, 1]")

	_, err = os.Stat(ExtrinsicsPath(dir, "cam0", "cam1"))
	test.That(t, err, test.ShouldBeNil)
	_, err = os.Stat(IntrinsicsPath(dir, "cam0") + ".tmp")
	test.That(t, os.IsNotExist(err), test.ShouldBeTrue)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	written := intrinsicsResult("cam0")
	test.That(t, s.PutIntrinsics(written), test.ShouldBeNil)
	pair := extrinsicsResult("cam0", "cam_1")
	test.That(t, s.PutExtrinsics(pair), test.ShouldBeNil)

	loaded, err := Load(dir)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, loaded.Keys(), test.ShouldResemble, s.Keys())

	intr, ok := loaded.Intrinsics("cam0")
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, intr.Intrinsics, test.ShouldResemble, written.Intrinsics)
	test.That(t, intr.Distortion, test.ShouldResemble, written.Distortion)
	test.That(t, intr.ReprojectionError, test.ShouldEqual, 0.31)
	test.That(t, intr.SamplesUsed, test.ShouldEqual, 42)

	extr, ok := loaded.Extrinsics("cam0-cam_1")
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, extr.Primary, test.ShouldEqual, "cam0")
	test.That(t, extr.Secondary, test.ShouldEqual, "cam_1")
	test.That(t, mat.EqualApprox(extr.Rotation, pair.Rotation, 1e-12), test.ShouldBeTrue)
	test.That(t, mat.EqualApprox(extr.Fundamental, pair.Fundamental, 1e-12), test.ShouldBeTrue)
	test.That(t, extr.Translation, test.ShouldResemble, pair.Translation)

	_, err = Load(t.TempDir())
	test.That(t, err, test.ShouldNotBeNil)
}

func TestReadForeignDocument(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Intrinsics_cam3.yaml")
	doc := `%YAML:1.0
---
intrinsicMatrix: !!opencv-matrix
   rows: 3
   cols: 3
   dt: d
   data: [ 800., 0., 0., 0., 790., 0., 319.5, 239.5, 1. ]
distortionCoefficients: !!opencv-matrix
   rows: 1
   cols: 5
   dt: d
   data: [ -0.1, 0.02, 0., 0., 0. ]
`
	test.That(t, os.WriteFile(path, []byte(doc), 0o600), test.ShouldBeNil)
	res, err := ReadIntrinsics(path, "cam3")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Intrinsics.Width, test.ShouldEqual, 640)
	test.That(t, res.Intrinsics.Height, test.ShouldEqual, 480)
	test.That(t, res.Intrinsics.Ppx, test.ShouldEqual, 319.5)
	test.That(t, res.Distortion.RadialK1, test.ShouldEqual, -0.1)

	bad := filepath.Join(dir, "Intrinsics_bad.yaml")
	test.That(t, os.WriteFile(bad, []byte("%YAML:1.0\n---\nintrinsicMatrix: !!opencv-matrix\n   rows: 3\n   cols: 3\n   dt: d\n   data: [1, 2]\n"), 0o600), test.ShouldBeNil)
	_, err = ReadIntrinsics(bad, "bad")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "has 2 elements")
}

func TestSummaryRoundTrip(t *testing.T) {
	dir := t.TempDir()
	started := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	summary := &Summary{
		RunID:    "run",
		Name:     "rig",
		Started:  started,
		Finished: started.Add(time.Minute),
		Units: []UnitSummary{
			{ID: "cam0", Kind: "intrinsics", State: "succeeded", ReprojectionError: 0.3, SamplesUsed: 40},
			{ID: "cam1", Kind: "intrinsics", State: "failed", Error: "no valid pattern detected"},
		},
		Intrinsics: map[string]float64{"cam0": 0.3},
		Extrinsics: map[string]float64{},
	}
	test.That(t, WriteSummary(dir, summary), test.ShouldBeNil)
	read, err := ReadSummary(dir)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, read, test.ShouldResemble, summary)

	_, err = ReadSummary(t.TempDir())
	test.That(t, err, test.ShouldNotBeNil)
}
