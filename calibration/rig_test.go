package calibration

import (
	"image"
	"sync"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/rigcalib/logging"
	"go.viam.com/rigcalib/rimage/calibrate"
	"go.viam.com/rigcalib/rimage/calibrate/calibratetest"
	"go.viam.com/rigcalib/rimage/transform"
	"go.viam.com/rigcalib/rimage/videosource"
	"go.viam.com/rigcalib/testutils"
)

const (
	intrinsicsDir = "recordings/intrinsics"
	extrinsicsDir = "recordings/extrinsics"
	rigFrames     = 12
)

var rigPattern = calibrate.Pattern{Width: 9, Height: 6, SideLength: 25}

// fakeRig serves synthetic recordings of a rig whose cameras all sit along the x axis of cam0.
type fakeRig struct {
	cameras  []string
	relative map[string]*transform.CamPose
	views    map[string][][]r2.Point

	mu     sync.Mutex
	opened []string
	// broken cameras have recordings without boards
	broken map[string]bool
}

func rigKey(dir, camera string) string {
	return dir + "/" + camera
}

func newFakeRig(cameras ...string) *fakeRig {
	rig := &fakeRig{
		cameras:  cameras,
		relative: map[string]*transform.CamPose{},
		views:    map[string][][]r2.Point{},
		broken:   map[string]bool{},
	}
	obj := rigPattern.ObjectPoints()
	model := testutils.TestCamera()
	shared := testutils.BoardPoses(rigFrames, 99, rigPattern.Width, rigPattern.Height, rigPattern.SideLength)
	for i, cam := range cameras {
		poses := testutils.BoardPoses(rigFrames, int64(i+1), rigPattern.Width, rigPattern.Height, rigPattern.SideLength)
		rig.views[rigKey(intrinsicsDir, cam)] = testutils.Project(model, poses, obj, 0.1, int64(10+i))

		rel := transform.NewCamPoseFromRodrigues(r3.Vector{Y: -0.05 * float64(i)}, r3.Vector{X: -100 * float64(i)})
		rig.relative[cam] = rel
		posesInCam := make([]*transform.CamPose, len(shared))
		for k, p := range shared {
			posesInCam[k] = rel.Compose(p)
		}
		rig.views[rigKey(extrinsicsDir, cam)] = testutils.Project(model, posesInCam, obj, 0.1, int64(20+i))
	}
	return rig
}

func (r *fakeRig) openSource(dir, camera, _ string, _ logging.Logger) (videosource.Source, error) {
	if _, ok := r.views[rigKey(dir, camera)]; !ok {
		return nil, errors.Wrapf(videosource.ErrNotFound, "camera %q in %q", camera, dir)
	}
	r.mu.Lock()
	r.opened = append(r.opened, rigKey(dir, camera))
	r.mu.Unlock()
	frames := make([]image.Image, rigFrames)
	for i := range frames {
		frames[i] = testutils.BlankFrame()
	}
	return videosource.NewImageSliceSource(frames), nil
}

func (r *fakeRig) detector(camera, dir string) (calibrate.CornerDetector, error) {
	views, ok := r.views[rigKey(dir, camera)]
	if !ok {
		return nil, errors.Errorf("no corners for %q", camera)
	}
	frames := make([]int, len(views))
	for i := range frames {
		frames[i] = i
	}
	if r.broken[camera] {
		return calibratetest.NewDetector(rigPattern, nil, nil), nil
	}
	return calibratetest.NewDetector(rigPattern, frames, views), nil
}

func rigConfig(outputDir string, cameras ...string) *Config {
	cfg := &Config{
		Name:           "rig",
		OutputDir:      outputDir,
		IntrinsicsPath: intrinsicsDir,
		ExtrinsicsPath: extrinsicsDir,
		Cameras:        cameras,
		Pattern:        rigPattern,
		FrameSkip:      new(int),
		MaxWorkers:     2,
	}
	cfg.applyDefaults()
	return cfg
}

// recorder keeps the events of every unit.
type recorder struct {
	mu       sync.Mutex
	progress map[string][]ProgressEvent
	done     map[string][]UnitEvent
	// onProgress runs for every progress event, outside of mu
	onProgress func(ev ProgressEvent)
}

func newRecorder() *recorder {
	return &recorder{progress: map[string][]ProgressEvent{}, done: map[string][]UnitEvent{}}
}

func (r *recorder) factory(unit Unit) Listener {
	key := unit.String()
	return ListenerFuncs{
		OnProgress: func(ev ProgressEvent) {
			r.mu.Lock()
			r.progress[key] = append(r.progress[key], ev)
			hook := r.onProgress
			r.mu.Unlock()
			if hook != nil {
				hook(ev)
			}
		},
		OnDone: func(ev UnitEvent) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.done[key] = append(r.done[key], ev)
		},
	}
}
