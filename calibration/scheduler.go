package calibration

import (
	"context"
	"path/filepath"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/atomic"
	goutils "go.viam.com/utils"
	"golang.org/x/sync/semaphore"

	"go.viam.com/rigcalib/calibration/store"
	"go.viam.com/rigcalib/logging"
	"go.viam.com/rigcalib/rimage/calibrate"
	"go.viam.com/rigcalib/rimage/calibrate/cornerfile"
	"go.viam.com/rigcalib/rimage/videosource"
	"go.viam.com/rigcalib/utils"
)

// ErrMissingIntrinsics is when a pair is scheduled for a camera that has no intrinsics.
var ErrMissingIntrinsics = errors.New("camera has no intrinsics")

// DetectorFactory returns the corner detector for the recording of camera in dir.
type DetectorFactory func(camera, dir string) (calibrate.CornerDetector, error)

// SourceOpener opens the recording of camera in dir, or at override when it is set.
type SourceOpener func(dir, camera, override string, logger logging.Logger) (videosource.Source, error)

// Options are the collaborators of a Scheduler. Only Store is required.
type Options struct {
	Store store.Store
	// Detectors defaults to the corner files found in Config.CornersDir.
	Detectors DetectorFactory
	// OpenSource defaults to videosource.Open.
	OpenSource SourceOpener
	Listeners  ListenerFactory
	Token      *CancellationToken
	Clock      clock.Clock
	// Orientation defaults to calibrate.BrightnessOrientation.
	Orientation calibrate.OrientationStrategy
}

// Scheduler runs every unit of a Config on a bounded number of workers: first one unit per
// camera, then one unit per camera pair.
type Scheduler struct {
	cfg    *Config
	opts   Options
	runID  string
	logger logging.Logger
}

// NewScheduler returns a scheduler for cfg.
func NewScheduler(cfg *Config, logger logging.Logger, opts Options) (*Scheduler, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if opts.Store == nil {
		return nil, errors.New("result store is required")
	}
	if opts.Detectors == nil {
		opts.Detectors = func(camera, dir string) (calibrate.CornerDetector, error) {
			return cornerfile.Open(cfg.CornersDir(dir), camera)
		}
	}
	if opts.OpenSource == nil {
		opts.OpenSource = videosource.Open
	}
	if opts.Token == nil {
		opts.Token = NewCancellationToken()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Orientation == nil {
		opts.Orientation = calibrate.BrightnessOrientation{}
	}
	return &Scheduler{cfg: cfg, opts: opts, runID: uuid.NewString(), logger: logger.Sublogger("calibration")}, nil
}

// RunID identifies the run in logs and in the summary.
func (s *Scheduler) RunID() string {
	return s.runID
}

// Token is the cancellation token of the run.
func (s *Scheduler) Token() *CancellationToken {
	return s.opts.Token
}

// summaryWriter is implemented by stores that keep a run summary.
type summaryWriter interface {
	WriteSummary(summary *store.Summary) error
}

// Run calibrates every unit and returns their outcomes. A failed unit does not stop the others;
// the returned error is only about the run itself. Cancelling ctx cancels the token.
func (s *Scheduler) Run(ctx context.Context) (*Report, error) {
	report := &Report{RunID: s.runID, Name: s.cfg.Name, Started: s.opts.Clock.Now()}
	s.logger.Infow("calibration started", "run_id", s.runID, "cameras", len(s.cfg.Cameras))

	stop := make(chan struct{})
	defer close(stop)
	goutils.PanicCapturingGo(func() {
		select {
		case <-ctx.Done():
			s.opts.Token.Cancel()
		case <-stop:
		}
	})

	if s.cfg.IntrinsicsEnabled() {
		units := lo.Map(s.cfg.Cameras, func(cam string, _ int) Unit { return intrinsicsUnit(cam) })
		report.Units = append(report.Units, s.runPhase(ctx, units)...)
	} else {
		s.loadPriorIntrinsics()
	}
	if s.cfg.ExtrinsicsEnabled() {
		units := lo.Map(s.cfg.Pairs(), func(pair CameraPair, _ int) Unit { return extrinsicsUnit(pair) })
		report.Units = append(report.Units, s.runPhase(ctx, units)...)
	}

	report.Finished = s.opts.Clock.Now()
	report.Cancelled = s.cancelled(ctx)
	counts := report.Counts()
	s.logger.Infow("calibration done", "run_id", s.runID,
		"succeeded", counts[StateSucceeded], "failed", counts[StateFailed], "cancelled", counts[StateCancelled])

	if w, ok := s.opts.Store.(summaryWriter); ok {
		if err := w.WriteSummary(report.Summary()); err != nil {
			return report, errors.Wrap(err, "failed to write calibration summary")
		}
	}
	return report, nil
}

// cancelled reports whether the run is cancelled, moving a cancelled ctx onto the token first.
func (s *Scheduler) cancelled(ctx context.Context) bool {
	if ctx.Err() != nil {
		s.opts.Token.Cancel()
	}
	return s.opts.Token.IsCancelled()
}

func (s *Scheduler) loadPriorIntrinsics() {
	for _, cam := range s.cfg.PairCameras() {
		if _, ok := s.opts.Store.Intrinsics(cam); ok {
			continue
		}
		if err := store.LoadInto(s.opts.Store, s.cfg.SetDir(), []string{cam}); err != nil {
			s.logger.Warnw("prior intrinsics unavailable", "camera", cam, "error", err)
		}
	}
}

// unitRun is the mutable state of one unit. Only the goroutine running the unit writes it.
type unitRun struct {
	unit      Unit
	state     unitState
	listener  Listener
	logger    logging.Logger
	processed atomic.Int64
	total     atomic.Int64
	report    *UnitReport
}

func (s *Scheduler) newUnitRun(u Unit) *unitRun {
	var listener Listener
	if s.opts.Listeners != nil {
		listener = s.opts.Listeners(u)
	}
	if listener == nil {
		listener = noopListener{}
	}
	return &unitRun{
		unit:     u,
		listener: listener,
		logger:   s.logger.Sublogger(string(u.Kind)).Sublogger(u.ID).With("run_id", s.runID),
		report:   &UnitReport{Unit: u, State: StatePending},
	}
}

func (r *unitRun) setTotal(total int) {
	r.total.Store(int64(total))
}

func (r *unitRun) progress(processed int) {
	r.processed.Store(int64(processed))
	r.listener.Progress(ProgressEvent{Unit: r.unit, Processed: processed, Total: int(r.total.Load())})
}

func (s *Scheduler) workers(units int) int {
	n := s.cfg.MaxWorkers
	if n <= 0 {
		n = utils.ParallelFactor
	}
	if n > units {
		n = units
	}
	if n < 1 {
		n = 1
	}
	return n
}

// runPhase runs units on a bounded pool and returns once all of them reached a terminal state.
func (s *Scheduler) runPhase(ctx context.Context, units []Unit) []*UnitReport {
	runs := lo.Map(units, func(u Unit, _ int) *unitRun { return s.newUnitRun(u) })
	if len(runs) == 0 {
		return nil
	}

	phaseCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	phaseDone := make(chan struct{})
	defer close(phaseDone)
	goutils.PanicCapturingGo(func() {
		select {
		case <-s.opts.Token.Done():
			cancel()
		case <-phaseDone:
		}
	})

	slots := semaphore.NewWeighted(int64(s.workers(len(runs))))
	workers := utils.NewStoppableWorkers(context.Background())
	for _, run := range runs {
		if s.cancelled(ctx) || slots.Acquire(phaseCtx, 1) != nil {
			s.cancelPending(run)
			continue
		}
		if s.cancelled(ctx) {
			slots.Release(1)
			s.cancelPending(run)
			continue
		}
		run := run
		workers.AddWorkers(func(context.Context) {
			defer slots.Release(1)
			s.runUnit(phaseCtx, run)
		})
	}
	workers.Wait()
	return lo.Map(runs, func(r *unitRun, _ int) *UnitReport { return r.report })
}

func (s *Scheduler) cancelPending(run *unitRun) {
	s.finish(run, StateCancelled, nil, nil, nil)
}

func (s *Scheduler) runUnit(ctx context.Context, run *unitRun) {
	if err := run.state.transition(StateRunning); err != nil {
		run.logger.Errorw("cannot start unit", "error", err)
		return
	}
	run.report.State = StateRunning
	run.report.Started = s.opts.Clock.Now()
	run.logger.Infow("unit started")

	var (
		intrinsics *calibrate.IntrinsicsResult
		extrinsics *calibrate.ExtrinsicsResult
		err        error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = errors.Errorf("panic while calibrating: %v", r)
			}
		}()
		switch run.unit.Kind {
		case IntrinsicsUnit:
			intrinsics, err = s.calibrateCamera(ctx, run)
		case ExtrinsicsUnit:
			extrinsics, err = s.calibratePair(ctx, run)
		default:
			err = errors.Errorf("unknown unit kind %q", run.unit.Kind)
		}
	}()

	state := StateSucceeded
	switch {
	case errors.Is(err, calibrate.ErrCancelled):
		state, err = StateCancelled, nil
	case err != nil && s.cancelled(ctx) && isContextError(err):
		state, err = StateCancelled, nil
	case err != nil:
		state = StateFailed
	case s.cancelled(ctx):
		// finished the fit after cancellation; the result is discarded
		state = StateCancelled
	}
	if state == StateSucceeded {
		if err = s.persist(intrinsics, extrinsics); err != nil {
			state = StateFailed
		}
	}
	if state != StateSucceeded {
		intrinsics, extrinsics = nil, nil
	}
	s.finish(run, state, intrinsics, extrinsics, err)
}

func (s *Scheduler) persist(intrinsics *calibrate.IntrinsicsResult, extrinsics *calibrate.ExtrinsicsResult) error {
	switch {
	case intrinsics != nil:
		return s.opts.Store.PutIntrinsics(intrinsics)
	case extrinsics != nil:
		return s.opts.Store.PutExtrinsics(extrinsics)
	default:
		return errors.New("unit produced no result")
	}
}

func (s *Scheduler) finish(
	run *unitRun,
	state UnitState,
	intrinsics *calibrate.IntrinsicsResult,
	extrinsics *calibrate.ExtrinsicsResult,
	err error,
) {
	if terr := run.state.transition(state); terr != nil {
		run.logger.Errorw("cannot finish unit", "error", terr)
		return
	}
	rep := run.report
	rep.State = state
	rep.Err = err
	rep.Intrinsics = intrinsics
	rep.Extrinsics = extrinsics
	rep.Finished = s.opts.Clock.Now()
	if !rep.Started.IsZero() {
		rep.Duration = rep.Finished.Sub(rep.Started)
	}
	rep.FramesProcessed = int(run.processed.Load())
	rep.FramesTotal = int(run.total.Load())

	switch {
	case intrinsics != nil:
		rep.Warning = intrinsics.Warning()
		run.logger.Infow("unit succeeded", "reprojection_error", intrinsics.ReprojectionError,
			"samples", intrinsics.SamplesUsed, "rejected", len(intrinsics.RejectedFrames), "duration", rep.Duration)
	case extrinsics != nil:
		rep.Warning = extrinsics.Warning()
		run.logger.Infow("unit succeeded", "reprojection_error", extrinsics.ReprojectionError,
			"samples", extrinsics.SamplesUsed, "rejected", len(extrinsics.RejectedFrames), "duration", rep.Duration)
	case state == StateFailed:
		run.logger.Errorw("unit failed", "error", err)
	case state == StateCancelled:
		run.logger.Infow("unit cancelled")
	}
	if rep.Warning != nil {
		run.logger.Warnw("unit result is flagged", "warning", rep.Warning)
	}

	run.listener.Done(UnitEvent{
		Unit:       run.unit,
		State:      state,
		Intrinsics: intrinsics,
		Extrinsics: extrinsics,
		Err:        err,
		Warning:    rep.Warning,
		Duration:   rep.Duration,
	})
}

// open opens the recording and corner detector of camera in dir.
func (s *Scheduler) open(run *unitRun, dir, camera, override string) (videosource.Source, calibrate.CornerDetector, error) {
	src, err := s.opts.OpenSource(dir, camera, override, run.logger)
	if err != nil {
		return nil, nil, calibrate.NewCalibrationError(run.unit.ID, calibrate.ErrSourceUnreadable,
			errors.Wrapf(err, "camera %q", camera))
	}
	detector, err := s.opts.Detectors(camera, dir)
	if err != nil {
		goutils.UncheckedError(src.Close())
		return nil, nil, calibrate.NewCalibrationError(run.unit.ID, calibrate.ErrSourceUnreadable,
			errors.Wrapf(err, "camera %q", camera))
	}
	return src, detector, nil
}

// detect reads boards from src. offset is added to the reported progress so a pair reports
// both of its recordings against one total.
func (s *Scheduler) detect(
	ctx context.Context,
	run *unitRun,
	camera string,
	src videosource.Source,
	detector calibrate.CornerDetector,
	offset int,
) (*calibrate.Detections, error) {
	opts := calibrate.DetectOptions{
		FrameSkip: calibrate.DefaultFrameSkip,
		Cancel:    s.opts.Token,
		Logger:    run.logger,
		Progress:  func(processed, _ int) { run.progress(offset + processed) },
	}
	if s.cfg.FrameSkip != nil {
		opts.FrameSkip = *s.cfg.FrameSkip
	}
	if s.cfg.SaveDebugImages {
		dir := s.cfg.DebugDir(run.unit.ID)
		if run.unit.Kind == ExtrinsicsUnit {
			dir = filepath.Join(dir, camera)
		}
		opts.Sink = calibrate.NewImageDirSink(dir)
	}
	matcher := &calibrate.PatternMatcher{Pattern: s.cfg.Pattern, Orientation: s.opts.Orientation}

	det, err := calibrate.DetectBoards(ctx, src, detector, matcher, opts)
	switch {
	case err == nil:
		run.logger.Debugw("boards detected", "camera", camera, "boards", len(det.Boards), "frames_read", det.FramesRead)
		return det, nil
	case errors.Is(err, calibrate.ErrCancelled):
		return nil, err
	case s.cancelled(ctx) && isContextError(err):
		return nil, calibrate.ErrCancelled
	case errors.Is(err, calibrate.ErrNoPatternDetected):
		return nil, calibrate.NewCalibrationError(run.unit.ID, calibrate.ErrNoPatternDetected,
			errors.Errorf("camera %q: no board in %d frames read", camera, det.FramesRead))
	default:
		return nil, calibrate.NewCalibrationError(run.unit.ID, calibrate.ErrSourceUnreadable,
			errors.Wrapf(err, "camera %q", camera))
	}
}

func (s *Scheduler) calibrateCamera(ctx context.Context, run *unitRun) (*calibrate.IntrinsicsResult, error) {
	camera := run.unit.Cameras[0]
	src, detector, err := s.open(run, s.cfg.IntrinsicsPath, camera, s.cfg.Sources[camera].Intrinsics)
	if err != nil {
		return nil, err
	}
	defer goutils.UncheckedErrorFunc(src.Close)
	run.setTotal(src.FrameCount())

	det, err := s.detect(ctx, run, camera, src, detector, 0)
	if err != nil {
		return nil, err
	}
	sets := calibrate.NewCorrespondenceSets(s.cfg.Pattern, det.Boards)
	sampled := calibrate.SampleCorrespondences(sets, s.cfg.FramesForIntrinsics)
	run.logger.Infow("fitting intrinsics", "boards", len(sets), "views", len(sampled))
	return calibrate.NewIntrinsicsCalibrator(s.cfg.IntrinsicsOptions(), run.logger).
		Calibrate(run.unit.ID, sampled, det.ImageSize)
}

func (s *Scheduler) calibratePair(ctx context.Context, run *unitRun) (*calibrate.ExtrinsicsResult, error) {
	primary, secondary := run.unit.Cameras[0], run.unit.Cameras[1]
	models := make([]*calibrate.IntrinsicsResult, 2)
	for i, cam := range run.unit.Cameras {
		res, ok := s.opts.Store.Intrinsics(cam)
		if !ok {
			return nil, calibrate.NewCalibrationError(run.unit.ID, ErrMissingIntrinsics, errors.Errorf("camera %q", cam))
		}
		models[i] = res
	}

	srcA, detectorA, err := s.open(run, s.cfg.ExtrinsicsPath, primary, s.cfg.Sources[primary].Extrinsics)
	if err != nil {
		return nil, err
	}
	defer goutils.UncheckedErrorFunc(srcA.Close)
	srcB, detectorB, err := s.open(run, s.cfg.ExtrinsicsPath, secondary, s.cfg.Sources[secondary].Extrinsics)
	if err != nil {
		return nil, err
	}
	defer goutils.UncheckedErrorFunc(srcB.Close)
	run.setTotal(srcA.FrameCount() + srcB.FrameCount())

	detA, err := s.detect(ctx, run, primary, srcA, detectorA, 0)
	if err != nil {
		return nil, err
	}
	detB, err := s.detect(ctx, run, secondary, srcB, detectorB, srcA.FrameCount())
	if err != nil {
		return nil, err
	}

	setsA, setsB := calibrate.MatchFrames(
		calibrate.NewCorrespondenceSets(s.cfg.Pattern, detA.Boards),
		calibrate.NewCorrespondenceSets(s.cfg.Pattern, detB.Boards),
	)
	picked := calibrate.SampleIndices(len(setsA), s.cfg.FramesForExtrinsics)
	sampledA := lo.Map(picked, func(i, _ int) calibrate.CorrespondenceSet { return setsA[i] })
	sampledB := lo.Map(picked, func(i, _ int) calibrate.CorrespondenceSet { return setsB[i] })
	run.logger.Infow("fitting extrinsics", "shared_boards", len(setsA), "views", len(picked))

	res, err := calibrate.NewExtrinsicsCalibrator(s.cfg.ExtrinsicsOptions(), run.logger).
		Calibrate(run.unit.ID, sampledA, sampledB, models[0].CameraModel(), models[1].CameraModel())
	if err != nil {
		return nil, err
	}
	res.Primary, res.Secondary = primary, secondary
	return res, nil
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
