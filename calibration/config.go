// Package calibration runs the calibration of a camera rig: intrinsics for every camera, then
// extrinsics for every camera pair.
package calibration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"

	"github.com/a8m/envsubst"
	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/multierr"

	"go.viam.com/rigcalib/calibration/store"
	"go.viam.com/rigcalib/rimage/calibrate"
	"go.viam.com/rigcalib/utils"
)

// Defaults used for fields left empty.
const (
	DefaultFramesForIntrinsics = 100
	DefaultFramesForExtrinsics = 100
)

// CameraPair is a primary camera and a secondary camera calibrated against it.
type CameraPair struct {
	Primary   string `json:"primary"`
	Secondary string `json:"secondary"`
}

// ID is the unit id and store key of the pair.
func (p CameraPair) ID() string {
	return store.PairID(p.Primary, p.Secondary)
}

// CameraSources are explicit recording paths of one camera. Empty paths are looked up in the
// recording directories.
type CameraSources struct {
	Intrinsics string `json:"intrinsics,omitempty"`
	Extrinsics string `json:"extrinsics,omitempty"`
}

// RefinementConfig configures outlier rejection.
type RefinementConfig struct {
	ThresholdFactor float64 `json:"threshold_factor,omitempty"`
	// Passes defaults to 1; 0 disables rejection.
	Passes     *int `json:"passes,omitempty"`
	MinSamples int  `json:"min_samples,omitempty"`
}

// Config describes one calibration run. It is read-only once Read returns.
type Config struct {
	Name      string `json:"name"`
	OutputDir string `json:"output_dir"`

	// IntrinsicsPath and ExtrinsicsPath hold one recording per camera.
	IntrinsicsPath string `json:"intrinsics_path,omitempty"`
	ExtrinsicsPath string `json:"extrinsics_path,omitempty"`
	// CornersPath holds the corner files of every camera. Defaults to the recording directory.
	CornersPath string `json:"corners_path,omitempty"`
	// Sources overrides the recordings of a camera.
	Sources map[string]CameraSources `json:"sources,omitempty"`

	Cameras       []string     `json:"cameras"`
	PrimaryCamera string       `json:"primary_camera,omitempty"`
	CameraPairs   []CameraPair `json:"camera_pairs,omitempty"`

	Pattern calibrate.Pattern `json:"pattern"`

	FramesForIntrinsics int  `json:"frames_for_intrinsics,omitempty" jsonschema:"minimum=1"`
	FramesForExtrinsics int  `json:"frames_for_extrinsics,omitempty" jsonschema:"minimum=1"`
	FrameSkip           *int `json:"frame_skip,omitempty"`

	CalibrateIntrinsics *bool `json:"calibrate_intrinsics,omitempty"`
	CalibrateExtrinsics *bool `json:"calibrate_extrinsics,omitempty"`
	SaveDebugImages     bool  `json:"save_debug_images,omitempty"`

	MaxIterations   int              `json:"max_iterations,omitempty"`
	Epsilon         float64          `json:"epsilon,omitempty"`
	FixK3           *bool            `json:"fix_k3,omitempty"`
	ZeroTangentDist *bool            `json:"zero_tangent_dist,omitempty"`
	Refinement      RefinementConfig `json:"refinement,omitempty"`

	MaxWorkers int `json:"max_workers,omitempty"`

	ConfigFilePath string `json:"-"`
}

// Read reads a config from the given file after substituting environment variables.
func Read(filePath string) (*Config, error) {
	buf, err := envsubst.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	return FromReader(filePath, bytes.NewReader(buf))
}

// FromReader reads a config from the given reader and specifies where, if applicable, the file
// the reader originated from.
func FromReader(originalPath string, r io.Reader) (*Config, error) {
	cfg := &Config{ConfigFilePath: originalPath}
	if err := json.NewDecoder(r).Decode(cfg); err != nil {
		return nil, errors.Wrap(err, "failed to decode Config from json")
	}
	cfg.applyDefaults()
	if err := cfg.Validate(""); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.FramesForIntrinsics == 0 {
		c.FramesForIntrinsics = DefaultFramesForIntrinsics
	}
	if c.FramesForExtrinsics == 0 {
		c.FramesForExtrinsics = DefaultFramesForExtrinsics
	}
	if c.FrameSkip == nil {
		c.FrameSkip = lo.ToPtr(calibrate.DefaultFrameSkip)
	}
	if c.CalibrateIntrinsics == nil {
		c.CalibrateIntrinsics = lo.ToPtr(true)
	}
	if c.CalibrateExtrinsics == nil {
		c.CalibrateExtrinsics = lo.ToPtr(true)
	}
	if c.MaxIterations == 0 {
		c.MaxIterations = calibrate.DefaultFitSettings.MaxIterations
	}
	if c.Epsilon == 0 {
		c.Epsilon = calibrate.DefaultFitSettings.Epsilon
	}
	if c.FixK3 == nil {
		c.FixK3 = lo.ToPtr(true)
	}
	if c.ZeroTangentDist == nil {
		c.ZeroTangentDist = lo.ToPtr(true)
	}
	if c.Refinement.ThresholdFactor == 0 {
		c.Refinement.ThresholdFactor = calibrate.DefaultRefineOptions.ThresholdFactor
	}
	if c.Refinement.Passes == nil {
		c.Refinement.Passes = lo.ToPtr(calibrate.DefaultRefineOptions.RefinementPasses)
	}
	if c.Refinement.MinSamples == 0 {
		c.Refinement.MinSamples = calibrate.DefaultRefineOptions.MinSamples
	}
	if c.MaxWorkers == 0 {
		c.MaxWorkers = utils.ParallelFactor
	}
}

// Validate ensures all parts of the config are valid. Every problem found is reported.
func (c *Config) Validate(path string) error {
	var errs error
	field := func(name string) string {
		if path == "" {
			return name
		}
		return path + "." + name
	}
	if c.Name == "" {
		errs = multierr.Append(errs, utils.NewConfigValidationFieldRequiredError(path, "name"))
	}
	if c.OutputDir == "" {
		errs = multierr.Append(errs, utils.NewConfigValidationFieldRequiredError(path, "output_dir"))
	}
	if c.IntrinsicsEnabled() && c.IntrinsicsPath == "" {
		errs = multierr.Append(errs, utils.NewConfigValidationFieldRequiredError(path, "intrinsics_path"))
	}
	if c.ExtrinsicsEnabled() && c.ExtrinsicsPath == "" {
		errs = multierr.Append(errs, utils.NewConfigValidationFieldRequiredError(path, "extrinsics_path"))
	}
	if len(c.Cameras) == 0 {
		errs = multierr.Append(errs, utils.NewConfigValidationFieldRequiredError(path, "cameras"))
	}
	for i, cam := range c.Cameras {
		if cam == "" {
			errs = multierr.Append(errs, utils.NewConfigValidationFieldRequiredError(field(fmt.Sprintf("cameras.%d", i)), "name"))
			continue
		}
		// camera names become file names under the recording and output directories
		if _, err := utils.SafeJoinDir(store.IntrinsicsDir, cam); err != nil {
			errs = multierr.Append(errs, utils.NewConfigValidationError(field(fmt.Sprintf("cameras.%d", i)), err))
		}
	}
	if dups := lo.FindDuplicates(c.Cameras); len(dups) > 0 {
		errs = multierr.Append(errs, utils.NewConfigValidationError(field("cameras"), errors.Errorf("duplicate cameras %v", dups)))
	}
	if err := c.Pattern.Validate(); err != nil {
		errs = multierr.Append(errs, utils.NewConfigValidationError(field("pattern"), err))
	}
	if c.FramesForIntrinsics < 1 {
		errs = multierr.Append(errs, utils.NewConfigValidationError(field("frames_for_intrinsics"),
			errors.Errorf("must be at least 1, got %d", c.FramesForIntrinsics)))
	}
	if c.FramesForExtrinsics < 1 {
		errs = multierr.Append(errs, utils.NewConfigValidationError(field("frames_for_extrinsics"),
			errors.Errorf("must be at least 1, got %d", c.FramesForExtrinsics)))
	}
	if c.FrameSkip != nil && *c.FrameSkip < 0 {
		errs = multierr.Append(errs, utils.NewConfigValidationError(field("frame_skip"),
			errors.Errorf("must not be negative, got %d", *c.FrameSkip)))
	}
	if c.MaxWorkers < 0 {
		errs = multierr.Append(errs, utils.NewConfigValidationError(field("max_workers"),
			errors.Errorf("must not be negative, got %d", c.MaxWorkers)))
	}
	if c.Refinement.Passes != nil && *c.Refinement.Passes < 0 {
		errs = multierr.Append(errs, utils.NewConfigValidationError(field("refinement.passes"),
			errors.Errorf("must not be negative, got %d", *c.Refinement.Passes)))
	}
	for cam := range c.Sources {
		if !lo.Contains(c.Cameras, cam) {
			errs = multierr.Append(errs, utils.NewConfigValidationError(field("sources"), errors.Errorf("unknown camera %q", cam)))
		}
	}
	if c.PrimaryCamera != "" && !lo.Contains(c.Cameras, c.PrimaryCamera) {
		errs = multierr.Append(errs, utils.NewConfigValidationError(field("primary_camera"),
			errors.Errorf("unknown camera %q", c.PrimaryCamera)))
	}
	for i, pair := range c.CameraPairs {
		pairPath := field(fmt.Sprintf("camera_pairs.%d", i))
		switch {
		case pair.Primary == "":
			errs = multierr.Append(errs, utils.NewConfigValidationFieldRequiredError(pairPath, "primary"))
		case pair.Secondary == "":
			errs = multierr.Append(errs, utils.NewConfigValidationFieldRequiredError(pairPath, "secondary"))
		case pair.Primary == pair.Secondary:
			errs = multierr.Append(errs, utils.NewConfigValidationError(pairPath,
				errors.Errorf("camera %q cannot be paired with itself", pair.Primary)))
		default:
			for _, cam := range []string{pair.Primary, pair.Secondary} {
				if !lo.Contains(c.Cameras, cam) {
					errs = multierr.Append(errs, utils.NewConfigValidationError(pairPath, errors.Errorf("unknown camera %q", cam)))
				}
			}
		}
	}
	if dups := lo.FindDuplicates(lo.Map(c.CameraPairs, func(p CameraPair, _ int) string { return p.ID() })); len(dups) > 0 {
		errs = multierr.Append(errs, utils.NewConfigValidationError(field("camera_pairs"), errors.Errorf("duplicate pairs %v", dups)))
	}
	return errs
}

// IntrinsicsEnabled is whether the run fits the intrinsics of every camera. When it is not, the
// intrinsics are loaded from a previous run in SetDir.
func (c *Config) IntrinsicsEnabled() bool {
	return c.CalibrateIntrinsics == nil || *c.CalibrateIntrinsics
}

// ExtrinsicsEnabled is whether the run fits the camera pairs.
func (c *Config) ExtrinsicsEnabled() bool {
	return c.CalibrateExtrinsics == nil || *c.CalibrateExtrinsics
}

// Pairs returns the configured camera pairs, or pairs every other camera with the primary camera
// (the first camera unless set) when none are configured.
func (c *Config) Pairs() []CameraPair {
	if len(c.CameraPairs) > 0 {
		return append([]CameraPair(nil), c.CameraPairs...)
	}
	cameras := lo.Uniq(c.Cameras)
	if len(cameras) < 2 {
		return nil
	}
	primary := c.PrimaryCamera
	if primary == "" {
		primary = cameras[0]
	}
	return lo.Map(lo.Without(cameras, primary), func(cam string, _ int) CameraPair {
		return CameraPair{Primary: primary, Secondary: cam}
	})
}

// PairCameras lists every camera that is part of a pair, in camera order.
func (c *Config) PairCameras() []string {
	pairs := c.Pairs()
	return lo.Filter(c.Cameras, func(cam string, _ int) bool {
		return lo.ContainsBy(pairs, func(p CameraPair) bool { return p.Primary == cam || p.Secondary == cam })
	})
}

// SetDir is the directory results are written to: <output_dir>/<name>.
func (c *Config) SetDir() string {
	return filepath.Join(c.OutputDir, c.Name)
}

// CornersDir is where the corner files for a recording directory are read from.
func (c *Config) CornersDir(recordingDir string) string {
	if c.CornersPath != "" {
		return c.CornersPath
	}
	return recordingDir
}

// DebugDir is where the board images of unit are drawn.
func (c *Config) DebugDir(unit string) string {
	return filepath.Join(c.SetDir(), "debug", unit)
}

func (c *Config) fitSettings() calibrate.FitSettings {
	return calibrate.FitSettings{MaxIterations: c.MaxIterations, Epsilon: c.Epsilon}
}

func (c *Config) refineOptions() calibrate.RefineOptions {
	opts := calibrate.RefineOptions{
		ThresholdFactor:  c.Refinement.ThresholdFactor,
		RefinementPasses: calibrate.DefaultRefineOptions.RefinementPasses,
		MinSamples:       c.Refinement.MinSamples,
	}
	if c.Refinement.Passes != nil {
		opts.RefinementPasses = *c.Refinement.Passes
	}
	return opts
}

// IntrinsicsOptions are the fit options of the camera units.
func (c *Config) IntrinsicsOptions() calibrate.IntrinsicsOptions {
	return calibrate.IntrinsicsOptions{
		Fit:             c.fitSettings(),
		Refine:          c.refineOptions(),
		FixK3:           c.FixK3 == nil || *c.FixK3,
		ZeroTangentDist: c.ZeroTangentDist == nil || *c.ZeroTangentDist,
	}
}

// ExtrinsicsOptions are the fit options of the pair units.
func (c *Config) ExtrinsicsOptions() calibrate.ExtrinsicsOptions {
	return calibrate.ExtrinsicsOptions{Fit: c.fitSettings(), Refine: c.refineOptions()}
}

// Schema is the JSON schema of Config.
func Schema() *jsonschema.Schema {
	return jsonschema.Reflect(&Config{})
}
