package store

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/rigcalib/logging"
	"go.viam.com/rigcalib/rimage/calibrate"
	"go.viam.com/rigcalib/rimage/transform"
	"go.viam.com/rigcalib/utils"
)

// Directory and file names under a calibration set directory.
const (
	IntrinsicsDir = "Intrinsics"
	ExtrinsicsDir = "Extrinsics"
	SummaryFile   = "calibration_summary.json"
)

// IntrinsicsPath is the parameter document of camera under dir.
func IntrinsicsPath(dir, camera string) string {
	return filepath.Join(dir, IntrinsicsDir, "Intrinsics_"+camera+".yaml")
}

// ExtrinsicsPath is the parameter document of the pair (primary, secondary) under dir.
func ExtrinsicsPath(dir, primary, secondary string) string {
	return filepath.Join(dir, ExtrinsicsDir, "Extrinsics_"+primary+"_"+secondary+".yaml")
}

// FileStore is a Store that also writes every result to a parameter document under its
// directory as soon as it is stored.
type FileStore struct {
	dir    string
	logger logging.Logger

	// mu makes the key check and the file write one step
	mu  sync.Mutex
	mem *MemoryStore
}

// NewFileStore creates the directory layout under dir and returns a store writing into it.
func NewFileStore(dir string, logger logging.Logger) (*FileStore, error) {
	for _, sub := range []string{IntrinsicsDir, ExtrinsicsDir} {
		if err := utils.EnsureDir(filepath.Join(dir, sub)); err != nil {
			return nil, err
		}
	}
	return &FileStore{dir: dir, logger: logger, mem: NewMemoryStore()}, nil
}

// Dir is the calibration set directory.
func (s *FileStore) Dir() string {
	return s.dir
}

// PutIntrinsics writes Intrinsics/Intrinsics_<camera>.yaml and stores res.
func (s *FileStore) PutIntrinsics(res *calibrate.IntrinsicsResult) error {
	if res == nil || res.Camera == "" {
		return errors.New("intrinsics result has no camera")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.mem.Intrinsics(res.Camera); ok {
		return errors.Wrap(ErrKeyExists, IntrinsicsKey(res.Camera))
	}
	path := IntrinsicsPath(s.dir, res.Camera)
	if err := writeDocument(path, intrinsicsDocument(res)); err != nil {
		return errors.Wrapf(err, "failed to write intrinsics of %q", res.Camera)
	}
	s.logger.Debugw("wrote intrinsics", "camera", res.Camera, "path", path)
	return s.mem.PutIntrinsics(res)
}

// PutExtrinsics writes Extrinsics/Extrinsics_<primary>_<secondary>.yaml and stores res.
func (s *FileStore) PutExtrinsics(res *calibrate.ExtrinsicsResult) error {
	if res == nil || res.Pair == "" {
		return errors.New("extrinsics result has no pair")
	}
	if res.Primary == "" || res.Secondary == "" {
		return errors.Errorf("extrinsics result %q does not name its cameras", res.Pair)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.mem.Extrinsics(res.Pair); ok {
		return errors.Wrap(ErrKeyExists, ExtrinsicsKey(res.Pair))
	}
	path := ExtrinsicsPath(s.dir, res.Primary, res.Secondary)
	if err := writeDocument(path, extrinsicsDocument(res)); err != nil {
		return errors.Wrapf(err, "failed to write extrinsics of %q", res.Pair)
	}
	s.logger.Debugw("wrote extrinsics", "pair", res.Pair, "path", path)
	return s.mem.PutExtrinsics(res)
}

// Intrinsics returns the result stored for camera.
func (s *FileStore) Intrinsics(camera string) (*calibrate.IntrinsicsResult, bool) {
	return s.mem.Intrinsics(camera)
}

// Extrinsics returns the result stored for pair.
func (s *FileStore) Extrinsics(pair string) (*calibrate.ExtrinsicsResult, bool) {
	return s.mem.Extrinsics(pair)
}

// Keys lists every stored key, sorted.
func (s *FileStore) Keys() []string {
	return s.mem.Keys()
}

// WriteSummary writes calibration_summary.json.
func (s *FileStore) WriteSummary(summary *Summary) error {
	return WriteSummary(s.dir, summary)
}

// writeDocument writes to a temporary file and renames it so readers never see half a document.
func writeDocument(path string, doc *document) (err error) {
	tmp := path + ".tmp"
	//nolint:gosec
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			goutils.UncheckedError(os.Remove(tmp))
		}
	}()
	if err := doc.write(f); err != nil {
		return multierr.Combine(err, f.Close())
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func intrinsicsDocument(res *calibrate.IntrinsicsResult) *document {
	doc := newDocument()
	doc.addMatrix("intrinsicMatrix", res.Intrinsics.GetCameraMatrix().T())
	doc.addMatrix("distortionCoefficients", mat.NewDense(1, 5, res.Distortion.Parameters()))
	doc.addInt("imageWidth", res.Intrinsics.Width)
	doc.addInt("imageHeight", res.Intrinsics.Height)
	doc.addFloat("reprojectionError", res.ReprojectionError)
	doc.addInt("samplesUsed", res.SamplesUsed)
	return doc
}

func extrinsicsDocument(res *calibrate.ExtrinsicsResult) *document {
	doc := newDocument()
	doc.addString("primary", res.Primary)
	doc.addString("secondary", res.Secondary)
	doc.addMatrix("R", res.Rotation)
	t := res.Translation
	doc.addMatrix("T", mat.NewDense(3, 1, []float64{t.X, t.Y, t.Z}))
	doc.addMatrix("E", res.Essential)
	doc.addMatrix("F", res.Fundamental)
	doc.addFloat("reprojectionError", res.ReprojectionError)
	doc.addInt("samplesUsed", res.SamplesUsed)
	return doc
}

func openDocument(path string) (*document, error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer goutils.UncheckedErrorFunc(f.Close)
	doc, err := readDocument(f)
	return doc, errors.Wrapf(err, "%q", path)
}

// ReadIntrinsics reads a document written by PutIntrinsics.
func ReadIntrinsics(path, camera string) (*calibrate.IntrinsicsResult, error) {
	doc, err := openDocument(path)
	if err != nil {
		return nil, err
	}
	kt, err := doc.matrix("intrinsicMatrix")
	if err != nil {
		return nil, err
	}
	dist, err := doc.matrix("distortionCoefficients")
	if err != nil {
		return nil, err
	}
	res := &calibrate.IntrinsicsResult{Camera: camera}
	var width, height int
	err = multierr.Combine(
		doc.decode("imageWidth", &width),
		doc.decode("imageHeight", &height),
		doc.decode("reprojectionError", &res.ReprojectionError),
		doc.decode("samplesUsed", &res.SamplesUsed),
	)
	if err != nil {
		return nil, err
	}
	if width == 0 || height == 0 {
		// documents written by other tools carry no image size; assume a centered principal point
		width = int(math.Round(2*kt.At(2, 0) + 1))
		height = int(math.Round(2*kt.At(2, 1) + 1))
	}
	intrinsics, err := transform.NewPinholeCameraIntrinsicsFromMatrix(width, height, kt.T())
	if err != nil {
		return nil, errors.Wrapf(err, "%q", path)
	}
	res.Intrinsics = *intrinsics
	distortion, err := transform.NewBrownConrady(dist.RawMatrix().Data)
	if err != nil {
		return nil, errors.Wrapf(err, "%q", path)
	}
	res.Distortion = *distortion
	res.Converged = true
	return res, nil
}

// ReadExtrinsics reads a document written by PutExtrinsics.
func ReadExtrinsics(path string) (*calibrate.ExtrinsicsResult, error) {
	doc, err := openDocument(path)
	if err != nil {
		return nil, err
	}
	res := &calibrate.ExtrinsicsResult{}
	err = multierr.Combine(
		doc.decode("primary", &res.Primary),
		doc.decode("secondary", &res.Secondary),
		doc.decode("reprojectionError", &res.ReprojectionError),
		doc.decode("samplesUsed", &res.SamplesUsed),
	)
	if err != nil {
		return nil, err
	}
	if res.Primary == "" || res.Secondary == "" {
		// documents from other tools only carry the cameras in the file name
		name := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(path), "Extrinsics_"), ".yaml")
		parts := strings.SplitN(name, "_", 2)
		if len(parts) != 2 {
			return nil, errors.Errorf("cannot tell the cameras of %q", path)
		}
		res.Primary, res.Secondary = parts[0], parts[1]
	}
	res.Pair = PairID(res.Primary, res.Secondary)
	if res.Rotation, err = doc.matrix("R"); err != nil {
		return nil, err
	}
	t, err := doc.matrix("T")
	if err != nil {
		return nil, err
	}
	if r, c := t.Dims(); r*c != 3 {
		return nil, errors.Errorf("%q: T must have 3 elements, got %dx%d", path, r, c)
	}
	data := t.RawMatrix().Data
	res.Translation = r3.Vector{X: data[0], Y: data[1], Z: data[2]}
	if res.Essential, err = doc.matrix("E"); err != nil {
		return nil, err
	}
	if res.Fundamental, err = doc.matrix("F"); err != nil {
		return nil, err
	}
	res.Converged = true
	return res, nil
}

// PairID names the pair (primary, secondary).
func PairID(primary, secondary string) string {
	return primary + "-" + secondary
}

// Load reads every parameter document under dir.
func Load(dir string) (*MemoryStore, error) {
	mem := NewMemoryStore()
	intrinsics, err := filepath.Glob(filepath.Join(dir, IntrinsicsDir, "Intrinsics_*.yaml"))
	if err != nil {
		return nil, err
	}
	extrinsics, err := filepath.Glob(filepath.Join(dir, ExtrinsicsDir, "Extrinsics_*.yaml"))
	if err != nil {
		return nil, err
	}
	if len(intrinsics) == 0 && len(extrinsics) == 0 {
		return nil, errors.Errorf("no calibration results in %q", dir)
	}
	for _, path := range intrinsics {
		camera := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(path), "Intrinsics_"), ".yaml")
		res, err := ReadIntrinsics(path, camera)
		if err != nil {
			return nil, err
		}
		if err := mem.PutIntrinsics(res); err != nil {
			return nil, err
		}
	}
	for _, path := range extrinsics {
		res, err := ReadExtrinsics(path)
		if err != nil {
			return nil, err
		}
		if err := mem.PutExtrinsics(res); err != nil {
			return nil, err
		}
	}
	return mem, nil
}

// LoadInto reads the intrinsics of cameras from dir into s. It is how a run that only
// calibrates extrinsics gets its camera models.
func LoadInto(s Store, dir string, cameras []string) error {
	for _, camera := range cameras {
		res, err := ReadIntrinsics(IntrinsicsPath(dir, camera), camera)
		if err != nil {
			return errors.Wrapf(err, "no prior intrinsics for camera %q", camera)
		}
		if err := s.PutIntrinsics(res); err != nil {
			return err
		}
	}
	return nil
}

// ReadSummary reads calibration_summary.json from dir.
func ReadSummary(dir string) (*Summary, error) {
	//nolint:gosec
	f, err := os.Open(filepath.Join(dir, SummaryFile))
	if err != nil {
		return nil, err
	}
	defer goutils.UncheckedErrorFunc(f.Close)
	var summary Summary
	if err := json.NewDecoder(f).Decode(&summary); err != nil {
		return nil, errors.Wrap(err, "cannot parse the calibration summary as json")
	}
	return &summary, nil
}

// WriteSummary writes calibration_summary.json into dir.
func WriteSummary(dir string, summary *Summary) error {
	md, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return err
	}
	//nolint:gosec
	return os.WriteFile(filepath.Join(dir, SummaryFile), append(md, '\n'), 0o640)
}
