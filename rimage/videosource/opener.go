package videosource

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"go.viam.com/rigcalib/logging"
)

// VideoExtensions are the recording extensions tried, in order, for each camera.
var VideoExtensions = []string{"avi", "mp4", "mov", "wmv", "AVI", "MP4", "WMV"}

// Resolve finds the recording of camera. An override path wins; otherwise <dir>/<camera>.<ext>
// is tried for each of VideoExtensions and then an image directory <dir>/<camera>/.
func Resolve(dir, camera, override string) (string, error) {
	if override != "" {
		if _, err := os.Stat(override); err != nil {
			return "", errors.Wrapf(ErrNotFound, "source override %q for camera %q: %v", override, camera, err)
		}
		return override, nil
	}
	for _, ext := range VideoExtensions {
		candidate := filepath.Join(dir, camera+"."+ext)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	candidate := filepath.Join(dir, camera)
	if info, err := os.Stat(candidate); err == nil && info.IsDir() {
		return candidate, nil
	}
	return "", errors.Wrapf(ErrNotFound, "camera %q in %q", camera, dir)
}

// Open resolves and opens the recording of camera.
func Open(dir, camera, override string, logger logging.Logger) (Source, error) {
	path, err := Resolve(dir, camera, override)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		logger.Debugw("opening image directory", "camera", camera, "path", path)
		return NewImageDirSource(path)
	}
	logger.Debugw("opening video", "camera", camera, "path", path)
	return NewFFmpegSource(path, logger)
}
