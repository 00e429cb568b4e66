package videosource

import (
	"context"
	"image"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

var stillExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".bmp":  true,
	".tif":  true,
	".tiff": true,
	".gif":  true,
}

// sequenceSource serves frames from an indexed loader.
type sequenceSource struct {
	mu     sync.Mutex
	count  int
	pos    int
	load   func(i int) (image.Image, error)
	closed bool
}

// NewImageSliceSource serves frames from memory.
func NewImageSliceSource(frames []image.Image) Source {
	return &sequenceSource{
		count: len(frames),
		load: func(i int) (image.Image, error) {
			return frames[i], nil
		},
	}
}

// NewImageDirSource serves the still images of a directory, in file name order, as frames.
func NewImageDirSource(dir string) (Source, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list image directory %q", dir)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !stillExtensions[strings.ToLower(filepath.Ext(entry.Name()))] {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(files)
	return &sequenceSource{
		count: len(files),
		load: func(i int) (image.Image, error) {
			img, err := imaging.Open(files[i])
			if err != nil {
				return nil, errors.Wrapf(err, "failed to decode frame %q", files[i])
			}
			return img, nil
		},
	}, nil
}

func (s *sequenceSource) Read(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("source is closed")
	}
	if s.pos >= s.count {
		return nil, io.EOF
	}
	img, err := s.load(s.pos)
	s.pos++
	return img, err
}

func (s *sequenceSource) FrameCount() int {
	return s.count
}

func (s *sequenceSource) Position() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}

func (s *sequenceSource) Seek(ctx context.Context, frame int) error {
	if err := checkSeek(frame); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if frame > s.count {
		frame = s.count
	}
	s.pos = frame
	return nil
}

func (s *sequenceSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
