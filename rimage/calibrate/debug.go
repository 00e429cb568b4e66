package calibrate

import (
	"fmt"
	"image"
	"image/color"
	"path/filepath"
	"sync"

	"github.com/fogleman/gg"
	"github.com/pkg/errors"

	"go.viam.com/rigcalib/utils"
)

// DrawBoard draws the corner sequence over img: the ordering polyline, every corner, and the
// first corner in red.
func DrawBoard(img image.Image, board DetectedBoard) image.Image {
	dc := gg.NewContextForImage(img)
	if len(board.Corners) == 0 {
		return dc.Image()
	}
	radius := float64(img.Bounds().Dx()) / 200
	if radius < 2 {
		radius = 2
	}

	dc.SetColor(color.NRGBA{0, 200, 255, 255})
	dc.SetLineWidth(radius / 2)
	dc.MoveTo(board.Corners[0].X, board.Corners[0].Y)
	for _, p := range board.Corners[1:] {
		dc.LineTo(p.X, p.Y)
	}
	dc.Stroke()

	dc.SetColor(color.NRGBA{0, 255, 0, 255})
	for _, p := range board.Corners[1:] {
		dc.DrawCircle(p.X, p.Y, radius)
		dc.Fill()
	}
	dc.SetColor(color.NRGBA{255, 0, 0, 255})
	dc.DrawCircle(board.Corners[0].X, board.Corners[0].Y, radius*1.5)
	dc.Fill()
	return dc.Image()
}

// imageDirSink writes one PNG per accepted board.
type imageDirSink struct {
	once sync.Once
	dir  string
	err  error
}

// NewImageDirSink returns a BoardSink saving frame_<index>.png files under dir.
func NewImageDirSink(dir string) BoardSink {
	return &imageDirSink{dir: dir}
}

func (s *imageDirSink) Board(frame Frame, board DetectedBoard) error {
	s.once.Do(func() {
		s.err = utils.EnsureDir(s.dir)
	})
	if s.err != nil {
		return s.err
	}
	path := filepath.Join(s.dir, fmt.Sprintf("frame_%06d.png", frame.Index))
	if err := gg.SavePNG(path, DrawBoard(frame.Image, board)); err != nil {
		return errors.Wrapf(err, "failed to save %q", path)
	}
	return nil
}
