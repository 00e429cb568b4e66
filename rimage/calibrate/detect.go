package calibrate

import (
	"context"
	"image"
	"io"

	"github.com/pkg/errors"

	"go.viam.com/rigcalib/logging"
	"go.viam.com/rigcalib/rimage/videosource"
)

// DefaultFrameSkip is how many frames are dropped after every frame that is read.
const DefaultFrameSkip = 40

// ProgressFunc receives the position reached in the recording and its frame count.
type ProgressFunc func(processed, total int)

// CancelChecker reports whether the run has been cancelled.
type CancelChecker interface {
	IsCancelled() bool
}

// BoardSink receives every accepted board, e.g. to draw it.
type BoardSink interface {
	Board(frame Frame, board DetectedBoard) error
}

// DetectOptions configures DetectBoards.
type DetectOptions struct {
	FrameSkip int
	Progress  ProgressFunc
	Cancel    CancelChecker
	Sink      BoardSink
	Logger    logging.Logger
}

// Detections is every board accepted from one recording, in frame order.
type Detections struct {
	Boards     []DetectedBoard
	ImageSize  image.Point
	FrameCount int
	FramesRead int
}

// DetectBoards reads src from its current position to the end, keeping one frame every
// FrameSkip+1 frames, and returns the boards the matcher accepted. Cancellation is checked
// before every read and yields ErrCancelled.
func DetectBoards(
	ctx context.Context,
	src videosource.Source,
	detector CornerDetector,
	matcher *PatternMatcher,
	opts DetectOptions,
) (*Detections, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewBlankLogger("detect")
	}
	total := src.FrameCount()
	if total <= 0 {
		return nil, errors.Wrap(ErrSourceUnreadable, "recording has no frames")
	}
	skip := opts.FrameSkip
	if skip < 0 {
		skip = 0
	}

	det := &Detections{FrameCount: total}
	for {
		if opts.Cancel != nil && opts.Cancel.IsCancelled() {
			return nil, ErrCancelled
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		index := src.Position()
		img, err := src.Read(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if det.FramesRead == 0 {
				return nil, errors.Wrap(ErrSourceUnreadable, err.Error())
			}
			return nil, errors.Wrapf(err, "failed reading frame %d", index)
		}
		det.FramesRead++
		if det.ImageSize == (image.Point{}) {
			det.ImageSize = img.Bounds().Size()
		}

		frame := Frame{Index: index, Image: img}
		board, ok, err := detectFrame(frame, detector, matcher)
		if err != nil {
			logger.Debugw("corner detection failed", "frame", index, "error", err)
		}
		if ok {
			det.Boards = append(det.Boards, board)
			if opts.Sink != nil {
				if err := opts.Sink.Board(frame, board); err != nil {
					logger.Warnw("failed to save board image", "frame", index, "error", err)
				}
			}
		}

		next := index + 1 + skip
		if next > total {
			next = total
		}
		if opts.Progress != nil {
			opts.Progress(next, total)
		}
		if next >= total {
			break
		}
		if skip > 0 {
			if err := src.Seek(ctx, next); err != nil {
				return nil, errors.Wrapf(err, "failed seeking to frame %d", next)
			}
		}
	}
	if det.FramesRead == 0 {
		return nil, errors.Wrap(ErrSourceUnreadable, "no frame could be read")
	}
	logger.Debugw("detection done", "frames_read", det.FramesRead, "boards", len(det.Boards))
	if len(det.Boards) == 0 {
		return det, ErrNoPatternDetected
	}
	return det, nil
}

func detectFrame(frame Frame, detector CornerDetector, matcher *PatternMatcher) (DetectedBoard, bool, error) {
	corners, err := detector.FindCorners(frame)
	if err != nil {
		return DetectedBoard{}, false, err
	}
	// not enough raw corners to hold a full board
	if corners.Len() < matcher.Pattern.NumCorners() {
		return DetectedBoard{}, false, nil
	}
	boards, err := detector.BoardsFromCorners(frame, corners)
	if err != nil {
		return DetectedBoard{}, false, err
	}
	pts, ok := matcher.Match(frame.Image, corners, boards)
	if !ok {
		return DetectedBoard{}, false, nil
	}
	return DetectedBoard{FrameIndex: frame.Index, Corners: pts}, true, nil
}
