package videosource

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"io"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	ffmpeg "github.com/u2takey/ffmpeg-go"
	goutils "go.viam.com/utils"

	"go.viam.com/rigcalib/logging"
)

// probeResult is the subset of ffprobe's json output we read.
type probeResult struct {
	Streams []struct {
		CodecType    string `json:"codec_type"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		NbFrames     string `json:"nb_frames"`
		RFrameRate   string `json:"r_frame_rate"`
		AvgFrameRate string `json:"avg_frame_rate"`
		Duration     string `json:"duration"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// videoInfo describes the first video stream of a file.
type videoInfo struct {
	Width      int
	Height     int
	FrameCount int
}

func probeVideo(path string) (videoInfo, error) {
	out, err := ffmpeg.Probe(path)
	if err != nil {
		return videoInfo{}, errors.Wrapf(err, "failed to probe %q", path)
	}
	return parseProbe(out)
}

func parseProbe(out string) (videoInfo, error) {
	var res probeResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		return videoInfo{}, errors.Wrap(err, "failed to parse ffprobe output")
	}
	for _, s := range res.Streams {
		if s.CodecType != "video" {
			continue
		}
		info := videoInfo{Width: s.Width, Height: s.Height}
		if n, err := strconv.Atoi(s.NbFrames); err == nil && n > 0 {
			info.FrameCount = n
			return info, nil
		}
		// containers like avi may not report a frame count; derive it from duration
		duration := s.Duration
		if duration == "" {
			duration = res.Format.Duration
		}
		secs, err := strconv.ParseFloat(duration, 64)
		if err != nil {
			return info, nil
		}
		rate := parseRate(s.AvgFrameRate)
		if rate == 0 {
			rate = parseRate(s.RFrameRate)
		}
		info.FrameCount = int(math.Round(secs * rate))
		return info, nil
	}
	return videoInfo{}, errors.New("no video stream found")
}

func parseRate(rate string) float64 {
	num, den, ok := strings.Cut(rate, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !ok {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}

// ffmpegSource decodes a video file to raw rgb24 frames through an ffmpeg subprocess.
type ffmpegSource struct {
	path   string
	info   videoInfo
	logger logging.Logger

	mu  sync.Mutex
	pos int
	// per decoder run
	reader    *io.PipeReader
	cancel    func()
	stderr    *bytes.Buffer
	runErr    error
	done      chan struct{}
	frameSize int
}

// NewFFmpegSource opens a video file for sequential decoding.
func NewFFmpegSource(path string, logger logging.Logger) (Source, error) {
	// make sure ffmpeg is in the path before doing anything else
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, err
	}
	info, err := probeVideo(path)
	if err != nil {
		return nil, err
	}
	if info.Width <= 0 || info.Height <= 0 {
		return nil, errors.Errorf("video %q has invalid dimensions %dx%d", path, info.Width, info.Height)
	}
	src := &ffmpegSource{
		path:      path,
		info:      info,
		logger:    logger,
		frameSize: info.Width * info.Height * 3,
	}
	src.start()
	return src, nil
}

// start launches a decoder from the first frame. mu must be held or src not yet shared.
func (src *ffmpegSource) start() {
	ctx, cancel := context.WithCancel(context.Background())
	in, out := io.Pipe()
	stderr := &bytes.Buffer{}
	done := make(chan struct{})
	src.reader = in
	src.cancel = cancel
	src.stderr = stderr
	src.done = done
	src.pos = 0
	src.runErr = nil

	goutils.PanicCapturingGo(func() {
		defer close(done)
		stream := ffmpeg.Input(src.path).
			Output("pipe:", ffmpeg.KwArgs{"format": "rawvideo", "pix_fmt": "rgb24"}).
			WithOutput(out).
			WithErrorOutput(stderr)
		stream.Context = ctx
		err := stream.Run()
		if err != nil && ctx.Err() == nil {
			err = errors.Wrapf(err, "ffmpeg failed decoding %q: %s", src.path, strings.TrimSpace(stderr.String()))
			// runErr is only read after done is closed
			src.runErr = err
			out.CloseWithError(err)
			return
		}
		out.CloseWithError(io.EOF)
	})
}

func (src *ffmpegSource) stop() {
	src.cancel()
	goutils.UncheckedError(src.reader.Close())
	<-src.done
}

func (src *ffmpegSource) Read(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	src.mu.Lock()
	defer src.mu.Unlock()
	buf := make([]byte, src.frameSize)
	if _, err := io.ReadFull(src.reader, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			if src.pos < src.info.FrameCount {
				src.logger.Debugw("video ended before reported frame count", "path", src.path, "frames", src.pos)
				src.info.FrameCount = src.pos
			}
			return nil, io.EOF
		}
		return nil, err
	}
	src.pos++
	return rgb24ToImage(buf, src.info.Width, src.info.Height), nil
}

func rgb24ToImage(buf []byte, width, height int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for i, j := 0, 0; i < len(buf); i, j = i+3, j+4 {
		img.Pix[j] = buf[i]
		img.Pix[j+1] = buf[i+1]
		img.Pix[j+2] = buf[i+2]
		img.Pix[j+3] = 0xff
	}
	return img
}

func (src *ffmpegSource) FrameCount() int {
	src.mu.Lock()
	defer src.mu.Unlock()
	return src.info.FrameCount
}

func (src *ffmpegSource) Position() int {
	src.mu.Lock()
	defer src.mu.Unlock()
	return src.pos
}

// Seek decodes and drops frames to move forward. Moving backward restarts the decoder.
func (src *ffmpegSource) Seek(ctx context.Context, frame int) error {
	if err := checkSeek(frame); err != nil {
		return err
	}
	src.mu.Lock()
	defer src.mu.Unlock()
	if frame < src.pos {
		src.stop()
		src.start()
	}
	n, err := discardFrames(ctx, src.reader, frame-src.pos, src.frameSize)
	src.pos += n
	return err
}

// discardFrames drops up to count frames of frameSize bytes from r and returns how many were
// dropped. A stream ending early is not an error.
func discardFrames(ctx context.Context, r io.Reader, count, frameSize int) (int, error) {
	for i := 0; i < count; i++ {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		if _, err := io.CopyN(io.Discard, r, int64(frameSize)); err != nil {
			if errors.Is(err, io.EOF) {
				return i, nil
			}
			return i, err
		}
	}
	return count, nil
}

func (src *ffmpegSource) Close() error {
	src.mu.Lock()
	defer src.mu.Unlock()
	src.stop()
	return src.runErr
}
