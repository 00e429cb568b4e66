package cornerfile

import (
	"bytes"
	"os"
	"testing"

	"go.viam.com/test"

	"go.viam.com/rigcalib/rimage/calibrate"
)

func TestRoundTripAndDetect(t *testing.T) {
	f := &File{
		Camera: "cam0",
		Frames: map[string]FrameDetections{
			"41": {
				Corners: []calibrate.Corner{calibrate.NewCorner(1, 2), calibrate.NewCorner(3, 4)},
				Boards:  []calibrate.Board{{Idx: [][]int{{-1, -1, -1}, {-1, 0, -1}, {-1, 1, -1}, {-1, -1, -1}}}},
			},
		},
	}
	dir := t.TempDir()
	var buf bytes.Buffer
	test.That(t, Write(&buf, f), test.ShouldBeNil)
	test.That(t, os.WriteFile(Path(dir, "cam0"), buf.Bytes(), 0o600), test.ShouldBeNil)

	det, err := Open(dir, "cam0")
	test.That(t, err, test.ShouldBeNil)

	corners, err := det.FindCorners(calibrate.Frame{Index: 41})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, corners.Len(), test.ShouldEqual, 2)
	boards, err := det.BoardsFromCorners(calibrate.Frame{Index: 41}, corners)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(boards), test.ShouldEqual, 1)

	pts, ok := calibrate.BoardToCorners(calibrate.Pattern{Width: 1, Height: 2, SideLength: 1}, boards[0], corners)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, pts[1].Y, test.ShouldEqual, 4.)

	corners, err = det.FindCorners(calibrate.Frame{Index: 0})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, corners.Len(), test.ShouldEqual, 0)

	_, err = Open(dir, "cam9")
	test.That(t, err, test.ShouldNotBeNil)

	_, err = NewDetector(&File{Frames: map[string]FrameDetections{"first": {}}})
	test.That(t, err, test.ShouldNotBeNil)
}
