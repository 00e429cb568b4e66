package calibrate

import (
	"image"
	"image/color"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/golang/geo/r2"
	"github.com/samber/lo"
	"go.viam.com/test"

	"go.viam.com/rigcalib/testutils"
)

// gridCorners lays out a width x height grid starting at (20, 20) with 20 px spacing.
func gridCorners(width, height int) *CornerSet {
	set := &CornerSet{}
	for i := 0; i < height; i++ {
		for j := 0; j < width; j++ {
			set.Corners = append(set.Corners, NewCorner(float64(20+20*j), float64(20+20*i)))
		}
	}
	return set
}

func TestPatternObjectPoints(t *testing.T) {
	p := Pattern{Width: 3, Height: 2, SideLength: 10}
	test.That(t, p.Validate(), test.ShouldBeNil)
	pts := p.ObjectPoints()
	test.That(t, len(pts), test.ShouldEqual, 6)
	test.That(t, pts[1].X, test.ShouldEqual, 10.)
	test.That(t, pts[3].Y, test.ShouldEqual, 10.)
	test.That(t, pts[5].Z, test.ShouldEqual, 0.)

	test.That(t, Pattern{Width: 0, Height: 2, SideLength: 1}.Validate(), test.ShouldNotBeNil)
	test.That(t, Pattern{Width: 2, Height: 2}.Validate(), test.ShouldNotBeNil)
}

func TestBoardToCorners(t *testing.T) {
	pattern := Pattern{Width: 4, Height: 3, SideLength: 1}
	corners := gridCorners(4, 3)

	t.Run("full board row-major", func(t *testing.T) {
		pts, ok := BoardToCorners(pattern, Board{Idx: testutils.GridIndex(4, 3)}, corners)
		test.That(t, ok, test.ShouldBeTrue)
		test.That(t, len(pts), test.ShouldEqual, 12)
		for i, c := range corners.Corners {
			test.That(t, pts[i], test.ShouldResemble, c.Point())
		}
	})

	t.Run("missing interior corner", func(t *testing.T) {
		for i := 1; i <= 3; i++ {
			for j := 1; j <= 4; j++ {
				idx := testutils.GridIndex(4, 3)
				idx[i][j] = -1
				_, ok := BoardToCorners(pattern, Board{Idx: idx}, corners)
				test.That(t, ok, test.ShouldBeFalse)
			}
		}
	})

	t.Run("index out of range", func(t *testing.T) {
		idx := testutils.GridIndex(4, 3)
		idx[2][2] = 99
		_, ok := BoardToCorners(pattern, Board{Idx: idx}, corners)
		test.That(t, ok, test.ShouldBeFalse)
	})

	t.Run("rotated board", func(t *testing.T) {
		// 4 interior rows and 3 interior columns, i.e. the pattern turned by 90 degrees
		idx := testutils.GridIndex(3, 4)
		pts, ok := BoardToCorners(pattern, Board{Idx: idx}, gridCorners(3, 4))
		test.That(t, ok, test.ShouldBeTrue)
		test.That(t, len(pts), test.ShouldEqual, 12)
		// first the interior column 1 from the bottom row up
		test.That(t, pts[0], test.ShouldResemble, r2.Point{X: 20, Y: 80})
		test.That(t, pts[3], test.ShouldResemble, r2.Point{X: 20, Y: 20})
		test.That(t, pts[4], test.ShouldResemble, r2.Point{X: 40, Y: 80})
	})

	t.Run("size mismatch", func(t *testing.T) {
		_, ok := BoardToCorners(pattern, Board{Idx: testutils.GridIndex(5, 5)}, gridCorners(5, 5))
		test.That(t, ok, test.ShouldBeFalse)
		// same number of corners as the pattern, laid out as 2x6 or 6x2
		for _, shape := range [][2]int{{6, 2}, {2, 6}} {
			_, ok = BoardToCorners(pattern, Board{Idx: testutils.GridIndex(shape[0], shape[1])}, gridCorners(shape[0], shape[1]))
			test.That(t, ok, test.ShouldBeFalse)
		}
		wide := Pattern{Width: 6, Height: 4, SideLength: 1}
		_, ok = BoardToCorners(wide, Board{Idx: testutils.GridIndex(8, 3)}, gridCorners(8, 3))
		test.That(t, ok, test.ShouldBeFalse)
		_, ok = BoardToCorners(pattern, Board{Idx: [][]int{{0}}}, corners)
		test.That(t, ok, test.ShouldBeFalse)
		_, ok = BoardToCorners(pattern, Board{Idx: [][]int{{-1, -1, -1}, {-1, 0}, {-1, -1, -1}}}, corners)
		test.That(t, ok, test.ShouldBeFalse)
	})
}

// halfDark is black left of x=50 and white elsewhere.
func halfDark() image.Image {
	img := imaging.New(200, 200, color.NRGBA{255, 255, 255, 255})
	for y := 0; y < 200; y++ {
		for x := 0; x < 50; x++ {
			img.Set(x, y, color.NRGBA{0, 0, 0, 255})
		}
	}
	return img
}

func TestBrightnessOrientation(t *testing.T) {
	pattern := Pattern{Width: 4, Height: 3, SideLength: 1}
	corners := gridCorners(4, 3)
	forward := make([]r2.Point, len(corners.Corners))
	for i, c := range corners.Corners {
		forward[i] = c.Point()
	}
	backward := lo.Reverse(append([]r2.Point(nil), forward...))
	test.That(t, backward[0], test.ShouldResemble, forward[len(forward)-1])

	img := halfDark()
	orientation := BrightnessOrientation{}
	// the first cell is dark and the last is bright, so forward is canonical
	test.That(t, orientation.Canonicalize(img, pattern, forward), test.ShouldResemble, forward)
	test.That(t, orientation.Canonicalize(img, pattern, backward), test.ShouldResemble, forward)

	// the input is not modified
	test.That(t, backward[0], test.ShouldResemble, forward[len(forward)-1])

	test.That(t, IdentityOrientation{}.Canonicalize(img, pattern, backward), test.ShouldResemble, backward)
	test.That(t, orientation.Canonicalize(nil, pattern, backward), test.ShouldResemble, backward)

	// uniform image: the sequence starting at the top-left corner wins either way
	blank := testutils.BlankFrame()
	test.That(t, orientation.Canonicalize(blank, pattern, forward), test.ShouldResemble, forward)
	test.That(t, orientation.Canonicalize(blank, pattern, backward), test.ShouldResemble, forward)

	// centroids outside the image are clamped to the border
	far := []r2.Point{}
	for i := 0; i < 12; i++ {
		far = append(far, r2.Point{X: float64(-100 + 50*i), Y: 1000})
	}
	test.That(t, len(orientation.Canonicalize(img, pattern, far)), test.ShouldEqual, 12)
}

func TestPatternMatcher(t *testing.T) {
	pattern := Pattern{Width: 4, Height: 3, SideLength: 1}
	matcher := NewPatternMatcher(pattern)
	corners := gridCorners(4, 3)
	img := halfDark()

	bad := testutils.GridIndex(4, 3)
	bad[1][1] = -1
	pts, ok := matcher.Match(img, corners, []Board{{Idx: bad}, {Idx: testutils.GridIndex(4, 3)}})
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, len(pts), test.ShouldEqual, 12)

	_, ok = matcher.Match(img, corners, []Board{{Idx: bad}})
	test.That(t, ok, test.ShouldBeFalse)
	_, ok = matcher.Match(img, corners, nil)
	test.That(t, ok, test.ShouldBeFalse)

	// same board seen in reverse order decodes to the same sequence
	reversed := &CornerSet{Corners: lo.Reverse(append([]Corner(nil), corners.Corners...))}
	pts2, ok := matcher.Match(img, reversed, []Board{{Idx: testutils.GridIndex(4, 3)}})
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, pts2, test.ShouldResemble, pts)
}
