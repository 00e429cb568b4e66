package calibrate

import (
	"testing"

	"go.viam.com/test"
)

func TestSampleIndices(t *testing.T) {
	indices := SampleIndices(100, 10)
	test.That(t, indices, test.ShouldResemble, []int{0, 10, 20, 30, 40, 50, 60, 70, 80, 90})

	test.That(t, SampleIndices(5, 10), test.ShouldResemble, []int{0, 1, 2, 3, 4})
	test.That(t, SampleIndices(0, 10), test.ShouldBeEmpty)
	test.That(t, SampleIndices(10, 0), test.ShouldBeEmpty)

	for total := 1; total < 200; total += 7 {
		for target := 1; target < 60; target += 5 {
			indices := SampleIndices(total, target)
			want := target
			if total < want {
				want = total
			}
			test.That(t, len(indices), test.ShouldEqual, want)
			for i := 1; i < len(indices); i++ {
				test.That(t, indices[i], test.ShouldBeGreaterThan, indices[i-1])
			}
			test.That(t, indices[0], test.ShouldEqual, 0)
			test.That(t, indices[len(indices)-1], test.ShouldBeLessThan, total)
			// the last pick is within one stride of the end
			stride := float64(total) / float64(want)
			test.That(t, float64(indices[len(indices)-1]), test.ShouldBeGreaterThanOrEqualTo, float64(total)-stride-1)
		}
	}
}

func TestSampleCorrespondences(t *testing.T) {
	sets := make([]CorrespondenceSet, 7)
	for i := range sets {
		sets[i].FrameIndex = i * 41
	}
	sampled := SampleCorrespondences(sets, 3)
	test.That(t, len(sampled), test.ShouldEqual, 3)
	test.That(t, sampled[0].FrameIndex, test.ShouldEqual, 0)
	test.That(t, sampled[1].FrameIndex, test.ShouldEqual, 2*41)
	test.That(t, sampled[2].FrameIndex, test.ShouldEqual, 4*41)

	test.That(t, SampleCorrespondences(sets, 100), test.ShouldResemble, sets)
	test.That(t, SampleCorrespondences([]CorrespondenceSet{}, 4), test.ShouldBeEmpty)
}
