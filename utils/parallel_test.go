package utils

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/test"
)

func TestGroupWorkParallel(t *testing.T) {
	for _, total := range []int{0, 1, 3, ParallelFactor + 5, 1000} {
		seen := make([]int32, total)
		GroupWorkParallel(total, func(groupNum, groupSize, from, to int) MemberWorkFunc {
			test.That(t, to-from, test.ShouldEqual, groupSize)
			return func(memberNum, workNum int) {
				atomic.AddInt32(&seen[workNum], 1)
			}
		})
		for _, count := range seen {
			test.That(t, count, test.ShouldEqual, int32(1))
		}
	}
}

func TestGroupWorkParallelNilMember(t *testing.T) {
	var mu sync.Mutex
	groups := 0
	GroupWorkParallel(10, func(groupNum, groupSize, from, to int) MemberWorkFunc {
		mu.Lock()
		groups++
		mu.Unlock()
		return nil
	})
	test.That(t, groups, test.ShouldBeGreaterThan, 0)
	test.That(t, groups, test.ShouldBeLessThanOrEqualTo, 10)
}

func TestStoppableWorkers(t *testing.T) {
	var count atomic.Int32
	sw := NewStoppableWorkers(context.Background())
	for i := 0; i < 4; i++ {
		sw.AddWorkers(func(ctx context.Context) {
			count.Add(1)
		})
	}
	sw.Wait()
	test.That(t, count.Load(), test.ShouldEqual, int32(4))

	blocked := make(chan struct{})
	sw.AddWorkers(func(ctx context.Context) {
		close(blocked)
		<-ctx.Done()
	})
	<-blocked
	sw.Stop()
	test.That(t, sw.Context().Err(), test.ShouldNotBeNil)

	// adding after stop is a no-op
	sw.AddWorkers(func(ctx context.Context) {
		count.Add(1)
	})
	sw.Wait()
	test.That(t, count.Load(), test.ShouldEqual, int32(4))
}

func TestStoppableWorkersParentCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sw := NewStoppableWorkers(ctx, func(ctx context.Context) {
		<-ctx.Done()
	})
	cancel()
	sw.Wait()
	test.That(t, sw.Context().Err(), test.ShouldNotBeNil)
}

func TestConfigValidationErrors(t *testing.T) {
	err := NewConfigValidationFieldRequiredError("pattern", "width")
	test.That(t, err.Error(), test.ShouldEqual, `error validating "pattern": "width" is required`)

	inner := errors.New("bad")
	err = NewConfigValidationError("cameras.0", inner)
	test.That(t, errors.Is(err, inner), test.ShouldBeTrue)
}

func TestSafeJoinDir(t *testing.T) {
	dir := t.TempDir()
	joined, err := SafeJoinDir(dir, "intrinsics/cam0.yml")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, joined, test.ShouldEqual, filepath.Join(dir, "intrinsics", "cam0.yml"))

	_, err = SafeJoinDir(dir, "../escape.yml")
	test.That(t, err, test.ShouldNotBeNil)

	nested := filepath.Join(dir, "a", "b")
	test.That(t, EnsureDir(nested), test.ShouldBeNil)
	test.That(t, EnsureDir(nested), test.ShouldBeNil)
}
