package calibration

import (
	"errors"
	"sync"
	"testing"
	"time"

	"go.viam.com/test"
)

func TestUnitStateTransitions(t *testing.T) {
	var st unitState
	test.That(t, st.get(), test.ShouldEqual, StatePending)
	test.That(t, st.transition(StateSucceeded), test.ShouldNotBeNil)
	test.That(t, st.transition(StateRunning), test.ShouldBeNil)
	test.That(t, st.transition(StatePending), test.ShouldNotBeNil)
	test.That(t, st.transition(StateFailed), test.ShouldBeNil)
	test.That(t, st.get(), test.ShouldEqual, StateFailed)

	// terminal states are final
	for _, to := range []UnitState{StatePending, StateRunning, StateSucceeded, StateCancelled} {
		err := st.transition(to)
		test.That(t, errors.Is(err, errInvalidTransition), test.ShouldBeTrue)
	}

	var pending unitState
	test.That(t, pending.transition(StateCancelled), test.ShouldBeNil)
	test.That(t, StateCancelled.Terminal(), test.ShouldBeTrue)
	test.That(t, StateRunning.Terminal(), test.ShouldBeFalse)
	test.That(t, StateSucceeded.String(), test.ShouldEqual, "succeeded")
	test.That(t, UnitState(42).String(), test.ShouldEqual, "UnitState(42)")
}

func TestUnitNames(t *testing.T) {
	u := extrinsicsUnit(CameraPair{Primary: "cam0", Secondary: "cam3"})
	test.That(t, u.ID, test.ShouldEqual, "cam0-cam3")
	test.That(t, u.Cameras, test.ShouldResemble, []string{"cam0", "cam3"})
	test.That(t, u.String(), test.ShouldEqual, "extrinsics.cam0-cam3")
	test.That(t, intrinsicsUnit("cam1").String(), test.ShouldEqual, "intrinsics.cam1")
}

func TestCancellationToken(t *testing.T) {
	token := NewCancellationToken()
	test.That(t, token.IsCancelled(), test.ShouldBeFalse)
	select {
	case <-token.Done():
		t.Fatal("token done before cancel")
	default:
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token.Cancel()
		}()
	}
	wg.Wait()
	test.That(t, token.IsCancelled(), test.ShouldBeTrue)
	select {
	case <-token.Done():
	case <-time.After(time.Second):
		t.Fatal("token not done after cancel")
	}
}
