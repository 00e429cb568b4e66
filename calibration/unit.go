package calibration

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

// UnitKind is what a unit calibrates.
type UnitKind string

// The kinds of unit, run in this order.
const (
	IntrinsicsUnit = UnitKind("intrinsics")
	ExtrinsicsUnit = UnitKind("extrinsics")
)

// Unit is one camera or one camera pair of a run.
type Unit struct {
	ID   string
	Kind UnitKind
	// Cameras is the camera, or the primary and secondary camera of the pair.
	Cameras []string
}

func (u Unit) String() string {
	return fmt.Sprintf("%s.%s", u.Kind, u.ID)
}

func intrinsicsUnit(camera string) Unit {
	return Unit{ID: camera, Kind: IntrinsicsUnit, Cameras: []string{camera}}
}

func extrinsicsUnit(pair CameraPair) Unit {
	return Unit{ID: pair.ID(), Kind: ExtrinsicsUnit, Cameras: []string{pair.Primary, pair.Secondary}}
}

// UnitState is where a unit is in its lifecycle.
type UnitState int

// Pending units move to Running, and Running units to one of the terminal states.
const (
	StatePending UnitState = iota
	StateRunning
	StateSucceeded
	StateFailed
	StateCancelled
)

func (s UnitState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("UnitState(%d)", int(s))
	}
}

// Terminal is whether no transition leaves s.
func (s UnitState) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// errInvalidTransition is returned for a transition the lifecycle does not allow.
var errInvalidTransition = errors.New("invalid unit state transition")

func canTransition(from, to UnitState) bool {
	switch from {
	case StatePending:
		// a pending unit is cancelled without running when the run is cancelled first
		return to == StateRunning || to == StateCancelled
	case StateRunning:
		return to.Terminal()
	case StateSucceeded, StateFailed, StateCancelled:
		return false
	default:
		return false
	}
}

// unitState is the state of one unit, guarded for concurrent readers.
type unitState struct {
	mu    sync.Mutex
	state UnitState
}

func (u *unitState) get() UnitState {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

func (u *unitState) transition(to UnitState) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !canTransition(u.state, to) {
		return errors.Wrapf(errInvalidTransition, "%s -> %s", u.state, to)
	}
	u.state = to
	return nil
}
