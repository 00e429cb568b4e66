package calibration

import (
	"time"

	"go.viam.com/rigcalib/rimage/calibrate"
)

// ProgressEvent is how far a unit got through its recordings. For a pair, both recordings count.
type ProgressEvent struct {
	Unit      Unit
	Processed int
	Total     int
}

// UnitEvent is the terminal event of a unit. Exactly one of Intrinsics and Extrinsics is set
// when State is StateSucceeded; Err is set when State is StateFailed.
type UnitEvent struct {
	Unit       Unit
	State      UnitState
	Intrinsics *calibrate.IntrinsicsResult
	Extrinsics *calibrate.ExtrinsicsResult
	Err        error
	// Warning is calibrate.ErrFitDidNotConverge for a result whose fit ran out of iterations.
	Warning  error
	Duration time.Duration
}

// Listener receives the events of a single unit, in order, from the goroutine running it.
type Listener interface {
	Progress(ev ProgressEvent)
	Done(ev UnitEvent)
}

// ListenerFactory returns the listener of a unit, or nil for none. It is called once per unit.
type ListenerFactory func(unit Unit) Listener

// ListenerFuncs adapts functions to a Listener. Nil functions are skipped.
type ListenerFuncs struct {
	OnProgress func(ev ProgressEvent)
	OnDone     func(ev UnitEvent)
}

// Progress calls OnProgress.
func (l ListenerFuncs) Progress(ev ProgressEvent) {
	if l.OnProgress != nil {
		l.OnProgress(ev)
	}
}

// Done calls OnDone.
func (l ListenerFuncs) Done(ev UnitEvent) {
	if l.OnDone != nil {
		l.OnDone(ev)
	}
}

type noopListener struct{}

func (noopListener) Progress(ProgressEvent) {}

func (noopListener) Done(UnitEvent) {}
