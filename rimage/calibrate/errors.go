package calibrate

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrSourceUnreadable is when a recording cannot be opened or has no frames.
	ErrSourceUnreadable = errors.New("source unreadable")
	// ErrNoPatternDetected is when no frame produced an accepted board.
	ErrNoPatternDetected = errors.New("no valid pattern detected")
	// ErrInsufficientSamples is when too few correspondence sets remain to fit.
	ErrInsufficientSamples = errors.New("insufficient samples")
	// ErrFitDidNotConverge marks a result whose fit exhausted its iteration budget. It is a
	// warning attached to a result, never returned as a failure.
	ErrFitDidNotConverge = errors.New("fit did not converge")
	// ErrCancelled is returned by long running steps that observed cancellation.
	ErrCancelled = errors.New("calibration cancelled")
)

// CalibrationError is a failure of one calibration unit.
type CalibrationError struct {
	Unit  string
	Kind  error
	Cause error
}

// NewCalibrationError returns an error of the given kind for unit.
func NewCalibrationError(unit string, kind, cause error) *CalibrationError {
	return &CalibrationError{Unit: unit, Kind: kind, Cause: cause}
}

func (e *CalibrationError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %v", e.Unit, e.Kind)
	}
	// the cause already names the kind
	if errors.Is(e.Cause, e.Kind) {
		return fmt.Sprintf("%s: %v", e.Unit, e.Cause)
	}
	return fmt.Sprintf("%s: %v: %v", e.Unit, e.Kind, e.Cause)
}

// Unwrap lets errors.Is match both the kind sentinel and the cause.
func (e *CalibrationError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}
