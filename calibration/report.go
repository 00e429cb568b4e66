package calibration

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"go.viam.com/rigcalib/calibration/store"
	"go.viam.com/rigcalib/rimage/calibrate"
)

// UnitReport is the outcome of one unit.
type UnitReport struct {
	Unit       Unit
	State      UnitState
	Err        error
	Warning    error
	Intrinsics *calibrate.IntrinsicsResult
	Extrinsics *calibrate.ExtrinsicsResult

	Started         time.Time
	Finished        time.Time
	Duration        time.Duration
	FramesProcessed int
	FramesTotal     int
}

// fitStats returns the fit statistics of a succeeded unit.
func (u *UnitReport) fitStats() (calibrate.FitStats, bool) {
	switch {
	case u.Intrinsics != nil:
		return u.Intrinsics.FitStats, true
	case u.Extrinsics != nil:
		return u.Extrinsics.FitStats, true
	default:
		return calibrate.FitStats{}, false
	}
}

// Report is the outcome of a run. A cancelled run is partially complete: units that succeeded
// before the cancellation keep their results.
type Report struct {
	RunID     string
	Name      string
	Started   time.Time
	Finished  time.Time
	Cancelled bool
	Units     []*UnitReport
}

// AllSucceeded is whether every scheduled unit succeeded.
func (r *Report) AllSucceeded() bool {
	return len(r.Units) > 0 && lo.EveryBy(r.Units, func(u *UnitReport) bool { return u.State == StateSucceeded })
}

// Unit returns the report of the unit with the given kind and id.
func (r *Report) Unit(kind UnitKind, id string) (*UnitReport, bool) {
	return lo.Find(r.Units, func(u *UnitReport) bool { return u.Unit.Kind == kind && u.Unit.ID == id })
}

// Failed lists the failed units.
func (r *Report) Failed() []*UnitReport {
	return lo.Filter(r.Units, func(u *UnitReport, _ int) bool { return u.State == StateFailed })
}

// Counts is the number of units in each state.
func (r *Report) Counts() map[UnitState]int {
	return lo.CountValuesBy(r.Units, func(u *UnitReport) UnitState { return u.State })
}

// ErrorStats summarizes the reprojection errors of the succeeded units of one kind.
type ErrorStats struct {
	Units  int
	Mean   float64
	Median float64
	Max    float64
}

// Stats summarizes the reprojection errors of the succeeded units of kind.
func (r *Report) Stats(kind UnitKind) (ErrorStats, error) {
	var errs []float64
	for _, u := range r.Units {
		if u.Unit.Kind != kind {
			continue
		}
		if fs, ok := u.fitStats(); ok {
			errs = append(errs, fs.ReprojectionError)
		}
	}
	if len(errs) == 0 {
		return ErrorStats{}, errors.Errorf("no %s unit succeeded", kind)
	}
	out := ErrorStats{Units: len(errs)}
	var err error
	if out.Mean, err = stats.Mean(errs); err != nil {
		return ErrorStats{}, err
	}
	if out.Median, err = stats.Median(errs); err != nil {
		return ErrorStats{}, err
	}
	if out.Max, err = stats.Max(errs); err != nil {
		return ErrorStats{}, err
	}
	return out, nil
}

// Summary is the record of the run written next to the results.
func (r *Report) Summary() *store.Summary {
	s := &store.Summary{
		RunID:      r.RunID,
		Name:       r.Name,
		Started:    r.Started,
		Finished:   r.Finished,
		Intrinsics: map[string]float64{},
		Extrinsics: map[string]float64{},
	}
	for _, u := range r.Units {
		us := store.UnitSummary{
			ID:              u.Unit.ID,
			Kind:            string(u.Unit.Kind),
			State:           u.State.String(),
			DurationSeconds: u.Duration.Seconds(),
		}
		if u.Err != nil {
			us.Error = u.Err.Error()
		}
		if u.Warning != nil {
			us.Warning = u.Warning.Error()
		}
		if fs, ok := u.fitStats(); ok {
			us.ReprojectionError = fs.ReprojectionError
			us.SamplesUsed = fs.SamplesUsed
			us.RejectedFrames = fs.RejectedFrames
			if u.Unit.Kind == IntrinsicsUnit {
				s.Intrinsics[u.Unit.ID] = fs.ReprojectionError
			} else {
				s.Extrinsics[u.Unit.ID] = fs.ReprojectionError
			}
		}
		s.Units = append(s.Units, us)
	}
	return s
}

// String prints a table of every unit with its state and reprojection error.
func (r *Report) String() string {
	t := table.NewWriter()
	t.SetTitle(fmt.Sprintf("%s (run %s)", r.Name, r.RunID))
	t.AppendHeader(table.Row{"Kind", "Unit", "State", "Reprojection error", "Samples", "Rejected", "Detail"})
	for _, u := range r.Units {
		row := table.Row{string(u.Unit.Kind), u.Unit.ID, u.State.String(), "", "", "", ""}
		if fs, ok := u.fitStats(); ok {
			row[3] = fmt.Sprintf("%.4f", fs.ReprojectionError)
			row[4] = fs.SamplesUsed
			row[5] = len(fs.RejectedFrames)
		}
		switch {
		case u.Err != nil:
			row[6] = u.Err.Error()
		case u.Warning != nil:
			row[6] = u.Warning.Error()
		}
		t.AppendRow(row)
	}
	for _, kind := range []UnitKind{IntrinsicsUnit, ExtrinsicsUnit} {
		if st, err := r.Stats(kind); err == nil {
			t.AppendFooter(table.Row{string(kind), "mean/median/max", "",
				fmt.Sprintf("%.4f / %.4f / %.4f", st.Mean, st.Median, st.Max), "", "", ""})
		}
	}
	return t.Render()
}
