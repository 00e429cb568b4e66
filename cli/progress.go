package cli

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/pterm/pterm"

	"go.viam.com/rigcalib/calibration"
)

// timeRounding is the precision unit durations are printed with.
const timeRounding = 100 * time.Millisecond

type progressBar interface {
	Set(processed, total int)
	Success(message string)
	Fail(message string)
}

type progressBarFactory func(title string, total int) (progressBar, error)

// ptermBar draws a unit on a line of a shared pterm multi printer.
type ptermBar struct {
	bar *pterm.ProgressbarPrinter
}

func (b *ptermBar) Set(processed, total int) {
	if total > 0 {
		b.bar.Total = total
	}
	if delta := processed - b.bar.Current; delta > 0 {
		b.bar.Add(delta)
	}
}

func (b *ptermBar) Success(message string) {
	b.bar.UpdateTitle(pterm.Success.Sprint(message))
	_, _ = b.bar.Stop() //nolint:errcheck
}

func (b *ptermBar) Fail(message string) {
	b.bar.UpdateTitle(pterm.Error.Sprint(message))
	_, _ = b.bar.Stop() //nolint:errcheck
}

// ProgressDisplay draws one progress bar per calibration unit. Units of a phase run at the
// same time, so every bar gets its own line.
type ProgressDisplay struct {
	mu         sync.Mutex
	multi      *pterm.MultiPrinter
	barFactory progressBarFactory
	bars       map[string]progressBar
	outcomes   map[string]calibration.UnitState
	disabled   bool
}

// ProgressDisplayOption customizes a ProgressDisplay.
type ProgressDisplayOption func(*ProgressDisplay)

// WithProgressOutput enables or disables terminal output.
func WithProgressOutput(enabled bool) ProgressDisplayOption {
	return func(d *ProgressDisplay) {
		d.disabled = !enabled
	}
}

func withProgressBarFactory(factory progressBarFactory) ProgressDisplayOption {
	return func(d *ProgressDisplay) {
		d.barFactory = factory
	}
}

// NewProgressDisplay returns a display drawing to out.
func NewProgressDisplay(out io.Writer, opts ...ProgressDisplayOption) *ProgressDisplay {
	d := &ProgressDisplay{
		bars:     make(map[string]progressBar),
		outcomes: make(map[string]calibration.UnitState),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.barFactory == nil {
		multi := pterm.DefaultMultiPrinter.WithWriter(out)
		d.multi = multi
		d.barFactory = func(title string, total int) (progressBar, error) {
			if !d.multiStarted() {
				if _, err := multi.Start(); err != nil {
					return nil, err
				}
			}
			bar, err := pterm.DefaultProgressbar.
				WithTotal(total).
				WithTitle(title).
				WithRemoveWhenDone(false).
				WithWriter(multi.NewWriter()).
				Start()
			if err != nil {
				return nil, err
			}
			return &ptermBar{bar: bar}, nil
		}
	}
	return d
}

func (d *ProgressDisplay) multiStarted() bool {
	return d.multi != nil && d.multi.IsActive
}

// Listener returns the calibration listener of unit.
func (d *ProgressDisplay) Listener(unit calibration.Unit) calibration.Listener {
	return calibration.ListenerFuncs{
		OnProgress: func(ev calibration.ProgressEvent) { d.progress(ev) },
		OnDone:     func(ev calibration.UnitEvent) { d.done(ev) },
	}
}

func (d *ProgressDisplay) progress(ev calibration.ProgressEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.disabled || ev.Total <= 0 {
		return
	}
	bar, err := d.barLocked(ev.Unit, ev.Total)
	if err != nil {
		return
	}
	bar.Set(ev.Processed, ev.Total)
}

// barLocked returns the bar of unit, creating it on first use. It assumes the lock is held.
func (d *ProgressDisplay) barLocked(unit calibration.Unit, total int) (progressBar, error) {
	if bar, ok := d.bars[unit.String()]; ok {
		return bar, nil
	}
	if total <= 0 {
		total = 1
	}
	bar, err := d.barFactory(unit.String(), total)
	if err != nil {
		return nil, fmt.Errorf("failed to start progress bar of %s: %w", unit, err)
	}
	d.bars[unit.String()] = bar
	return bar, nil
}

func (d *ProgressDisplay) done(ev calibration.UnitEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.outcomes[ev.Unit.String()] = ev.State
	if d.disabled {
		return
	}
	bar, err := d.barLocked(ev.Unit, 0)
	if err != nil {
		return
	}
	switch ev.State {
	case calibration.StateSucceeded:
		msg := fmt.Sprintf("%s (%s)", ev.Unit, ev.Duration.Round(timeRounding))
		if ev.Warning != nil {
			msg += ": " + ev.Warning.Error()
		}
		bar.Success(msg)
	case calibration.StateFailed:
		bar.Fail(fmt.Sprintf("%s: %v", ev.Unit, ev.Err))
	default:
		bar.Fail(fmt.Sprintf("%s: %s", ev.Unit, ev.State))
	}
}

// Outcomes returns the terminal state of every unit that finished, keyed by unit name.
func (d *ProgressDisplay) Outcomes() map[string]calibration.UnitState {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]calibration.UnitState, len(d.outcomes))
	for k, v := range d.outcomes {
		out[k] = v
	}
	return out
}

// Units lists the units with a bar, sorted.
func (d *ProgressDisplay) Units() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	units := make([]string, 0, len(d.bars))
	for name := range d.bars {
		units = append(units, name)
	}
	sort.Strings(units)
	return units
}

// Stop stops drawing.
func (d *ProgressDisplay) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.multiStarted() {
		_, _ = d.multi.Stop() //nolint:errcheck
	}
}
