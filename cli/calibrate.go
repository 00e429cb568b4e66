package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	goutils "go.viam.com/utils"

	"go.viam.com/rigcalib/calibration"
	"go.viam.com/rigcalib/calibration/store"
	"go.viam.com/rigcalib/logging"
)

// newLogger returns the logger of a command and the function closing its log file.
func newLogger(c *cli.Context) (logging.Logger, func()) {
	logger := logging.NewLogger("rigcal")
	if c.Bool(flagDebug) {
		logger.SetLevel(logging.DEBUG)
	}
	closeLog := func() {}
	if path := c.String(flagLogFile); path != "" {
		appender, closer := logging.NewFileAppender(path)
		logger.AddAppender(appender)
		closeLog = func() {
			goutils.UncheckedError(logger.Sync())
			goutils.UncheckedError(closer.Close())
		}
	}
	return logger, closeLog
}

func readConfig(c *cli.Context) (*calibration.Config, error) {
	cfg, err := calibration.Read(c.String(flagConfig))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read config %q", c.String(flagConfig))
	}
	return cfg, nil
}

// CalibrateAction runs a calibration and writes its results to <output_dir>/<name>.
func CalibrateAction(c *cli.Context) error {
	cfg, err := readConfig(c)
	if err != nil {
		return err
	}
	if c.IsSet(flagWorkers) {
		if c.Int(flagWorkers) < 1 {
			return errors.Errorf("--%s must be at least 1, got %d", flagWorkers, c.Int(flagWorkers))
		}
		cfg.MaxWorkers = c.Int(flagWorkers)
	}
	if c.Bool(flagDebugImages) {
		cfg.SaveDebugImages = true
	}

	logger, closeLog := newLogger(c)
	defer closeLog()

	results, err := store.NewFileStore(cfg.SetDir(), logger)
	if err != nil {
		return err
	}
	opts := calibration.Options{Store: results}
	display := NewProgressDisplay(c.App.Writer, WithProgressOutput(!c.Bool(flagNoProgress)))
	opts.Listeners = display.Listener

	scheduler, err := calibration.NewScheduler(cfg, logger, opts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	report, err := scheduler.Run(ctx)
	display.Stop()
	if report != nil {
		printf(c.App.Writer, "%s", report)
	}
	if err != nil {
		return err
	}

	switch {
	case report.Cancelled:
		return errors.New("calibration cancelled")
	case !report.AllSucceeded():
		return errors.Errorf("%d of %d calibration units did not succeed", len(report.Units)-report.Counts()[calibration.StateSucceeded],
			len(report.Units))
	}
	printf(c.App.Writer, "results written to %s", results.Dir())
	return nil
}

// ValidateAction reads a config and lists its units.
func ValidateAction(c *cli.Context) error {
	cfg, err := readConfig(c)
	if err != nil {
		return err
	}
	printf(c.App.Writer, "calibration %s writes to %s", cfg.Name, cfg.SetDir())
	t := table.NewWriter()
	t.AppendHeader(table.Row{"Kind", "Unit", "Frames"})
	if cfg.IntrinsicsEnabled() {
		for _, cam := range cfg.Cameras {
			t.AppendRow(table.Row{string(calibration.IntrinsicsUnit), cam, cfg.FramesForIntrinsics})
		}
	}
	if cfg.ExtrinsicsEnabled() {
		for _, pair := range cfg.Pairs() {
			t.AppendRow(table.Row{string(calibration.ExtrinsicsUnit), pair.ID(), cfg.FramesForExtrinsics})
		}
	}
	printf(c.App.Writer, "%s", t.Render())
	return nil
}

// ShowAction prints the results stored in a calibration set.
func ShowAction(c *cli.Context) error {
	dir := c.String(flagDir)
	results, err := store.Load(dir)
	if err != nil {
		return err
	}
	summary, err := store.ReadSummary(dir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	if c.Bool(flagJSON) {
		return writeJSON(c.App.Writer, showOutput{Results: results, Summary: summary})
	}

	intr := table.NewWriter()
	intr.SetTitle("Intrinsics")
	intr.AppendHeader(table.Row{"Camera", "Size", "fx", "fy", "cx", "cy", "k1", "k2", "p1", "p2", "k3", "Error"})
	for _, cam := range results.Cameras() {
		res, _ := results.Intrinsics(cam)
		in, d := res.Intrinsics, res.Distortion
		intr.AppendRow(table.Row{
			cam, fmt.Sprintf("%dx%d", in.Width, in.Height),
			f4(in.Fx), f4(in.Fy), f4(in.Ppx), f4(in.Ppy),
			f4(d.RadialK1), f4(d.RadialK2), f4(d.TangentialP1), f4(d.TangentialP2), f4(d.RadialK3),
			f4(res.ReprojectionError),
		})
	}
	printf(c.App.Writer, "%s", intr.Render())

	if pairs := results.Pairs(); len(pairs) > 0 {
		extr := table.NewWriter()
		extr.SetTitle("Extrinsics")
		extr.AppendHeader(table.Row{"Pair", "tx", "ty", "tz", "Baseline", "Error"})
		for _, id := range pairs {
			res, _ := results.Extrinsics(id)
			tr := res.Translation
			extr.AppendRow(table.Row{id, f4(tr.X), f4(tr.Y), f4(tr.Z), f4(tr.Norm()), f4(res.ReprojectionError)})
		}
		printf(c.App.Writer, "%s", extr.Render())
	}

	if summary != nil {
		printf(c.App.Writer, "run %s took %s", summary.RunID, summary.Finished.Sub(summary.Started).Round(timeRounding))
		units := table.NewWriter()
		units.AppendHeader(table.Row{"Kind", "Unit", "State", "Detail"})
		for _, u := range summary.Units {
			detail := u.Error
			if detail == "" {
				detail = u.Warning
			}
			units.AppendRow(table.Row{u.Kind, u.ID, u.State, detail})
		}
		printf(c.App.Writer, "%s", units.Render())
	}
	return nil
}

type showOutput struct {
	Results *store.MemoryStore
	Summary *store.Summary
}

// MarshalJSON lists the results by camera and by pair.
func (o showOutput) MarshalJSON() ([]byte, error) {
	out := struct {
		Intrinsics map[string]interface{} `json:"intrinsics"`
		Extrinsics map[string]interface{} `json:"extrinsics"`
		Summary    *store.Summary         `json:"summary,omitempty"`
	}{map[string]interface{}{}, map[string]interface{}{}, o.Summary}
	for _, cam := range o.Results.Cameras() {
		res, _ := o.Results.Intrinsics(cam)
		out.Intrinsics[cam] = res
	}
	for _, id := range o.Results.Pairs() {
		res, _ := o.Results.Extrinsics(id)
		out.Extrinsics[id] = res
	}
	return json.Marshal(out)
}

// SchemaAction prints the JSON schema of the config.
func SchemaAction(c *cli.Context) error {
	return writeJSON(c.App.Writer, calibration.Schema())
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func f4(v float64) string {
	return fmt.Sprintf("%.4f", v)
}

// printf prints a message with a newline to w.
func printf(w io.Writer, format string, a ...interface{}) {
	//nolint:errcheck
	fmt.Fprintf(w, format+"\n", a...)
}
