// Package cli contains the rigcal command line tool.
package cli

import (
	"io"

	"github.com/urfave/cli/v2"
)

const (
	// Flags.
	flagConfig      = "config"
	flagDebug       = "debug"
	flagLogFile     = "log-file"
	flagWorkers     = "workers"
	flagDebugImages = "debug-images"
	flagNoProgress  = "no-progress"
	flagDir         = "dir"
	flagJSON        = "json"
)

// NewApp returns a new app with the CLI API, Writer set to out, and ErrWriter
// set to errOut.
func NewApp(out, errOut io.Writer) *cli.App {
	return &cli.App{
		Name:            "rigcal",
		Usage:           "calibrate multi-camera rigs from checkerboard recordings",
		HideHelpCommand: true,
		Writer:          out,
		ErrWriter:       errOut,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    flagDebug,
				Aliases: []string{"vvv"},
				Usage:   "enable debug logging",
			},
			&cli.StringFlag{
				Name:  flagLogFile,
				Usage: "also write logs to a rotated `FILE`",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "calibrate",
				Usage:     "calibrate the intrinsics of every camera and the extrinsics of every camera pair",
				UsageText: "rigcal calibrate --config <config.json> [--workers <n>]",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     flagConfig,
						Aliases:  []string{"c"},
						Usage:    "load calibration configuration from `FILE`",
						Required: true,
					},
					&cli.IntFlag{
						Name:  flagWorkers,
						Usage: "number of units calibrated at the same time (defaults to the config, then the CPU count)",
					},
					&cli.BoolFlag{
						Name:  flagDebugImages,
						Usage: "draw the detected boards of every used frame",
					},
					&cli.BoolFlag{
						Name:  flagNoProgress,
						Usage: "do not draw progress bars",
					},
				},
				Action: CalibrateAction,
			},
			{
				Name:  "validate",
				Usage: "check a calibration configuration and list the units it runs",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     flagConfig,
						Aliases:  []string{"c"},
						Usage:    "load calibration configuration from `FILE`",
						Required: true,
					},
				},
				Action: ValidateAction,
			},
			{
				Name:  "show",
				Usage: "print the calibration results of a calibration set",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     flagDir,
						Usage:    "calibration set `DIR` (<output_dir>/<name>)",
						Required: true,
					},
					&cli.BoolFlag{
						Name:  flagJSON,
						Usage: "print the results as JSON",
					},
				},
				Action: ShowAction,
			},
			{
				Name:   "schema",
				Usage:  "print the JSON schema of the calibration configuration",
				Action: SchemaAction,
			},
		},
	}
}
