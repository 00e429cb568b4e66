// Package main is the rigcal command itself.
package main

import (
	"os"

	"go.viam.com/rigcalib/cli"
	"go.viam.com/rigcalib/logging"
)

func main() {
	app := cli.NewApp(os.Stdout, os.Stderr)
	if err := app.Run(os.Args); err != nil {
		logging.Global().Error(err)
		os.Exit(1)
	}
}
