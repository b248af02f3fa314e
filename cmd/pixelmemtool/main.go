// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"os"

	"github.com/alecthomas/kingpin/v2"
)

var (
	logConfig       LoggerConfig
	defaultsCommand DefaultsCommand
	stressCommand   StressCommand
)

func main() {
	app := kingpin.New("pixelmemtool", "A command-line tool to inspect and exercise the pixel memory allocator.")

	// Register logger first so its PreAction runs before others
	logConfig.Register(app)

	defaultsCommand.Register(app, os.Stdout, &logConfig)
	stressCommand.Register(app, os.Stdout, &logConfig)

	kingpin.MustParse(app.Parse(os.Args[1:]))
}
