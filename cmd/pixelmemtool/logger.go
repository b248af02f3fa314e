// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"github.com/alecthomas/kingpin/v2"
	"github.com/go-kit/log"
	dslog "github.com/grafana/dskit/log"
)

// LoggerConfig is used to configure the logger shared by every command.
type LoggerConfig struct {
	level  string
	format string
	logger log.Logger
}

// Register the logger flags with the kingpin application.
func (l *LoggerConfig) Register(app *kingpin.Application) {
	app.Flag("log.level", "Only log messages with the given severity or above.").
		Default("info").EnumVar(&l.level, "debug", "info", "warn", "error")
	app.Flag("log.format", "Output log messages in the given format.").
		Default("logfmt").EnumVar(&l.format, "logfmt", "json")
	app.PreAction(l.setup)
}

func (l *LoggerConfig) setup(*kingpin.ParseContext) error {
	var lvl dslog.Level
	if err := lvl.Set(l.level); err != nil {
		return err
	}
	l.logger = dslog.NewGoKitWithLevel(lvl, l.format)
	return nil
}

// Logger returns the configured logger, or a no-op logger before flags are parsed.
func (l *LoggerConfig) Logger() log.Logger {
	if l.logger == nil {
		return log.NewNopLogger()
	}
	return l.logger
}
