// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"fmt"
	"io"

	"github.com/alecthomas/kingpin/v2"
	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/grafana/pixelmem/pkg/memory"
)

// DefaultsCommand prints the effective allocator configuration.
type DefaultsCommand struct {
	out       io.Writer
	logConfig *LoggerConfig
	source    configSource
}

// Register the command with the kingpin application.
func (c *DefaultsCommand) Register(app *kingpin.Application, out io.Writer, logConfig *LoggerConfig) {
	c.out = out
	c.logConfig = logConfig
	cmd := app.Command("defaults", "Print the effective memory allocator configuration as YAML.").Action(c.run)
	c.source.register(cmd)
}

func (c *DefaultsCommand) run(*kingpin.ParseContext) error {
	cfg, err := c.source.load(c.logConfig.Logger())
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "# Available memory: %s\n", humanize.IBytes(memory.AvailableMemoryBytes()))
	_, err = c.out.Write(out)
	return err
}
