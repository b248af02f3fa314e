// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"flag"
	"io"
	"os"
	"strings"

	"github.com/alecthomas/kingpin/v2"
	"github.com/efficientgo/core/logerrcapture"
	"github.com/go-kit/log"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/grafana/pixelmem/pkg/memory"
)

// configSource collects the allocator configuration from a YAML file and flag overrides.
type configSource struct {
	file      string
	overrides []string
}

func (s *configSource) register(cmd *kingpin.CmdClause) {
	cmd.Flag("config.file", "YAML file with the memory allocator configuration.").StringVar(&s.file)
	cmd.Flag("set", "Override an allocator flag, e.g. --set memory.trim-rate=0.25. Can be repeated.").StringsVar(&s.overrides)
}

// load returns the default configuration, overridden by the YAML file and then
// by the flag overrides.
func (s *configSource) load(logger log.Logger) (memory.Config, error) {
	var cfg memory.Config
	fs := flag.NewFlagSet("pixelmemtool", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	cfg.RegisterFlags(fs)

	if s.file != "" {
		if err := s.decodeFile(&cfg, logger); err != nil {
			return cfg, err
		}
	}

	args := make([]string, 0, len(s.overrides))
	for _, o := range s.overrides {
		args = append(args, "-"+strings.TrimLeft(o, "-"))
	}
	if err := fs.Parse(args); err != nil {
		return cfg, errors.Wrap(err, "invalid allocator flag override")
	}

	return cfg, errors.Wrap(cfg.Validate(), "invalid allocator configuration")
}

func (s *configSource) decodeFile(cfg *memory.Config, logger log.Logger) error {
	f, err := os.Open(s.file)
	if err != nil {
		return errors.Wrap(err, "could not read config file")
	}
	defer logerrcapture.Do(logger, f.Close, "close config file %s", s.file)

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return errors.Wrapf(err, "could not parse config file %s", s.file)
	}
	return nil
}
