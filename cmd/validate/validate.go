// Copyright (c) Slipway Authors.
// SPDX-License-Identifier: BSD-3-Clause

package validate

import (
	"context"
	"flag"
	"fmt"

	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"
	"slipway.dev/config"
	"slipway.dev/filter"
)

type Command struct {
	flags struct {
		config string
	}
	ffcli.Command
}

func NewCommand() *ffcli.Command {
	c := new(Command)

	c.Name = "validate"
	c.ShortUsage = "slipway validate -config <file>"
	c.ShortHelp = "validate a configuration file without starting the server"

	c.FlagSet = flag.NewFlagSet("validate", flag.ContinueOnError)
	c.FlagSet.StringVar(&c.flags.config, "config", "", "configuration file path")

	c.Options = []ff.Option{ff.WithEnvVarPrefix("SLIPWAY")}
	c.Exec = c.exec
	return &c.Command
}

func (c *Command) exec(ctx context.Context, args []string) error {
	if c.flags.config == "" {
		return fmt.Errorf("no configuration file provided via -config flag")
	}

	cfg, err := config.Load(c.flags.config)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	for _, l := range cfg.Listeners {
		if _, err := filter.Resolve(l.Filters); err != nil {
			return fmt.Errorf("listener %s: %w", l.Address, err)
		}
	}

	fmt.Printf("%s is valid\n", c.flags.config)
	return nil
}
