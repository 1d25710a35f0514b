// Copyright (c) Slipway Authors.
// SPDX-License-Identifier: BSD-3-Clause

package run

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"
	"slipway.dev/config"
	"slipway.dev/logging"
	"slipway.dev/server"
)

type Command struct {
	flags struct {
		config       string
		baseID       uint64
		restartEpoch uint64
		concurrency  int
		drainTime    time.Duration
	}

	ffcli.Command
}

func NewCommand() *ffcli.Command {
	c := new(Command)

	c.Name = "run"
	c.ShortUsage = "slipway run [flags]"
	c.ShortHelp = "run the proxy"

	c.FlagSet = flag.NewFlagSet(filepath.Base(os.Args[0]), flag.ContinueOnError)
	c.FlagSet.StringVar(&c.flags.config, "config", "", "configuration file path")
	c.FlagSet.Uint64Var(&c.flags.baseID, "base-id", 0, "base id for shared memory and domain sockets; lets multiple instances coexist")
	c.FlagSet.Uint64Var(&c.flags.restartEpoch, "restart-epoch", 0, "hot restart generation, 0 for the first")
	c.FlagSet.IntVar(&c.flags.concurrency, "concurrency", 0, "number of workers (0 = one per cpu)")
	c.FlagSet.DurationVar(&c.flags.drainTime, "drain-time", 0, "how long the parent generation lingers after a hot restart")
	c.FlagSet.BoolVar(&logging.Verbose, "v", false, "enable verbose debug logging")

	c.Options = []ff.Option{ff.WithEnvVarPrefix("SLIPWAY")}
	c.Exec = c.exec
	return &c.Command
}

func (c *Command) exec(ctx context.Context, args []string) error {
	logging.Init()

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

	s, err := server.New(server.Options{
		ConfigPath:   c.flags.config,
		BaseID:       c.flags.baseID,
		RestartEpoch: c.flags.restartEpoch,
		Concurrency:  c.flags.concurrency,
		DrainTime:    c.flags.drainTime,
	}, cfg)
	if err != nil {
		return err
	}
	return s.Run()
}
