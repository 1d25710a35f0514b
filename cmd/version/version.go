// Copyright (c) Slipway Authors.
// SPDX-License-Identifier: BSD-3-Clause

package version

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"runtime/debug"

	"github.com/peterbourgon/ff/v3/ffcli"
	"golang.org/x/sys/unix"
	"slipway.dev/hotrestart"
)

var (
	Release    = "b000"
	CommitHash = "unknown"
	CommitTime = "unknown"
	BuildTime  = "unknown"
)

type Command struct {
	flags struct {
		json bool
	}

	ffcli.Command
}

func NewCommand() *ffcli.Command {
	c := new(Command)

	c.Name = "version"
	c.ShortUsage = "slipway version [flags]"
	c.ShortHelp = "print slipway version"

	c.FlagSet = flag.NewFlagSet("", flag.ContinueOnError)
	c.FlagSet.BoolVar(&c.flags.json, "json", false, "output in JSON format")

	c.Exec = c.entrypoint
	return &c.Command
}

func cstr(b []byte) string {
	end := bytes.IndexByte(b, 0)
	if end != -1 {
		return string(b[:end])
	}
	return string(b)
}

func (c *Command) entrypoint(ctx context.Context, args []string) error {
	fmt.Printf("%s\n", Full(c.flags.json))
	return nil
}

// HotRestartVersion stamps the shared memory and RPC layout. A parent and
// child whose versions differ cannot hot restart into each other.
func HotRestartVersion() string {
	return fmt.Sprintf("%d", hotrestart.Version)
}

func Full(isJSON bool) string {
	buildGoVersion, buildOS, buildArch := "unknown", "unknown", "unknown"
	if info, ok := debug.ReadBuildInfo(); ok {
		buildGoVersion = info.GoVersion
		for _, s := range info.Settings {
			switch s.Key {
			case "GOOS":
				buildOS = s.Value
			case "GOARCH":
				buildArch = s.Value
			}
		}
	}

	kernelName, kernelVersion, kernelArch := "Unknown", "unknown", "unknown"
	var buf unix.Utsname
	if err := unix.Uname(&buf); err == nil {
		kernelName = cstr(buf.Sysname[:])
		kernelVersion = cstr(buf.Release[:])
		kernelArch = cstr(buf.Machine[:])
	}

	if isJSON {
		b, _ := json.Marshal(map[string]string{
			"release":            Release,
			"commit_hash":        CommitHash,
			"commit_time":        CommitTime,
			"build_time":         BuildTime,
			"build_go_version":   buildGoVersion,
			"build_os":           buildOS,
			"build_arch":         buildArch,
			"kernel_name":        kernelName,
			"kernel_version":     kernelVersion,
			"kernel_arch":        kernelArch,
			"hot_restart_version": HotRestartVersion(),
		})
		return string(b)
	}

	return fmt.Sprintf("slipway %s (%s; hot restart layout v%s; built with %s for %s/%s; running on %s %s %s)",
		Release, CommitHash, HotRestartVersion(), buildGoVersion, buildOS, buildArch, kernelName, kernelVersion, kernelArch)
}
