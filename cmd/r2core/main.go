// SPDX-FileCopyrightText: 2026 The r2core Authors
// SPDX-License-Identifier: GPL-2.0-or-later

// Command r2core is the motion coordination core's entry point: run
// starts the full runtime against a config file, validate checks a
// config file without starting anything, and selftest drives a
// memory-mapped transport through a 5%-of-travel probe move on every
// channel and back home to confirm the actuation path is wired
// correctly. The subcommand-plus-pflag shape
// follows the teacher's AppServerMain, generalized from one flat
// command to three named subcommands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/r2core/motioncore/internal/config"
	"github.com/r2core/motioncore/internal/runtime"
)

func usage() {
	fmt.Fprintf(os.Stderr, "%s - R2 unit motion coordination core\n\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "Usage:\n")
	fmt.Fprintf(os.Stderr, "  %s run --config <path>\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  %s validate <path>\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  %s selftest --config <path>\n", os.Args[0])
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(3)
	}

	sub := os.Args[1]
	flags := pflag.NewFlagSet(sub, pflag.ExitOnError)
	configPath := flags.StringP("config", "c", "", "path to the runtime configuration file")
	help := flags.BoolP("help", "h", false, "display help text")
	_ = flags.Parse(os.Args[2:])

	if *help {
		usage()
		os.Exit(0)
	}

	switch sub {
	case "run":
		os.Exit(runRuntime(*configPath))
	case "validate":
		path := *configPath
		if path == "" && flags.NArg() > 0 {
			path = flags.Arg(0)
		}
		os.Exit(runValidate(path))
	case "selftest":
		os.Exit(runSelfTest(*configPath))
	default:
		usage()
		os.Exit(3)
	}
}

func runValidate(path string) int {
	if path == "" {
		fmt.Fprintln(os.Stderr, "validate: config path required")
		return 3
	}
	if _, err := config.Load(path); err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		return 3
	}
	fmt.Println("configuration ok")
	return 0
}

func runSelfTest(path string) int {
	if path == "" {
		fmt.Fprintln(os.Stderr, "selftest: config path required")
		return 3
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		return 3
	}
	return runtime.SelfTest(cfg)
}

func runRuntime(path string) int {
	if path == "" {
		fmt.Fprintln(os.Stderr, "run: config path required")
		return 3
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		return 3
	}
	rt, err := runtime.New(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to construct runtime:", err)
		return 2
	}
	rt.Start()
	defer rt.Stop()

	fmt.Println("r2core running, press Ctrl-C to stop")
	waitForSignal()
	return 0
}
