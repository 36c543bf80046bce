// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/loomworks/loom/lib/config"
	"github.com/loomworks/loom/lib/version"
)

func main() {
	if err := run(); err != nil {
		// Commands that speak for themselves (like a failed workflow
		// run, which prints its own report) return an exitError with
		// the desired code. Don't print a redundant "error:" line for
		// those.
		if coder, ok := err.(interface{ ExitCode() int }); ok {
			os.Exit(coder.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	args := os.Args[1:]
	if len(args) == 0 {
		printUsage(os.Stderr)
		return fmt.Errorf("subcommand required")
	}

	switch args[0] {
	case "run":
		return runCommand(args[1:])
	case "validate":
		return validateCommand(args[1:])
	case "expand":
		return expandCommand(args[1:])
	case "history":
		return historyCommand(args[1:])
	case "version", "--version":
		version.Print("loom")
		return nil
	case "help", "--help", "-h":
		printUsage(os.Stdout)
		return nil
	default:
		printUsage(os.Stderr)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `loom drives CI workflow graphs.

Usage:
  loom <command> [flags]

Commands:
  run        execute a workflow definition for a trigger event
  validate   check a workflow definition without running it
  expand     print the expanded job instances for an event
  history    show recent journaled runs of a workflow
  version    print build information

Run 'loom <command> --help' for command flags.
`)
}

// exitError carries a process exit code for outcomes that have already
// been reported to the user.
type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("exit code %d", e.code) }

func (e *exitError) ExitCode() int { return e.code }

// loadConfig resolves the configuration: an explicit --config path
// wins, then LOOM_CONFIG, then built-in development defaults.
func loadConfig(path string) (*config.Config, error) {
	var cfg *config.Config
	var err error
	switch {
	case path != "":
		cfg, err = config.LoadFile(path)
	case os.Getenv("LOOM_CONFIG") != "":
		cfg, err = config.Load()
	default:
		cfg = config.Default()
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newLogger builds the CLI logger: human-oriented text on stderr,
// debug level when verbose.
func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// newFlagSet creates a pflag set with the CLI-standard error mode.
func newFlagSet(name string) *pflag.FlagSet {
	flagSet := pflag.NewFlagSet(name, pflag.ContinueOnError)
	flagSet.SortFlags = false
	return flagSet
}
