// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/loomworks/loom/lib/history"
)

func historyCommand(args []string) error {
	flagSet := newFlagSet("loom history")
	configPath := flagSet.String("config", "", "path to loom.yaml (default: $LOOM_CONFIG)")
	limit := flagSet.IntP("limit", "n", 20, "maximum runs to show")
	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if flagSet.NArg() != 1 {
		return fmt.Errorf("usage: loom history [flags] <workflow-name>")
	}
	workflow := flagSet.Arg(0)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	journal, err := history.Open(history.Config{Path: cfg.History.Database})
	if err != nil {
		return err
	}
	defer journal.Close()

	entries, err := journal.RecentRuns(context.Background(), workflow, *limit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Printf("no journaled runs for workflow %q\n", workflow)
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "FINISHED\tSTATE\tJOB\tEVENT\tREF\tDURATION\tEXIT")
	for _, entry := range entries {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
			entry.FinishedAt.Local().Format(time.DateTime),
			entry.State,
			entry.Job,
			entry.Event,
			entry.Ref,
			entry.Duration.Round(time.Millisecond),
			entry.ExitCode,
		)
	}
	return writer.Flush()
}
