// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/loomworks/loom/lib/artifact"
	"github.com/loomworks/loom/lib/barrier"
	"github.com/loomworks/loom/lib/clock"
	"github.com/loomworks/loom/lib/config"
	"github.com/loomworks/loom/lib/gate"
	"github.com/loomworks/loom/lib/history"
	"github.com/loomworks/loom/lib/runner"
	"github.com/loomworks/loom/lib/scheduler"
	schema "github.com/loomworks/loom/lib/schema/workflow"
	"github.com/loomworks/loom/lib/trigger"
	"github.com/loomworks/loom/lib/workflowdef"
)

func runCommand(args []string) error {
	flagSet := newFlagSet("loom run")
	configPath := flagSet.String("config", "", "path to loom.yaml (default: $LOOM_CONFIG)")
	eventType := flagSet.String("event", schema.EventPush, "trigger event type (push, pull_request)")
	ref := flagSet.String("ref", "refs/heads/main", "git ref that triggered the run")
	changedFiles := flagSet.StringArray("changed-file", nil, "changed path for trigger filtering (repeatable)")
	noHistory := flagSet.Bool("no-history", false, "skip journaling runs to the history database")
	verbose := flagSet.BoolP("verbose", "v", false, "debug logging")
	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if flagSet.NArg() != 1 {
		return fmt.Errorf("usage: loom run [flags] <workflow.jsonc>")
	}
	workflowPath := flagSet.Arg(0)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	logger := newLogger(*verbose)

	definition, err := workflowdef.ReadFile(workflowPath)
	if err != nil {
		return err
	}
	if definition.Name == "" {
		definition.Name = workflowdef.NameFromPath(workflowPath)
	}

	event := trigger.Event{
		Type:         *eventType,
		Ref:          *ref,
		ChangedPaths: *changedFiles,
	}
	if !trigger.Matches(definition.On, event) {
		logger.Info("workflow not triggered",
			"workflow", definition.Name,
			"event", event.Type,
			"ref", event.Ref,
		)
		return nil
	}

	graph, err := scheduler.Build(definition, event)
	if err != nil {
		return err
	}

	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.Real()
	store, err := artifact.Open(cfg.Paths.Artifacts, logger)
	if err != nil {
		return err
	}

	taskRunner := runner.New(runner.Config{
		Clock:       clk,
		Logger:      logger,
		Shell:       cfg.Executor.Shell,
		CaptureSize: cfg.Executor.CaptureSize,
		StepTimeout: config.Duration(cfg.Executor.StepTimeout, runner.DefaultStepTimeout),
	})

	aggregatePolicy := barrier.ExcludeFailed
	if cfg.Aggregation.DefaultPolicy == schema.PolicyRequireAll {
		aggregatePolicy = barrier.RequireAll
	}

	orchestrator := scheduler.New(scheduler.Config{
		Gate: gate.New(clk,
			config.Duration(cfg.Gate.HandoverTimeout, gate.DefaultHandoverTimeout), logger),
		Runner:                 taskRunner,
		Barrier:                barrier.New(logger),
		Artifacts:              store,
		Clock:                  clk,
		Logger:                 logger,
		MaxParallel:            cfg.Executor.MaxParallel,
		DefaultJobTimeout:      config.Duration(cfg.Executor.JobTimeout, scheduler.DefaultJobTimeout),
		DefaultAggregatePolicy: aggregatePolicy,
	})

	startedAt := clk.Now()
	result := orchestrator.Submit(ctx, graph)

	if !*noHistory {
		if err := journalRuns(cfg, clk, definition.Name, event, result.Runs, logger); err != nil {
			logger.Warn("journaling runs", "error", err)
		}
	}

	printResult(definition.Name, result, clk.Now().Sub(startedAt))
	if code := result.ExitCode(); code != 0 {
		return &exitError{code: code}
	}
	return nil
}

// journalRuns records the submission in the history database and
// prunes entries past the configured retention.
func journalRuns(cfg *config.Config, clk clock.Clock, workflow string, event trigger.Event, runs []*scheduler.Run, logger *slog.Logger) error {
	journal, err := history.Open(history.Config{
		Path:   cfg.History.Database,
		Clock:  clk,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer journal.Close()

	ctx := context.Background()
	if err := journal.Record(ctx, workflow, event, runs); err != nil {
		return err
	}
	if _, err := journal.Prune(ctx, config.Duration(cfg.History.Retention, 30*24*time.Hour)); err != nil {
		logger.Warn("pruning history", "error", err)
	}
	return nil
}

// printResult writes the human-readable submission summary: one line
// per run, failure reports for failed runs, and the overall verdict.
func printResult(workflow string, result *scheduler.Result, elapsed time.Duration) {
	fmt.Printf("workflow %s: %d run(s) in %s\n", workflow, len(result.Runs), elapsed.Round(time.Millisecond))
	for _, run := range result.Runs {
		marker := " "
		switch run.State {
		case scheduler.StateSucceeded:
			marker = "+"
		case scheduler.StateFailed:
			marker = "x"
		case scheduler.StateCancelled:
			marker = "~"
		case scheduler.StateSkipped:
			marker = "-"
		}
		line := fmt.Sprintf("%s %-10s %s", marker, run.State, run.Instance.Job.Name)
		if run.State == scheduler.StateSucceeded || run.State == scheduler.StateFailed {
			line += fmt.Sprintf("  (%s)", run.Result.Duration.Round(time.Millisecond))
		}
		if run.Degraded {
			line += "  [degraded]"
		}
		fmt.Println(line)
	}

	for _, run := range result.Runs {
		if run.Report != nil {
			fmt.Println()
			fmt.Print(run.Report.Render())
		}
	}

	fmt.Println()
	switch {
	case result.Failed:
		fmt.Fprintln(os.Stderr, "FAILURE")
	case result.Degraded:
		fmt.Println("SUCCESS (degraded coverage)")
	default:
		fmt.Println("SUCCESS")
	}
}
