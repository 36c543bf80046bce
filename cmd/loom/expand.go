// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/loomworks/loom/lib/scheduler"
	schema "github.com/loomworks/loom/lib/schema/workflow"
	"github.com/loomworks/loom/lib/trigger"
	"github.com/loomworks/loom/lib/workflowdef"
)

func expandCommand(args []string) error {
	flagSet := newFlagSet("loom expand")
	eventType := flagSet.String("event", schema.EventPush, "trigger event type (push, pull_request)")
	ref := flagSet.String("ref", "refs/heads/main", "git ref to expand for")
	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if flagSet.NArg() != 1 {
		return fmt.Errorf("usage: loom expand [flags] <workflow.jsonc>")
	}
	path := flagSet.Arg(0)

	definition, err := workflowdef.ReadFile(path)
	if err != nil {
		return err
	}
	if definition.Name == "" {
		definition.Name = workflowdef.NameFromPath(path)
	}

	event := trigger.Event{Type: *eventType, Ref: *ref}
	graph, err := scheduler.Build(definition, event)
	if err != nil {
		return err
	}

	writer := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "JOB\tTAG\tCONCURRENCY KEY\tNEEDS")
	for _, instance := range graph.Instances() {
		needs := ""
		for i, needed := range instance.Job.Needs {
			if i > 0 {
				needs += ","
			}
			needs += needed
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\n",
			instance.Job.Name, instance.Tag, instance.ConcurrencyKey, needs)
	}
	return writer.Flush()
}
