// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/loomworks/loom/lib/workflowdef"
)

func validateCommand(args []string) error {
	flagSet := newFlagSet("loom validate")
	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if flagSet.NArg() == 0 {
		return fmt.Errorf("usage: loom validate <workflow.jsonc> [more files...]")
	}

	failed := false
	for _, path := range flagSet.Args() {
		definition, err := workflowdef.ReadFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			failed = true
			continue
		}
		if definition.Name == "" {
			definition.Name = workflowdef.NameFromPath(path)
		}

		issues := workflowdef.Validate(definition)
		if len(issues) == 0 {
			fmt.Printf("%s: ok (%d job(s))\n", path, len(definition.Jobs))
			continue
		}
		failed = true
		fmt.Fprintf(os.Stderr, "%s: %d issue(s)\n", path, len(issues))
		for _, issue := range issues {
			fmt.Fprintf(os.Stderr, "  %s\n", issue)
		}
	}

	if failed {
		return &exitError{code: 1}
	}
	return nil
}
