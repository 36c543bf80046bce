// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// loom is the workflow orchestration CLI.
//
// It loads a JSONC workflow definition, expands matrix jobs into
// shards, and drives the resulting job graph to completion: runs are
// serialized per concurrency key, coverage shards feed an aggregation
// barrier, and finished runs are journaled to a local SQLite history.
//
// Subcommands:
//
//	loom run <workflow.jsonc>       execute a workflow for an event
//	loom validate <workflow.jsonc>  check a definition without running it
//	loom expand <workflow.jsonc>    print the expanded job instances
//	loom history <workflow>         show recent journaled runs
//	loom version                    print build information
//
// Configuration comes from a single YAML file named by --config or the
// LOOM_CONFIG environment variable; without either, built-in
// development defaults apply.
package main
