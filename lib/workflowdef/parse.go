// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package workflowdef provides parsing and validation for Loom
// workflow definitions. Workflows are directed acyclic graphs of jobs
// (shell command sequences) with matrix fan-out, per-key concurrency
// control, and coverage aggregation barriers.
//
// Definitions are authored on disk as JSONC files (JSON extended with
// comments and trailing commas). The typical flow:
//
//  1. ReadFile or Parse: JSONC bytes → workflow.Workflow
//  2. Validate: structural checks (unique names, known needs
//     references, acyclic graph, parseable timeouts)
//  3. scheduler.Build: graph construction and dispatch
package workflowdef

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"

	"github.com/loomworks/loom/lib/schema/workflow"
)

// Parse strips JSONC comments and trailing commas from data, then
// unmarshals the result into a Workflow.
func Parse(data []byte) (*workflow.Workflow, error) {
	stripped := jsonc.ToJSON(data)

	var definition workflow.Workflow
	if err := json.Unmarshal(stripped, &definition); err != nil {
		return nil, fmt.Errorf("parsing workflow: %w", err)
	}

	return &definition, nil
}

// ReadFile reads a JSONC workflow file from disk and parses it.
// Returns a descriptive error if the file cannot be read or the JSON
// is malformed.
func ReadFile(path string) (*workflow.Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	definition, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return definition, nil
}

// NameFromPath extracts a workflow name from a file path by stripping
// the directory prefix and the file extension. For example,
// "workflows/ci-tests.jsonc" returns "ci-tests".
func NameFromPath(path string) string {
	base := filepath.Base(path)
	extension := filepath.Ext(base)
	return strings.TrimSuffix(base, extension)
}
