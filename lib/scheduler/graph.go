// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package scheduler interprets a workflow definition as a directed
// acyclic graph of job instances and drives it to completion: ready
// jobs dispatch in parallel through the concurrency gate to the task
// runner, dependency failures skip transitive dependents, matrix
// shards feed the coverage aggregation barrier, and every run ends in
// exactly one terminal state.
//
// The graph is built once at submission time as plain data (nodes and
// edges) and then interpreted by a fixed algorithm; cycles and
// unknown references are configuration errors that fail the
// submission before anything dispatches.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/lib/report"
	"github.com/loomworks/loom/lib/runner"
	schema "github.com/loomworks/loom/lib/schema/workflow"
	"github.com/loomworks/loom/lib/trigger"
	"github.com/loomworks/loom/lib/workflow"
	"github.com/loomworks/loom/lib/workflowdef"
)

// RunState is the lifecycle state of one Run. The machine is
// queued → running → {succeeded | failed | cancelled}, with the
// direct queued → skipped transition for runs whose dependencies
// failed or were cancelled. Terminal states are final: a re-trigger
// creates a brand-new Run, never resurrects an old one.
type RunState string

const (
	StateQueued    RunState = "queued"
	StateRunning   RunState = "running"
	StateSucceeded RunState = "succeeded"
	StateFailed    RunState = "failed"
	StateCancelled RunState = "cancelled"
	StateSkipped   RunState = "skipped"
)

// Terminal reports whether the state is final.
func (s RunState) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelled, StateSkipped:
		return true
	}
	return false
}

// Run is one execution attempt of a job instance.
type Run struct {
	// ID is a fresh UUID per attempt.
	ID string

	// Instance is the expanded job this run executes.
	Instance workflow.Instance

	// State is the run's current lifecycle state. Written only by
	// the scheduler's completion loop.
	State RunState

	// Result holds the task runner's outcome for runs that reached
	// running.
	Result runner.Result

	// Report is the failure summary. Set only for failed runs;
	// cancellation is expected, not exceptional, and produces no
	// summary.
	Report *report.Report

	// Degraded is set on a finalize run whose aggregate excluded
	// failed shards.
	Degraded bool

	// CoverageRef is the artifact reference of the shard's
	// submitted coverage report, when an artifact store is
	// configured.
	CoverageRef string

	StartedAt  time.Time
	FinishedAt time.Time
}

// ConfigurationError reports structural problems (cycles, unknown
// dependency references, malformed declarations) found at submission
// time. Nothing dispatches when Build returns one.
type ConfigurationError struct {
	Issues []string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("workflow configuration errors:\n  %s", strings.Join(e.Issues, "\n  "))
}

// Graph is a workflow instantiated for one trigger event: every
// matrix job expanded into its shards, every needs edge resolved to
// instance-level edges, and every coverage session's expected tag set
// computed.
type Graph struct {
	definition *schema.Workflow
	event      trigger.Event
	nodes      []*node

	// sessions maps session key to its expected shard tags.
	sessions map[string][]string
}

// node is one schedulable graph vertex.
type node struct {
	instance workflow.Instance

	// group is the un-expanded job name; shards of one matrix job
	// share it. Used for fail-fast sibling cancellation.
	group string

	// sessionKey is the expanded coverage or aggregate session key,
	// empty when the job takes no part in aggregation.
	sessionKey string

	dependents []*node
	remaining  int

	run *Run

	// dispatched marks nodes handed to a worker; set by the
	// completion loop before the worker starts, so skip propagation
	// never races with an in-flight run.
	dispatched bool

	// cancel tears down the node's in-flight work. Installed by the
	// completion loop at dispatch.
	cancel context.CancelCauseFunc
}

// Build validates the definition, expands every job for the event,
// and assembles the instance-level dependency graph. Returns a
// *ConfigurationError if the definition is structurally invalid.
func Build(definition *schema.Workflow, event trigger.Event) (*Graph, error) {
	if issues := workflowdef.Validate(definition); len(issues) > 0 {
		return nil, &ConfigurationError{Issues: issues}
	}

	base := map[string]string{
		"event":    event.Type,
		"workflow": definition.Name,
		"ref":      trigger.ShortRef(event.Ref),
	}

	graph := &Graph{
		definition: definition,
		event:      event,
		sessions:   make(map[string][]string),
	}

	// Expand jobs in declaration order; instance ordering within a
	// job is the expansion order. This keeps the run list stable
	// across identical triggers.
	byJob := make(map[string][]*node, len(definition.Jobs))
	for _, job := range definition.Jobs {
		instances, err := workflow.ExpandJob(job, definition.Concurrency, base)
		if err != nil {
			return nil, &ConfigurationError{Issues: []string{err.Error()}}
		}

		var sessionKey string
		if job.Coverage != nil || job.Aggregate != nil {
			template := ""
			if job.Coverage != nil {
				template = job.Coverage.Session
			} else {
				template = job.Aggregate.Session
			}
			// Session keys are expanded with trigger scope only:
			// every shard of a matrix job must resolve to the same
			// session.
			vars := map[string]string{
				"event":    base["event"],
				"workflow": base["workflow"],
				"ref":      base["ref"],
				"job":      job.Name,
			}
			sessionKey, err = workflow.Expand(template, vars)
			if err != nil {
				return nil, &ConfigurationError{Issues: []string{
					fmt.Sprintf("job %q: session key: %v", job.Name, err),
				}}
			}
		}

		if job.Coverage != nil {
			graph.sessions[sessionKey] = workflow.Tags(job.Matrix)
		}

		for _, instance := range instances {
			n := &node{
				instance:   instance,
				group:      job.Name,
				sessionKey: sessionKey,
			}
			n.run = &Run{
				ID:       uuid.NewString(),
				Instance: instance,
				State:    StateQueued,
			}
			graph.nodes = append(graph.nodes, n)
			byJob[job.Name] = append(byJob[job.Name], n)
		}
	}

	// Resolve needs edges at the instance level: a need on a matrix
	// job is an edge from every shard of that job.
	for _, n := range graph.nodes {
		for _, needed := range n.instance.Job.Needs {
			for _, upstream := range byJob[needed] {
				upstream.dependents = append(upstream.dependents, n)
				n.remaining++
			}
		}
	}

	return graph, nil
}

// Runs returns the graph's runs in deterministic order: jobs in
// declaration order, shards in expansion order.
func (g *Graph) Runs() []*Run {
	runs := make([]*Run, len(g.nodes))
	for i, n := range g.nodes {
		runs[i] = n.run
	}
	return runs
}

// Instances returns the expanded job instances in the same
// deterministic order as Runs.
func (g *Graph) Instances() []workflow.Instance {
	instances := make([]workflow.Instance, len(g.nodes))
	for i, n := range g.nodes {
		instances[i] = n.instance
	}
	return instances
}
