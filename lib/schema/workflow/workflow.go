// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package workflow

// EventPush and EventPullRequest are the trigger event types a
// workflow can react to.
const (
	EventPush        = "push"
	EventPullRequest = "pull_request"
)

// Workflow is a complete workflow definition: a trigger configuration
// and a set of jobs connected by dependency edges. Authored on disk as
// JSONC (JSON extended with comments and trailing commas).
type Workflow struct {
	// Name identifies the workflow in concurrency keys, logs, and
	// the run journal. Required.
	Name string `json:"name"`

	// On configures which trigger events start the workflow. When
	// nil, every push and pull_request event triggers.
	On *Trigger `json:"on,omitempty"`

	// Concurrency is the workflow-level concurrency key template.
	// Variable references (${event}, ${workflow}, ${ref}, ${job},
	// and ${matrix.<axis>} inside matrix jobs) are expanded per job
	// instance. When empty, the default template
	// "${event}-${workflow}-${ref}-${job}" is used so that at most
	// one run per (event, workflow, ref, job) is in flight.
	Concurrency string `json:"concurrency,omitempty"`

	// Jobs are the workflow's jobs in declaration order. Dependency
	// edges (Needs) may only reference other jobs in this list.
	Jobs []Job `json:"jobs"`
}

// Trigger configures event filtering for a workflow.
type Trigger struct {
	// Push filters push events. Nil means push events do not
	// trigger the workflow.
	Push *EventFilter `json:"push,omitempty"`

	// PullRequest filters pull_request events. Nil means
	// pull_request events do not trigger the workflow.
	PullRequest *EventFilter `json:"pull_request,omitempty"`
}

// EventFilter restricts which events of a given type trigger the
// workflow. An empty filter accepts every event of its type.
type EventFilter struct {
	// Branches restricts the event ref. Patterns use path.Match
	// syntax against the short ref name (e.g. "main", "release/*").
	// Empty means any ref.
	Branches []string `json:"branches,omitempty"`

	// PathsIgnore drops events whose changed paths ALL match at
	// least one pattern. This is how documentation-only changes are
	// excluded from triggering the graph (e.g. "docs/**", "*.md").
	PathsIgnore []string `json:"paths_ignore,omitempty"`
}

// Job is one node in the workflow graph. A job with a Matrix expands
// into one independent instance per axis-value combination before
// scheduling; the un-expanded job never runs itself.
type Job struct {
	// Name identifies the job. Required, unique within the
	// workflow, and the target of Needs references. Matrix
	// instances append their axis values: "test (linux, 3.12)".
	Name string `json:"name"`

	// Needs lists the names of jobs that must succeed before this
	// job becomes ready. A need on a matrix job means every
	// instance of that job must reach a terminal state, and the
	// edge is satisfied only by instances that succeeded.
	Needs []string `json:"needs,omitempty"`

	// RunsOn describes the execution platform. Informational to the
	// orchestrator (tasks are opaque); matrix references like
	// ${matrix.os} are expanded per instance.
	RunsOn string `json:"runs_on,omitempty"`

	// Toolchain describes the tool version the job's steps expect,
	// again with ${matrix.<axis>} expansion. Informational.
	Toolchain string `json:"toolchain,omitempty"`

	// Matrix declares the expansion axes. Nil for plain jobs.
	Matrix *Matrix `json:"matrix,omitempty"`

	// Steps are the job's opaque tasks, executed in order. At least
	// one is required.
	Steps []Step `json:"steps"`

	// Timeout is the wall-clock deadline for one run of this job
	// (e.g. "10m"). Parsed by time.ParseDuration. Expiry is treated
	// as task failure. When empty, the orchestrator default
	// applies.
	Timeout string `json:"timeout,omitempty"`

	// Env sets environment variables for every step of the job.
	// Step-level entries take precedence on conflict.
	Env map[string]string `json:"env,omitempty"`

	// Coverage wires this job's runs into a coverage aggregation
	// session. Only meaningful on matrix jobs (each shard submits
	// one tagged report).
	Coverage *Coverage `json:"coverage,omitempty"`

	// Aggregate makes this job a coverage finalizer: before its
	// steps run, it blocks on the named session until every
	// expected shard has reported or terminally failed.
	Aggregate *Aggregate `json:"aggregate,omitempty"`
}

// Matrix declares the Cartesian expansion axes for a job. Axes are
// ordered: the first declared axis varies slowest in the expansion,
// which keeps instance ordering reproducible across runs.
type Matrix struct {
	// Axes are the expansion dimensions in declaration order.
	Axes []Axis `json:"axes"`

	// FailFast cancels sibling instances when one instance fails.
	// Off by default: one shard's failure must not cancel the
	// others.
	FailFast bool `json:"fail_fast,omitempty"`
}

// Axis is one matrix dimension: a name and its ordered values.
type Axis struct {
	// Name is the axis identifier, referenced as ${matrix.<name>}.
	Name string `json:"name"`

	// Values are the axis values in declaration order. At least one
	// is required.
	Values []string `json:"values"`
}

// Step is a single opaque task within a job.
type Step struct {
	// Name identifies the step in logs and failure summaries.
	// Required.
	Name string `json:"name"`

	// Run is a shell command executed via sh -c. Multi-line strings
	// are supported. ${matrix.<axis>} references are expanded
	// before execution; $${NAME} escapes expansion and reaches the
	// shell as a literal ${NAME}. Required.
	Run string `json:"run"`

	// Env sets additional environment variables for this step only.
	Env map[string]string `json:"env,omitempty"`

	// Timeout bounds this step alone (e.g. "2m"). Parsed by
	// time.ParseDuration. When empty, the job's remaining deadline
	// is the only bound.
	Timeout string `json:"timeout,omitempty"`
}

// Coverage configures per-shard coverage report submission.
type Coverage struct {
	// Session names the aggregation session the shard reports into.
	// Required.
	Session string `json:"session"`

	// Path is the report file the run produces, read after the last
	// step succeeds. ${matrix.<axis>} references are expanded.
	// Required.
	Path string `json:"path"`
}

// Aggregate configures a finalize job's rendezvous with a coverage
// session.
type Aggregate struct {
	// Session names the aggregation session to await. Required.
	Session string `json:"session"`

	// Policy selects the partial-failure behavior: "exclude_failed"
	// (default) finalizes once all non-failed shards report and
	// marks the aggregate degraded; "require_all" blocks until
	// every shard reports and fails the finalize job if any shard
	// terminally failed without reporting.
	Policy string `json:"policy,omitempty"`
}

// Aggregate policy values.
const (
	PolicyExcludeFailed = "exclude_failed"
	PolicyRequireAll    = "require_all"
)
