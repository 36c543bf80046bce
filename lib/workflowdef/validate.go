// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package workflowdef

import (
	"fmt"
	"path"
	"regexp"
	"time"

	"github.com/loomworks/loom/lib/schema/workflow"
)

// axisNamePattern matches valid matrix axis names. Axis names become
// ${matrix.<name>} references, so they follow identifier syntax:
// start with a letter or underscore, then letters, digits, or
// underscores. Anchored to the full string.
var axisNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Validate checks a Workflow for structural issues. Returns a list of
// human-readable issue descriptions; an empty list means the workflow
// is valid. Any issue is a configuration error: nothing dispatches
// until the definition is fixed.
//
// Structural checks include:
//   - Workflow name and at least one job are required
//   - Job names are unique; step names are unique within a job
//   - Every step has a non-empty name and run command
//   - Needs references resolve to defined jobs and form no cycle
//   - Timeouts parse with time.ParseDuration
//   - Matrix axes have valid identifier names, unique names, and at
//     least one value each
//   - Coverage requires a matrix; aggregate excludes a matrix
//   - Aggregate policy is "exclude_failed" or "require_all"
//   - Trigger branch and path patterns are valid path.Match patterns
func Validate(definition *workflow.Workflow) []string {
	var issues []string

	if definition.Name == "" {
		issues = append(issues, "workflow name is required")
	}
	if len(definition.Jobs) == 0 {
		issues = append(issues, "workflow has no jobs (at least one job is required)")
	}

	if definition.On != nil {
		issues = append(issues, validateTrigger(definition.On)...)
	}

	// Job names must be unique: they are the targets of needs edges
	// and the base of concurrency keys, so a duplicate would make two
	// distinct jobs contend for one key and one graph node.
	jobNames := make(map[string]int, len(definition.Jobs))
	for index, job := range definition.Jobs {
		if job.Name != "" {
			if firstIndex, exists := jobNames[job.Name]; exists {
				issues = append(issues, fmt.Sprintf(
					"jobs[%d] %q: duplicate job name (first used at jobs[%d])",
					index, job.Name, firstIndex,
				))
			} else {
				jobNames[job.Name] = index
			}
		}
	}

	for index, job := range definition.Jobs {
		prefix := fmt.Sprintf("jobs[%d]", index)
		issues = append(issues, validateJob(job, jobNames, prefix)...)
	}

	issues = append(issues, findCycles(definition.Jobs)...)

	return issues
}

// validateTrigger checks trigger filters for malformed match patterns.
func validateTrigger(trigger *workflow.Trigger) []string {
	var issues []string
	issues = append(issues, validateFilter(trigger.Push, "on.push")...)
	issues = append(issues, validateFilter(trigger.PullRequest, "on.pull_request")...)
	return issues
}

func validateFilter(filter *workflow.EventFilter, prefix string) []string {
	var issues []string
	if filter == nil {
		return nil
	}
	for _, pattern := range filter.Branches {
		if _, err := path.Match(pattern, "probe"); err != nil {
			issues = append(issues, fmt.Sprintf("%s.branches: invalid pattern %q", prefix, pattern))
		}
	}
	for _, pattern := range filter.PathsIgnore {
		if _, err := path.Match(pattern, "probe"); err != nil {
			issues = append(issues, fmt.Sprintf("%s.paths_ignore: invalid pattern %q", prefix, pattern))
		}
	}
	return issues
}

// validateJob checks a single job declaration. The prefix identifies
// the job's position for error messages.
func validateJob(job workflow.Job, jobNames map[string]int, prefix string) []string {
	var issues []string

	if job.Name == "" {
		issues = append(issues, fmt.Sprintf("%s: name is required", prefix))
	} else {
		prefix = fmt.Sprintf("%s %q", prefix, job.Name)
	}

	if len(job.Steps) == 0 {
		issues = append(issues, fmt.Sprintf("%s: job has no steps (at least one step is required)", prefix))
	}

	// Step names must be unique within the job so that failure
	// summaries and per-step logs identify one step unambiguously.
	stepNames := make(map[string]int, len(job.Steps))
	for index, step := range job.Steps {
		stepPrefix := fmt.Sprintf("%s: steps[%d]", prefix, index)
		if step.Name == "" {
			issues = append(issues, fmt.Sprintf("%s: name is required", stepPrefix))
		} else {
			if firstIndex, exists := stepNames[step.Name]; exists {
				issues = append(issues, fmt.Sprintf(
					"%s %q: duplicate step name (first used at steps[%d])",
					stepPrefix, step.Name, firstIndex,
				))
			} else {
				stepNames[step.Name] = index
			}
		}
		if step.Run == "" {
			issues = append(issues, fmt.Sprintf("%s: run is required", stepPrefix))
		}
		if step.Timeout != "" {
			if _, err := time.ParseDuration(step.Timeout); err != nil {
				issues = append(issues, fmt.Sprintf("%s: invalid timeout %q: %v", stepPrefix, step.Timeout, err))
			}
		}
	}

	for _, needed := range job.Needs {
		if needed == job.Name {
			issues = append(issues, fmt.Sprintf("%s: needs itself", prefix))
			continue
		}
		if _, exists := jobNames[needed]; !exists {
			issues = append(issues, fmt.Sprintf("%s: needs unknown job %q", prefix, needed))
		}
	}

	if job.Timeout != "" {
		if _, err := time.ParseDuration(job.Timeout); err != nil {
			issues = append(issues, fmt.Sprintf("%s: invalid timeout %q: %v", prefix, job.Timeout, err))
		}
	}

	if job.Matrix != nil {
		issues = append(issues, validateMatrix(job.Matrix, prefix)...)
	}

	if job.Coverage != nil {
		if job.Matrix == nil {
			issues = append(issues, fmt.Sprintf("%s: coverage requires a matrix (shards submit tagged reports)", prefix))
		}
		if job.Coverage.Session == "" {
			issues = append(issues, fmt.Sprintf("%s: coverage.session is required", prefix))
		}
		if job.Coverage.Path == "" {
			issues = append(issues, fmt.Sprintf("%s: coverage.path is required", prefix))
		}
	}

	if job.Aggregate != nil {
		if job.Matrix != nil {
			issues = append(issues, fmt.Sprintf("%s: aggregate is not valid on matrix jobs (the finalizer is a single run)", prefix))
		}
		if job.Aggregate.Session == "" {
			issues = append(issues, fmt.Sprintf("%s: aggregate.session is required", prefix))
		}
		switch job.Aggregate.Policy {
		case "", workflow.PolicyExcludeFailed, workflow.PolicyRequireAll:
			// Valid.
		default:
			issues = append(issues, fmt.Sprintf(
				"%s: aggregate.policy must be %q or %q, got %q",
				prefix, workflow.PolicyExcludeFailed, workflow.PolicyRequireAll, job.Aggregate.Policy,
			))
		}
	}

	return issues
}

// validateMatrix checks a job's matrix declaration.
func validateMatrix(matrix *workflow.Matrix, prefix string) []string {
	var issues []string

	if len(matrix.Axes) == 0 {
		issues = append(issues, fmt.Sprintf("%s: matrix has no axes (at least one axis is required)", prefix))
	}

	axisNames := make(map[string]int, len(matrix.Axes))
	for index, axis := range matrix.Axes {
		axisPrefix := fmt.Sprintf("%s: matrix.axes[%d]", prefix, index)
		if axis.Name == "" {
			issues = append(issues, fmt.Sprintf("%s: name is required", axisPrefix))
		} else {
			if !axisNamePattern.MatchString(axis.Name) {
				issues = append(issues, fmt.Sprintf(
					"%s: axis name %q must be a valid identifier ([A-Za-z_][A-Za-z0-9_]*)",
					axisPrefix, axis.Name,
				))
			}
			if firstIndex, exists := axisNames[axis.Name]; exists {
				issues = append(issues, fmt.Sprintf(
					"%s: duplicate axis name %q (first used at matrix.axes[%d])",
					axisPrefix, axis.Name, firstIndex,
				))
			} else {
				axisNames[axis.Name] = index
			}
		}
		if len(axis.Values) == 0 {
			issues = append(issues, fmt.Sprintf("%s: axis has no values (at least one value is required)", axisPrefix))
		}
	}

	return issues
}

// findCycles reports every dependency cycle reachable through needs
// edges. Uses iterative depth-first search with three-color marking;
// unknown references are skipped here (reported separately by
// validateJob).
func findCycles(jobs []workflow.Job) []string {
	const (
		white = 0 // unvisited
		gray  = 1 // on the current DFS path
		black = 2 // fully explored
	)

	needs := make(map[string][]string, len(jobs))
	for _, job := range jobs {
		if job.Name == "" {
			continue
		}
		needs[job.Name] = job.Needs
	}

	color := make(map[string]int, len(needs))
	var issues []string

	var visit func(name string, trail []string)
	visit = func(name string, trail []string) {
		color[name] = gray
		trail = append(trail, name)
		for _, needed := range needs[name] {
			if _, exists := needs[needed]; !exists {
				continue
			}
			switch color[needed] {
			case white:
				visit(needed, trail)
			case gray:
				// Close the loop for the error message: the cycle
				// runs from needed's position in the trail to here.
				start := 0
				for i, n := range trail {
					if n == needed {
						start = i
						break
					}
				}
				cycle := append(append([]string{}, trail[start:]...), needed)
				issues = append(issues, fmt.Sprintf("dependency cycle: %s", joinArrows(cycle)))
			}
		}
		color[name] = black
	}

	for _, job := range jobs {
		if job.Name != "" && color[job.Name] == white {
			visit(job.Name, nil)
		}
	}

	return issues
}

func joinArrows(names []string) string {
	result := ""
	for i, name := range names {
		if i > 0 {
			result += " -> "
		}
		result += name
	}
	return result
}
