// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package workflow

import (
	"fmt"
	"strings"

	schema "github.com/loomworks/loom/lib/schema/workflow"
)

// DefaultKeyTemplate is the concurrency key template used when a
// workflow declares none: at most one run per (event, workflow, ref,
// job) is in flight, and a re-trigger for the same tuple supersedes
// the previous run.
const DefaultKeyTemplate = "${event}-${workflow}-${ref}-${job}"

// Instance is one schedulable unit: a plain job, or one shard of a
// matrix expansion. The embedded Job is a substituted copy of the
// template: axis references are resolved, the name carries the axis
// values, and the instance owns a concurrency key distinct from every
// sibling shard.
type Instance struct {
	// Job is the substituted copy of the job template.
	Job schema.Job

	// Tags maps axis name to this shard's value. Nil for plain
	// jobs.
	Tags map[string]string

	// Tag is the canonical shard identifier: axis values joined
	// with "," in axis declaration order (e.g. "linux,3.12").
	// Empty for plain jobs. Used as the barrier submission tag.
	Tag string

	// ConcurrencyKey is the fully expanded key this instance
	// acquires before running.
	ConcurrencyKey string
}

// ExpandJob turns a job template into its concrete instances. For a
// plain job the result is a single instance; for a matrix job it is
// the Cartesian product of the axes, one instance per combination.
//
// Ordering is deterministic: the first declared axis varies slowest,
// each axis iterates its values in declaration order. Reproducible
// ordering keeps logs and run journals diffable across triggers.
//
// The base variables carry the trigger scope (event, workflow, ref,
// job); each instance's variables add matrix.<axis> entries. All
// ${...} references in the job's name, runtime descriptors, env maps,
// step commands, and coverage path are resolved here. An unresolved
// reference is a configuration error and fails the expansion.
//
// Concurrency keys come from keyTemplate (DefaultKeyTemplate when
// empty). If the template does not itself reference ${matrix.*}, each
// shard's axis values are appended so sibling shards never share a
// key.
func ExpandJob(job schema.Job, keyTemplate string, base map[string]string) ([]Instance, error) {
	if keyTemplate == "" {
		keyTemplate = DefaultKeyTemplate
	}

	if job.Matrix == nil || len(job.Matrix.Axes) == 0 {
		instance, err := substitute(job, keyTemplate, base, nil, nil)
		if err != nil {
			return nil, fmt.Errorf("job %q: %w", job.Name, err)
		}
		return []Instance{instance}, nil
	}

	combinations := product(job.Matrix.Axes)
	instances := make([]Instance, 0, len(combinations))
	for _, combo := range combinations {
		instance, err := substitute(job, keyTemplate, base, job.Matrix.Axes, combo)
		if err != nil {
			return nil, fmt.Errorf("job %q [%s]: %w", job.Name, strings.Join(combo, ","), err)
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// product computes the Cartesian product of the axis value lists.
// Each combination holds one value per axis, in axis order; the first
// axis varies slowest.
func product(axes []schema.Axis) [][]string {
	total := 1
	for _, axis := range axes {
		total *= len(axis.Values)
	}

	combinations := make([][]string, 0, total)
	combo := make([]string, len(axes))

	var walk func(depth int)
	walk = func(depth int) {
		if depth == len(axes) {
			combinations = append(combinations, append([]string{}, combo...))
			return
		}
		for _, value := range axes[depth].Values {
			combo[depth] = value
			walk(depth + 1)
		}
	}
	walk(0)

	return combinations
}

// substitute builds one Instance from the job template. combo is nil
// for plain jobs; for shards it holds one value per axis.
func substitute(job schema.Job, keyTemplate string, base map[string]string, axes []schema.Axis, combo []string) (Instance, error) {
	variables := make(map[string]string, len(base)+len(axes)+1)
	for name, value := range base {
		variables[name] = value
	}
	variables["job"] = job.Name

	var tags map[string]string
	if combo != nil {
		tags = make(map[string]string, len(axes))
		for i, axis := range axes {
			tags[axis.Name] = combo[i]
			variables["matrix."+axis.Name] = combo[i]
		}
	}

	substituted := job
	substituted.Needs = append([]string{}, job.Needs...)

	var err error
	if substituted.Name, err = Expand(job.Name, variables); err != nil {
		return Instance{}, err
	}
	// A matrix job whose name carries no axis references gets the
	// shard values appended, so every instance has a distinct,
	// recognizable name.
	if combo != nil && substituted.Name == job.Name {
		substituted.Name = fmt.Sprintf("%s (%s)", job.Name, strings.Join(combo, ", "))
	}

	if substituted.RunsOn, err = Expand(job.RunsOn, variables); err != nil {
		return Instance{}, err
	}
	if substituted.Toolchain, err = Expand(job.Toolchain, variables); err != nil {
		return Instance{}, err
	}
	if substituted.Env, err = expandMap(job.Env, variables); err != nil {
		return Instance{}, err
	}

	substituted.Steps = make([]schema.Step, len(job.Steps))
	for i, step := range job.Steps {
		expanded := step
		if expanded.Run, err = Expand(step.Run, variables); err != nil {
			return Instance{}, fmt.Errorf("step %q: %w", step.Name, err)
		}
		if expanded.Env, err = expandMap(step.Env, variables); err != nil {
			return Instance{}, fmt.Errorf("step %q: %w", step.Name, err)
		}
		substituted.Steps[i] = expanded
	}

	if job.Coverage != nil {
		coverage := *job.Coverage
		if coverage.Path, err = Expand(job.Coverage.Path, variables); err != nil {
			return Instance{}, fmt.Errorf("coverage.path: %w", err)
		}
		if coverage.Session, err = Expand(job.Coverage.Session, variables); err != nil {
			return Instance{}, fmt.Errorf("coverage.session: %w", err)
		}
		substituted.Coverage = &coverage
	}
	if job.Aggregate != nil {
		aggregate := *job.Aggregate
		if aggregate.Session, err = Expand(job.Aggregate.Session, variables); err != nil {
			return Instance{}, fmt.Errorf("aggregate.session: %w", err)
		}
		substituted.Aggregate = &aggregate
	}

	key, err := Expand(keyTemplate, variables)
	if err != nil {
		return Instance{}, fmt.Errorf("concurrency key: %w", err)
	}
	if combo != nil && !strings.Contains(keyTemplate, "${matrix.") {
		key = key + "-" + strings.Join(combo, "-")
	}

	var tag string
	if combo != nil {
		tag = strings.Join(combo, ",")
	}

	return Instance{
		Job:            substituted,
		Tags:           tags,
		Tag:            tag,
		ConcurrencyKey: key,
	}, nil
}

// Tags returns the canonical shard tags for a matrix declaration, in
// expansion order. This is the expected-tag set a coverage
// aggregation session is registered with.
func Tags(matrix *schema.Matrix) []string {
	if matrix == nil || len(matrix.Axes) == 0 {
		return nil
	}
	combinations := product(matrix.Axes)
	tags := make([]string, len(combinations))
	for i, combo := range combinations {
		tags[i] = strings.Join(combo, ",")
	}
	return tags
}
