// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package workflow

import (
	"strings"
	"testing"

	schema "github.com/loomworks/loom/lib/schema/workflow"
)

func testBase() map[string]string {
	return map[string]string{
		"event":    "push",
		"workflow": "ci",
		"ref":      "refs/heads/main",
	}
}

func matrixJob() schema.Job {
	return schema.Job{
		Name:      "test",
		RunsOn:    "${matrix.os}",
		Toolchain: "python-${matrix.python}",
		Matrix: &schema.Matrix{
			Axes: []schema.Axis{
				{Name: "os", Values: []string{"linux", "macos"}},
				{Name: "python", Values: []string{"3.10", "3.11", "3.12"}},
			},
		},
		Steps: []schema.Step{
			{Name: "unit", Run: "pytest --platform ${matrix.os}"},
		},
	}
}

func TestExpandJobCartesianOrdering(t *testing.T) {
	instances, err := ExpandJob(matrixJob(), "", testBase())
	if err != nil {
		t.Fatalf("ExpandJob: %v", err)
	}
	if len(instances) != 6 {
		t.Fatalf("expected 6 instances, got %d", len(instances))
	}

	// First axis varies slowest: all linux shards precede all macos
	// shards, and within an os the python values keep declaration
	// order.
	wantTags := []string{
		"linux,3.10", "linux,3.11", "linux,3.12",
		"macos,3.10", "macos,3.11", "macos,3.12",
	}
	for i, instance := range instances {
		if instance.Tag != wantTags[i] {
			t.Errorf("instance %d: tag = %q, want %q", i, instance.Tag, wantTags[i])
		}
	}
}

func TestExpandJobDistinctConcurrencyKeys(t *testing.T) {
	instances, err := ExpandJob(matrixJob(), "", testBase())
	if err != nil {
		t.Fatalf("ExpandJob: %v", err)
	}

	seen := make(map[string]string)
	for _, instance := range instances {
		if prior, exists := seen[instance.ConcurrencyKey]; exists {
			t.Fatalf("instances %q and %q share concurrency key %q",
				prior, instance.Job.Name, instance.ConcurrencyKey)
		}
		seen[instance.ConcurrencyKey] = instance.Job.Name
	}
}

func TestExpandJobSubstitution(t *testing.T) {
	instances, err := ExpandJob(matrixJob(), "", testBase())
	if err != nil {
		t.Fatalf("ExpandJob: %v", err)
	}

	first := instances[0]
	if first.Job.Name != "test (linux, 3.10)" {
		t.Errorf("name = %q", first.Job.Name)
	}
	if first.Job.RunsOn != "linux" {
		t.Errorf("runs_on = %q", first.Job.RunsOn)
	}
	if first.Job.Toolchain != "python-3.10" {
		t.Errorf("toolchain = %q", first.Job.Toolchain)
	}
	if first.Job.Steps[0].Run != "pytest --platform linux" {
		t.Errorf("step run = %q", first.Job.Steps[0].Run)
	}
	if first.Tags["os"] != "linux" || first.Tags["python"] != "3.10" {
		t.Errorf("tags = %v", first.Tags)
	}
}

func TestExpandJobCustomTemplateWithMatrixReference(t *testing.T) {
	instances, err := ExpandJob(matrixJob(), "ci-${job}-${matrix.os}-${matrix.python}", testBase())
	if err != nil {
		t.Fatalf("ExpandJob: %v", err)
	}
	if instances[0].ConcurrencyKey != "ci-test-linux-3.10" {
		t.Errorf("key = %q", instances[0].ConcurrencyKey)
	}
	// The template already distinguishes shards; nothing is appended.
	if strings.Count(instances[0].ConcurrencyKey, "linux") != 1 {
		t.Errorf("axis value appended twice: %q", instances[0].ConcurrencyKey)
	}
}

func TestExpandJobPlain(t *testing.T) {
	job := schema.Job{
		Name:  "build",
		Steps: []schema.Step{{Name: "sdist", Run: "make build"}},
	}
	instances, err := ExpandJob(job, "", testBase())
	if err != nil {
		t.Fatalf("ExpandJob: %v", err)
	}
	if len(instances) != 1 {
		t.Fatalf("expected 1 instance, got %d", len(instances))
	}
	instance := instances[0]
	if instance.Tag != "" || instance.Tags != nil {
		t.Errorf("plain job has tags: %q %v", instance.Tag, instance.Tags)
	}
	if instance.ConcurrencyKey != "push-ci-refs/heads/main-build" {
		t.Errorf("key = %q", instance.ConcurrencyKey)
	}
}

func TestExpandJobUnresolvedReference(t *testing.T) {
	job := schema.Job{
		Name:  "build",
		Steps: []schema.Step{{Name: "sdist", Run: "make ${matrix.os}"}},
	}
	if _, err := ExpandJob(job, "", testBase()); err == nil {
		t.Fatal("expected error for unresolved matrix reference in a plain job")
	}
}

func TestTags(t *testing.T) {
	tags := Tags(matrixJob().Matrix)
	if len(tags) != 6 {
		t.Fatalf("expected 6 tags, got %d", len(tags))
	}
	if tags[0] != "linux,3.10" || tags[5] != "macos,3.12" {
		t.Errorf("tags = %v", tags)
	}
	if Tags(nil) != nil {
		t.Error("Tags(nil) should be nil")
	}
}

func TestExpandEscapedShellVariables(t *testing.T) {
	out, err := Expand("pytest --basetemp=$${TMPDIR} --platform ${matrix.os}",
		map[string]string{"matrix.os": "linux"})
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if out != "pytest --basetemp=${TMPDIR} --platform linux" {
		t.Errorf("out = %q", out)
	}

	// An escaped name needs no binding; the shell owns it.
	out, err = Expand("echo $${HOME}", map[string]string{})
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if out != "echo ${HOME}" {
		t.Errorf("out = %q", out)
	}
}

func TestExpandUnresolvedLists(t *testing.T) {
	_, err := Expand("echo ${missing} ${also_missing}", map[string]string{})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "missing") || !strings.Contains(err.Error(), "also_missing") {
		t.Errorf("error should list all unresolved names: %v", err)
	}
}
