// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package workflowdef

import (
	"strings"
	"testing"

	"github.com/loomworks/loom/lib/schema/workflow"
)

func validWorkflow() *workflow.Workflow {
	return &workflow.Workflow{
		Name: "ci",
		Jobs: []workflow.Job{
			{
				Name:  "build",
				Steps: []workflow.Step{{Name: "compile", Run: "make"}},
			},
			{
				Name:  "test",
				Needs: []string{"build"},
				Steps: []workflow.Step{{Name: "unit", Run: "make test"}},
			},
		},
	}
}

func requireIssue(t *testing.T, issues []string, substring string) {
	t.Helper()
	for _, issue := range issues {
		if strings.Contains(issue, substring) {
			return
		}
	}
	t.Errorf("no issue mentions %q; issues: %v", substring, issues)
}

func TestParseStripsCommentsAndTrailingCommas(t *testing.T) {
	source := `{
		// The main CI workflow.
		"name": "ci",
		"jobs": [
			{
				"name": "build",
				"steps": [
					{"name": "compile", "run": "make"}, // trailing comma next
				],
			},
		],
	}`

	definition, err := Parse([]byte(source))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if definition.Name != "ci" {
		t.Errorf("name = %q, want %q", definition.Name, "ci")
	}
	if len(definition.Jobs) != 1 || definition.Jobs[0].Name != "build" {
		t.Fatalf("jobs = %+v", definition.Jobs)
	}
	if got := definition.Jobs[0].Steps[0].Run; got != "make" {
		t.Errorf("run = %q, want %q", got, "make")
	}
}

func TestParseRejectsMalformedJSON(t *testing.T) {
	if _, err := Parse([]byte(`{"name": "ci", "jobs": [}`)); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestNameFromPath(t *testing.T) {
	cases := map[string]string{
		"workflows/ci-tests.jsonc": "ci-tests",
		"nightly.json":             "nightly",
		"/abs/path/lint.jsonc":     "lint",
	}
	for input, want := range cases {
		if got := NameFromPath(input); got != want {
			t.Errorf("NameFromPath(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestValidateAcceptsValidWorkflow(t *testing.T) {
	if issues := Validate(validWorkflow()); len(issues) != 0 {
		t.Fatalf("unexpected issues: %v", issues)
	}
}

func TestValidateRequiredFields(t *testing.T) {
	definition := &workflow.Workflow{
		Jobs: []workflow.Job{
			{Steps: []workflow.Step{{Run: "make"}}},
		},
	}
	issues := Validate(definition)
	requireIssue(t, issues, "workflow name is required")
	requireIssue(t, issues, "jobs[0]: name is required")
	requireIssue(t, issues, "steps[0]: name is required")
}

func TestValidateDuplicateNames(t *testing.T) {
	definition := validWorkflow()
	definition.Jobs = append(definition.Jobs, workflow.Job{
		Name: "build",
		Steps: []workflow.Step{
			{Name: "a", Run: "true"},
			{Name: "a", Run: "true"},
		},
	})
	issues := Validate(definition)
	requireIssue(t, issues, "duplicate job name")
	requireIssue(t, issues, "duplicate step name")
}

func TestValidateNeedsReferences(t *testing.T) {
	definition := validWorkflow()
	definition.Jobs[1].Needs = []string{"test", "missing"}
	issues := Validate(definition)
	requireIssue(t, issues, "needs itself")
	requireIssue(t, issues, `needs unknown job "missing"`)
}

func TestValidateDetectsCycle(t *testing.T) {
	definition := &workflow.Workflow{
		Name: "ci",
		Jobs: []workflow.Job{
			{Name: "a", Needs: []string{"c"}, Steps: []workflow.Step{{Name: "s", Run: "true"}}},
			{Name: "b", Needs: []string{"a"}, Steps: []workflow.Step{{Name: "s", Run: "true"}}},
			{Name: "c", Needs: []string{"b"}, Steps: []workflow.Step{{Name: "s", Run: "true"}}},
		},
	}
	issues := Validate(definition)
	requireIssue(t, issues, "dependency cycle: a -> c -> b -> a")
}

func TestValidateTimeouts(t *testing.T) {
	definition := validWorkflow()
	definition.Jobs[0].Timeout = "fortnight"
	definition.Jobs[0].Steps[0].Timeout = "10 minutes"
	issues := Validate(definition)
	requireIssue(t, issues, `invalid timeout "fortnight"`)
	requireIssue(t, issues, `invalid timeout "10 minutes"`)
}

func TestValidateMatrix(t *testing.T) {
	definition := validWorkflow()
	definition.Jobs[1].Matrix = &workflow.Matrix{
		Axes: []workflow.Axis{
			{Name: "python-version", Values: []string{"3.12"}},
			{Name: "os", Values: nil},
			{Name: "os", Values: []string{"linux"}},
		},
	}
	issues := Validate(definition)
	requireIssue(t, issues, `axis name "python-version" must be a valid identifier`)
	requireIssue(t, issues, "axis has no values")
	requireIssue(t, issues, `duplicate axis name "os"`)
}

func TestValidateCoverageAndAggregate(t *testing.T) {
	definition := validWorkflow()
	// Coverage without a matrix is invalid: only shards submit tagged
	// reports.
	definition.Jobs[0].Coverage = &workflow.Coverage{}
	// Aggregate on a matrix job is invalid, as is an unknown policy.
	definition.Jobs[1].Matrix = &workflow.Matrix{
		Axes: []workflow.Axis{{Name: "os", Values: []string{"linux"}}},
	}
	definition.Jobs[1].Aggregate = &workflow.Aggregate{
		Session: "cov",
		Policy:  "best_effort",
	}
	issues := Validate(definition)
	requireIssue(t, issues, "coverage requires a matrix")
	requireIssue(t, issues, "coverage.session is required")
	requireIssue(t, issues, "coverage.path is required")
	requireIssue(t, issues, "aggregate is not valid on matrix jobs")
	requireIssue(t, issues, "aggregate.policy must be")
}

func TestValidateTriggerPatterns(t *testing.T) {
	definition := validWorkflow()
	definition.On = &workflow.Trigger{
		Push: &workflow.EventFilter{
			Branches:    []string{"main", "release/["},
			PathsIgnore: []string{"docs/**", "[bad"},
		},
	}
	issues := Validate(definition)
	requireIssue(t, issues, `on.push.branches: invalid pattern "release/["`)
	requireIssue(t, issues, `on.push.paths_ignore: invalid pattern "[bad"`)
}
