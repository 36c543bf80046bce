// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package report

import (
	"fmt"
	"strings"
	"testing"
)

func TestSummarizePicksSalientLines(t *testing.T) {
	output := strings.Join([]string{
		"collecting tests",
		"test_alpha ... ok",
		"test_beta ... FAILED",
		"AssertionError: expected 3, got 4",
		"2 passed, 1 failed",
	}, "\n")

	r := Summarize(Failure{
		Job:        "test (linux, 3.12)",
		Reason:     `step "unit": exit code 1`,
		FailedStep: "unit",
		ExitCode:   1,
		Output:     []byte(output),
	})

	if len(r.Salient) != 3 {
		t.Fatalf("salient = %v, want the FAILED, assertion, and tally lines", r.Salient)
	}
	if r.Salient[0] != "test_beta ... FAILED" {
		t.Errorf("salient[0] = %q", r.Salient[0])
	}
}

func TestSummarizeCapsSalientAndTail(t *testing.T) {
	var lines []string
	for i := 0; i < 50; i++ {
		lines = append(lines, fmt.Sprintf("error on line %d", i))
	}
	r := Summarize(Failure{Output: []byte(strings.Join(lines, "\n"))})

	if len(r.Salient) != maxSalientLines {
		t.Errorf("salient count = %d, want %d", len(r.Salient), maxSalientLines)
	}
	if len(r.Tail) != maxTailLines {
		t.Errorf("tail count = %d, want %d", len(r.Tail), maxTailLines)
	}
	if r.Tail[len(r.Tail)-1] != "error on line 49" {
		t.Errorf("last tail line = %q", r.Tail[len(r.Tail)-1])
	}
}

func TestRender(t *testing.T) {
	r := Summarize(Failure{
		Job:             "lint",
		Reason:          `step "flake8": exit code 1`,
		FailedStep:      "flake8",
		ExitCode:        1,
		Output:          []byte("main.py:10: E501 line too long\nerror: lint failed\n"),
		OutputTruncated: true,
	})

	text := r.Render()
	for _, want := range []string{
		"job lint failed",
		"step: flake8 (exit code 1)",
		"error: lint failed",
		"oldest output dropped",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("rendered report missing %q:\n%s", want, text)
		}
	}
}

func TestSummarizeEmptyOutput(t *testing.T) {
	r := Summarize(Failure{Job: "docs", Reason: "timeout"})
	if len(r.Salient) != 0 || len(r.Tail) != 0 {
		t.Errorf("empty output produced lines: %v %v", r.Salient, r.Tail)
	}
	if !strings.Contains(r.Render(), "job docs failed: timeout") {
		t.Errorf("render = %q", r.Render())
	}
}
