// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package report assembles human-readable failure summaries from a
// terminated run's captured output. Summarize is a pure function of
// the failure with no knowledge of scheduling and no side effects
// beyond the returned report.
package report

import (
	"fmt"
	"regexp"
	"strings"
)

// maxSalientLines caps the error-looking lines quoted in a summary.
const maxSalientLines = 10

// maxTailLines caps the output tail quoted in a summary.
const maxTailLines = 20

// salientPattern marks output lines worth surfacing: the vocabulary
// of failing builds and test frameworks.
var salientPattern = regexp.MustCompile(`(?i)\b(error|fail|failed|failure|panic|fatal|traceback|exception|assert|assertion)\b`)

// Failure describes a terminated, failed run. The reporting sink
// consumes only the run's captured output and terminal status.
type Failure struct {
	// Job is the run's job (or job instance) name.
	Job string

	// Reason describes why the run failed (step error, timeout).
	Reason string

	// FailedStep names the step that failed, when known.
	FailedStep string

	// ExitCode is the failing step's exit code.
	ExitCode int

	// Output is the run's captured combined stdout/stderr.
	Output []byte

	// OutputTruncated reports whether the oldest output was
	// dropped by the capture buffer.
	OutputTruncated bool
}

// Report is a structured failure summary for a human-facing surface.
type Report struct {
	Job        string
	Reason     string
	FailedStep string
	ExitCode   int

	// Salient holds output lines matching failure vocabulary, in
	// order of appearance, capped at maxSalientLines.
	Salient []string

	// Tail holds the last lines of captured output, capped at
	// maxTailLines.
	Tail []string

	// OutputTruncated propagates the capture buffer's truncation
	// flag.
	OutputTruncated bool
}

// Summarize builds a Report from a failed run's evidence.
func Summarize(failure Failure) *Report {
	lines := splitLines(failure.Output)

	var salient []string
	for _, line := range lines {
		if salientPattern.MatchString(line) {
			salient = append(salient, line)
			if len(salient) == maxSalientLines {
				break
			}
		}
	}

	tail := lines
	if len(tail) > maxTailLines {
		tail = tail[len(tail)-maxTailLines:]
	}

	return &Report{
		Job:             failure.Job,
		Reason:          failure.Reason,
		FailedStep:      failure.FailedStep,
		ExitCode:        failure.ExitCode,
		Salient:         salient,
		Tail:            append([]string{}, tail...),
		OutputTruncated: failure.OutputTruncated,
	}
}

// Render formats the report as line-oriented text.
func (r *Report) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "job %s failed: %s\n", r.Job, r.Reason)
	if r.FailedStep != "" {
		fmt.Fprintf(&b, "step: %s (exit code %d)\n", r.FailedStep, r.ExitCode)
	}
	if len(r.Salient) > 0 {
		b.WriteString("salient output:\n")
		for _, line := range r.Salient {
			fmt.Fprintf(&b, "  %s\n", line)
		}
	}
	if len(r.Tail) > 0 {
		if r.OutputTruncated {
			fmt.Fprintf(&b, "output tail (oldest output dropped):\n")
		} else {
			fmt.Fprintf(&b, "output tail:\n")
		}
		for _, line := range r.Tail {
			fmt.Fprintf(&b, "  %s\n", line)
		}
	}
	return b.String()
}

// splitLines splits captured output into lines, dropping the trailing
// empty line a final newline produces and skipping blank lines.
func splitLines(output []byte) []string {
	raw := strings.Split(string(output), "\n")
	lines := make([]string, 0, len(raw))
	for _, line := range raw {
		trimmed := strings.TrimRight(line, "\r")
		if strings.TrimSpace(trimmed) == "" {
			continue
		}
		lines = append(lines, trimmed)
	}
	return lines
}
