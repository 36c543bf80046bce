// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package runner executes one opaque task to completion: a job's
// steps run in order as shell commands, with combined stdout/stderr
// captured into a bounded buffer. The runner has no internal
// concurrency and no knowledge of scheduling. Cancellation arrives
// through the context and is checked at step boundaries, so a step
// already started may be torn down mid-flight but no new step starts
// after cancellation is signalled.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/loomworks/loom/lib/clock"
	schema "github.com/loomworks/loom/lib/schema/workflow"
)

// DefaultStepTimeout bounds a step that declares no timeout of its
// own.
const DefaultStepTimeout = 5 * time.Minute

// DefaultShell runs step commands when none is configured.
const DefaultShell = "/bin/sh"

// Runner executes jobs' steps via the shell.
type Runner struct {
	clock       clock.Clock
	logger      *slog.Logger
	shell       string
	captureSize int
	stepTimeout time.Duration
}

// Config holds runner parameters. The zero value gives working
// defaults.
type Config struct {
	// Clock provides duration measurement and is injectable for
	// tests. Defaults to the real clock.
	Clock clock.Clock

	// Logger receives per-step progress. Nil discards.
	Logger *slog.Logger

	// Shell runs each step's command as `shell -c command`.
	// Defaults to DefaultShell.
	Shell string

	// CaptureSize is the output capture capacity in bytes.
	// Defaults to DefaultCaptureSize.
	CaptureSize int

	// StepTimeout applies to steps without their own timeout.
	// Defaults to DefaultStepTimeout.
	StepTimeout time.Duration
}

// New creates a Runner.
func New(cfg Config) *Runner {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Shell == "" {
		cfg.Shell = DefaultShell
	}
	if cfg.CaptureSize <= 0 {
		cfg.CaptureSize = DefaultCaptureSize
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultStepTimeout
	}
	return &Runner{
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		shell:       cfg.Shell,
		captureSize: cfg.CaptureSize,
		stepTimeout: cfg.StepTimeout,
	}
}

// Result captures the outcome of one task execution.
type Result struct {
	// ExitCode is the failing step's exit code, or 0 when every
	// step succeeded. -1 when the step died without an exit code
	// (signal, cancellation).
	ExitCode int

	// Output is the captured combined stdout/stderr of all steps.
	Output []byte

	// OutputTruncated reports whether the capture buffer dropped
	// the oldest output.
	OutputTruncated bool

	// Duration is the wall-clock time the task ran.
	Duration time.Duration

	// FailedStep names the step that failed, if any.
	FailedStep string

	// Err describes the failure. Nil when every step succeeded.
	// For cancellation, errors.Is(Err, context.Canceled) holds (or
	// context.DeadlineExceeded for a deadline expiry).
	Err error
}

// Run executes the job's steps in order. Before each step the context
// is checked: a cancelled context stops the task without starting
// another step. A running step is torn down by killing its process
// group when the context is cancelled.
func (r *Runner) Run(ctx context.Context, job schema.Job) Result {
	startTime := r.clock.Now()
	capture := newCaptureBuffer(r.captureSize)

	finish := func(failedStep string, exitCode int, err error) Result {
		return Result{
			ExitCode:        exitCode,
			Output:          capture.Bytes(),
			OutputTruncated: capture.Truncated(),
			Duration:        r.clock.Now().Sub(startTime),
			FailedStep:      failedStep,
			Err:             err,
		}
	}

	for index, step := range job.Steps {
		// Step boundary: never start a new step once cancellation
		// is signalled.
		if err := ctx.Err(); err != nil {
			return finish(step.Name, -1, fmt.Errorf("before step %q: %w", step.Name, context.Cause(ctx)))
		}

		timeout := r.stepTimeout
		if step.Timeout != "" {
			parsed, err := time.ParseDuration(step.Timeout)
			if err != nil {
				// Validate should have caught this, but fail loud if not.
				return finish(step.Name, -1, fmt.Errorf("invalid timeout %q: %w", step.Timeout, err))
			}
			timeout = parsed
		}

		stepContext, cancel := context.WithTimeout(ctx, timeout)
		exitCode, err := r.runShellCommand(stepContext, step.Run, mergeEnv(job.Env, step.Env), capture)
		cancel()

		r.logger.Debug("step finished",
			"job", job.Name,
			"step", step.Name,
			"index", index+1,
			"total", len(job.Steps),
			"exit_code", exitCode,
		)

		if err != nil {
			return finish(step.Name, exitCode, fmt.Errorf("step %q: %w", step.Name, err))
		}
		if exitCode != 0 {
			return finish(step.Name, exitCode, fmt.Errorf("step %q: exit code %d", step.Name, exitCode))
		}
	}

	return finish("", 0, nil)
}

// mergeEnv overlays step env on job env. Step values win on conflict.
func mergeEnv(jobEnv, stepEnv map[string]string) map[string]string {
	if len(jobEnv) == 0 {
		return stepEnv
	}
	merged := make(map[string]string, len(jobEnv)+len(stepEnv))
	for name, value := range jobEnv {
		merged[name] = value
	}
	for name, value := range stepEnv {
		merged[name] = value
	}
	return merged
}

// runShellCommand executes a command via `shell -c` with stdout and
// stderr captured. Returns the exit code and any non-exit error
// (signal, context cancellation).
//
// The command runs in its own process group so that context
// cancellation kills the shell and all its children. Without Setpgid,
// only the shell receives the signal and children survive holding the
// capture pipe open.
func (r *Runner) runShellCommand(ctx context.Context, command string, env map[string]string, capture *captureBuffer) (int, error) {
	cmd := exec.CommandContext(ctx, r.shell, "-c", command)
	cmd.Stdout = capture
	cmd.Stderr = capture

	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// Negative PID signals the whole process group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	if len(env) > 0 {
		cmd.Env = os.Environ()
		for name, value := range env {
			cmd.Env = append(cmd.Env, name+"="+value)
		}
	}

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}

	var exitError *exec.ExitError
	if errors.As(err, &exitError) {
		// When the context expired or was cancelled, surface that
		// instead of the signal-death exit code so callers can
		// classify the outcome.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return -1, context.Cause(ctx)
		}
		return exitError.ExitCode(), nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return -1, context.Cause(ctx)
	}
	return -1, err
}
