// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/loomworks/loom/lib/artifact"
	"github.com/loomworks/loom/lib/barrier"
	"github.com/loomworks/loom/lib/clock"
	"github.com/loomworks/loom/lib/gate"
	"github.com/loomworks/loom/lib/report"
	"github.com/loomworks/loom/lib/runner"
	schema "github.com/loomworks/loom/lib/schema/workflow"
)

// DefaultJobTimeout bounds jobs that declare no timeout of their own.
const DefaultJobTimeout = 30 * time.Minute

// DefaultMaxParallel is the executor pool size when none is
// configured.
const DefaultMaxParallel = 16

// errFailFast is the cancellation cause for sibling shards torn down
// by a fail-fast matrix.
var errFailFast = errors.New("sibling matrix shard failed with fail_fast enabled")

// TaskRunner executes one opaque task to completion. *runner.Runner
// is the production implementation; tests substitute stubs.
type TaskRunner interface {
	Run(ctx context.Context, job schema.Job) runner.Result
}

// Config holds the scheduler's collaborators and knobs.
type Config struct {
	// Gate serializes runs per concurrency key. Required in
	// production; when nil a private gate is created.
	Gate *gate.Gate

	// Runner executes tasks. Required.
	Runner TaskRunner

	// Barrier owns coverage aggregation sessions. When nil a
	// private registry is created.
	Barrier *barrier.Registry

	// Artifacts, when set, archives submitted coverage reports and
	// exposes their references on the runs.
	Artifacts *artifact.Store

	// Clock drives deadlines and timestamps. Defaults to the real
	// clock.
	Clock clock.Clock

	// Logger receives run lifecycle events. Nil discards.
	Logger *slog.Logger

	// MaxParallel bounds concurrently executing runs, the host
	// executor pool supplied to the scheduler. Defaults to
	// DefaultMaxParallel.
	MaxParallel int64

	// DefaultJobTimeout applies to jobs without a timeout.
	// Defaults to DefaultJobTimeout.
	DefaultJobTimeout time.Duration

	// DefaultAggregatePolicy applies to aggregate declarations that
	// name no policy. The zero value is barrier.ExcludeFailed.
	DefaultAggregatePolicy barrier.Policy
}

// Scheduler drives graphs to completion.
type Scheduler struct {
	gate       *gate.Gate
	runner     TaskRunner
	barrier    *barrier.Registry
	artifacts  *artifact.Store
	clock      clock.Clock
	logger     *slog.Logger
	pool       *semaphore.Weighted
	jobTimeout time.Duration
	aggPolicy  barrier.Policy

	// mu guards run state transitions and per-node cancel handles;
	// workers and the completion loop touch both.
	mu sync.Mutex
}

// New creates a Scheduler.
func New(cfg Config) *Scheduler {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Gate == nil {
		cfg.Gate = gate.New(cfg.Clock, 0, cfg.Logger)
	}
	if cfg.Barrier == nil {
		cfg.Barrier = barrier.New(cfg.Logger)
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = DefaultMaxParallel
	}
	if cfg.DefaultJobTimeout <= 0 {
		cfg.DefaultJobTimeout = DefaultJobTimeout
	}
	return &Scheduler{
		gate:       cfg.Gate,
		runner:     cfg.Runner,
		barrier:    cfg.Barrier,
		artifacts:  cfg.Artifacts,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
		pool:       semaphore.NewWeighted(cfg.MaxParallel),
		jobTimeout: cfg.DefaultJobTimeout,
		aggPolicy:  cfg.DefaultAggregatePolicy,
	}
}

// Result is the terminal outcome of one graph submission.
type Result struct {
	// Runs holds every run in deterministic order (declaration
	// order, shards in expansion order). Each is in exactly one
	// terminal state.
	Runs []*Run

	// Failed is true when any run terminated failed. Cancelled and
	// skipped runs do not themselves force failure.
	Failed bool

	// Degraded is true when any finalize run aggregated with
	// excluded shards. A warning, not a failure.
	Degraded bool
}

// ExitCode maps the result to a process exit status: 0 iff every
// non-skipped run succeeded or was deliberately cancelled.
func (r *Result) ExitCode() int {
	if r.Failed {
		return 1
	}
	return 0
}

// Submit drives the graph to completion and returns once every run
// is terminal. Cancelling ctx cancels in-flight runs (their
// dependents skip), but Submit still waits for their teardown.
func (s *Scheduler) Submit(ctx context.Context, graph *Graph) *Result {
	// Coverage sessions exist before any shard dispatches, so a
	// finalize job that somehow starts first still has a session to
	// await.
	for sessionKey, tags := range graph.sessions {
		s.barrier.Register(sessionKey, tags)
	}

	total := len(graph.nodes)
	finished := 0
	completions := make(chan *node)

	// The cancel handle is installed here, before the worker starts,
	// so fail-fast teardown never races a goroutine that has not
	// begun yet.
	dispatch := func(n *node) {
		n.dispatched = true
		nodeCtx, cancel := context.WithCancelCause(ctx)
		n.cancel = cancel
		go s.worker(nodeCtx, n, completions)
	}

	for _, n := range graph.nodes {
		if n.remaining == 0 {
			dispatch(n)
		}
	}

	for finished < total {
		n := <-completions
		finished++
		state := s.runState(n.run)
		s.logger.Info("run finished",
			"workflow", graph.definition.Name,
			"job", n.instance.Job.Name,
			"run", n.run.ID,
			"state", string(state),
		)

		switch state {
		case StateSucceeded:
			for _, dependent := range n.dependents {
				dependent.remaining--
				if dependent.remaining == 0 && !dependent.dispatched && s.runState(dependent.run) == StateQueued {
					dispatch(dependent)
				}
			}

		case StateFailed, StateCancelled:
			finished += s.skipDependents(n)
			if state == StateFailed && n.instance.Job.Matrix != nil && n.instance.Job.Matrix.FailFast {
				finished += s.failFastSiblings(graph, n)
			}
		}
	}

	result := &Result{Runs: graph.Runs()}
	for _, run := range result.Runs {
		if run.State == StateFailed {
			result.Failed = true
		}
		if run.Degraded {
			result.Degraded = true
		}
	}
	return result
}

// skipDependents marks every transitive queued dependent of n as
// skipped. Skipped runs are never dispatched. Returns the number of
// runs newly finished.
func (s *Scheduler) skipDependents(n *node) int {
	skipped := 0
	for _, dependent := range n.dependents {
		if dependent.dispatched || s.runState(dependent.run) != StateQueued {
			continue
		}
		s.setState(dependent.run, StateSkipped)
		skipped++
		s.logger.Info("run skipped", "job", dependent.instance.Job.Name, "cause", n.instance.Job.Name)

		// A shard skipped before dispatch still owes the barrier a
		// terminal outcome, or the finalizer would wait forever.
		if dependent.instance.Job.Coverage != nil {
			if err := s.barrier.Fail(dependent.sessionKey, dependent.instance.Tag); err != nil {
				s.logger.Warn("recording skipped shard", "error", err)
			}
		}
		skipped += s.skipDependents(dependent)
	}
	return skipped
}

// failFastSiblings tears down the failed shard's siblings: running
// shards are cancelled, queued shards are skipped. Returns the number
// of runs newly finished (cancelled runs complete through their
// workers and are not counted here).
func (s *Scheduler) failFastSiblings(graph *Graph, failed *node) int {
	finished := 0
	for _, sibling := range graph.nodes {
		if sibling == failed || sibling.group != failed.group {
			continue
		}
		switch {
		case !sibling.dispatched && s.runState(sibling.run) == StateQueued:
			s.setState(sibling.run, StateSkipped)
			finished++
			if sibling.instance.Job.Coverage != nil {
				if err := s.barrier.Fail(sibling.sessionKey, sibling.instance.Tag); err != nil {
					s.logger.Warn("recording skipped shard", "error", err)
				}
			}
			finished += s.skipDependents(sibling)
		default:
			s.cancelNode(sibling, errFailFast)
		}
	}
	return finished
}

// worker executes one node end to end and reports its completion.
func (s *Scheduler) worker(nodeCtx context.Context, n *node, completions chan<- *node) {
	defer n.cancel(nil)

	state := s.execute(nodeCtx, n)
	s.mu.Lock()
	n.run.State = state
	n.run.FinishedAt = s.clock.Now()
	s.mu.Unlock()

	completions <- n
}

// execute runs one node and settles its accounting. Coverage shards
// reach the barrier on every exit path, including cancellation while
// still waiting on the gate or the executor pool: a shard that ends
// without submitting is recorded as failed so the session always
// completes and Await never blocks on it. Failed runs carry a failure
// summary.
func (s *Scheduler) execute(nodeCtx context.Context, n *node) RunState {
	state := s.executeTask(nodeCtx, n)
	if n.instance.Job.Coverage != nil {
		state = s.submitCoverage(n, state)
	}
	if state == StateFailed && n.run.Report == nil {
		n.run.Report = s.summarize(n.run)
	}
	return state
}

// executeTask runs one node: gate acquisition, executor slot,
// deadline, barrier await for finalizers, task execution, and outcome
// classification. Barrier accounting lives in execute so that every
// return below reaches it.
func (s *Scheduler) executeTask(nodeCtx context.Context, n *node) RunState {
	run := n.run
	job := n.instance.Job

	token, err := s.gate.Acquire(nodeCtx, n.instance.ConcurrencyKey)
	if err != nil {
		run.Result = runner.Result{Err: err}
		return s.classify(nodeCtx, run.Result)
	}
	defer token.Release()

	if err := s.pool.Acquire(token.Context(), 1); err != nil {
		run.Result = runner.Result{Err: err}
		return s.classify(token.Context(), run.Result)
	}
	defer s.pool.Release(1)

	timeout := s.jobTimeout
	if job.Timeout != "" {
		if parsed, parseErr := time.ParseDuration(job.Timeout); parseErr == nil {
			timeout = parsed
		}
	}
	runCtx, cancelDeadline := context.WithCancelCause(token.Context())
	defer cancelDeadline(nil)
	deadline := s.clock.AfterFunc(timeout, func() {
		cancelDeadline(context.DeadlineExceeded)
	})
	defer deadline.Stop()

	s.mu.Lock()
	run.State = StateRunning
	run.StartedAt = s.clock.Now()
	s.mu.Unlock()

	// A finalize job blocks at the barrier before its first step.
	if job.Aggregate != nil {
		aggregate, awaitErr := s.barrier.Await(runCtx, n.sessionKey, s.aggregatePolicy(job.Aggregate.Policy))
		if awaitErr != nil {
			run.Result = runner.Result{Err: fmt.Errorf("awaiting session %q: %w", n.sessionKey, awaitErr)}
			return s.classify(runCtx, run.Result)
		}
		run.Degraded = aggregate.Degraded
		prepared, dir, aggregateErr := withAggregateEnv(job, aggregate)
		if dir != "" {
			defer os.RemoveAll(dir)
		}
		if aggregateErr != nil {
			run.Result = runner.Result{Err: aggregateErr}
			return StateFailed
		}
		job = prepared
	}

	result := s.runner.Run(runCtx, job)
	run.Result = result
	return s.classify(runCtx, result)
}

// submitCoverage pushes a successful shard's report to the barrier,
// or records the shard as terminally failed. A report that cannot be
// read or submitted turns a successful run into a failure.
func (s *Scheduler) submitCoverage(n *node, state RunState) RunState {
	job := n.instance.Job

	if state != StateSucceeded {
		if err := s.barrier.Fail(n.sessionKey, n.instance.Tag); err != nil {
			s.logger.Warn("recording failed shard", "error", err)
		}
		return state
	}

	data, err := os.ReadFile(job.Coverage.Path)
	if err != nil {
		n.run.Result.Err = fmt.Errorf("reading coverage report: %w", err)
		if failErr := s.barrier.Fail(n.sessionKey, n.instance.Tag); failErr != nil {
			s.logger.Warn("recording failed shard", "error", failErr)
		}
		return StateFailed
	}

	if s.artifacts != nil {
		ref, storeErr := s.artifacts.Store(data, "text/plain")
		if storeErr != nil {
			s.logger.Warn("archiving coverage report", "error", storeErr)
		} else {
			n.run.CoverageRef = ref
		}
	}

	if err := s.barrier.Submit(n.sessionKey, n.instance.Tag, data); err != nil {
		n.run.Result.Err = fmt.Errorf("submitting coverage report: %w", err)
		return StateFailed
	}
	return StateSucceeded
}

// classify maps a task outcome and its context state to a terminal
// run state. Timeout expiry is failure; supersession, fail-fast
// teardown, and graph cancellation are deliberate cancellations.
func (s *Scheduler) classify(ctx context.Context, result runner.Result) RunState {
	if result.Err == nil {
		return StateSucceeded
	}

	cause := context.Cause(ctx)
	switch {
	case errors.Is(result.Err, context.DeadlineExceeded) || errors.Is(cause, context.DeadlineExceeded):
		return StateFailed
	case gate.Superseded(ctx),
		errors.Is(result.Err, gate.ErrSuperseded),
		errors.Is(cause, errFailFast),
		errors.Is(result.Err, context.Canceled),
		errors.Is(cause, context.Canceled):
		return StateCancelled
	default:
		return StateFailed
	}
}

// summarize builds the failure report for a failed run.
func (s *Scheduler) summarize(run *Run) *report.Report {
	reason := "task failed"
	if run.Result.Err != nil {
		reason = run.Result.Err.Error()
	}
	return report.Summarize(report.Failure{
		Job:             run.Instance.Job.Name,
		Reason:          reason,
		FailedStep:      run.Result.FailedStep,
		ExitCode:        run.Result.ExitCode,
		Output:          run.Result.Output,
		OutputTruncated: run.Result.OutputTruncated,
	})
}

// withAggregateEnv returns a copy of job whose env exposes the
// aggregate to the finalize steps: LOOM_AGGREGATE_DIR holds one
// report file per shard, LOOM_AGGREGATE_DEGRADED and
// LOOM_AGGREGATE_MISSING carry the partial-failure accounting. The
// returned directory is owned by the caller, who removes it once the
// finalize run is done with it.
func withAggregateEnv(job schema.Job, aggregate *barrier.Aggregate) (schema.Job, string, error) {
	dir, err := os.MkdirTemp("", "loom-aggregate-*")
	if err != nil {
		return job, "", fmt.Errorf("creating aggregate directory: %w", err)
	}
	for tag, data := range aggregate.Reports {
		name := sanitizeTag(tag)
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			return job, dir, fmt.Errorf("writing aggregate report %q: %w", tag, err)
		}
	}

	env := make(map[string]string, len(job.Env)+3)
	for name, value := range job.Env {
		env[name] = value
	}
	env["LOOM_AGGREGATE_DIR"] = dir
	env["LOOM_AGGREGATE_DEGRADED"] = fmt.Sprintf("%t", aggregate.Degraded)
	env["LOOM_AGGREGATE_MISSING"] = strings.Join(aggregate.Missing, ";")
	job.Env = env
	return job, dir, nil
}

// sanitizeTag turns a shard tag into a safe file name.
func sanitizeTag(tag string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, tag)
}

// aggregatePolicy maps the schema policy string to the barrier's
// policy. Validate guarantees a non-empty string is one of the known
// values; an empty string takes the scheduler's configured default.
func (s *Scheduler) aggregatePolicy(policy string) barrier.Policy {
	switch policy {
	case schema.PolicyRequireAll:
		return barrier.RequireAll
	case schema.PolicyExcludeFailed:
		return barrier.ExcludeFailed
	default:
		return s.aggPolicy
	}
}

// runState reads a run's state under the scheduler mutex.
func (s *Scheduler) runState(run *Run) RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return run.State
}

// setState writes a run's state under the scheduler mutex.
func (s *Scheduler) setState(run *Run, state RunState) {
	s.mu.Lock()
	run.State = state
	run.FinishedAt = s.clock.Now()
	s.mu.Unlock()
}

// cancelNode cancels a node's in-flight work, if it was dispatched.
func (s *Scheduler) cancelNode(n *node, cause error) {
	if n.cancel != nil {
		n.cancel(cause)
	}
}
