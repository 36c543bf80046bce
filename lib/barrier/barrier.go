// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package barrier implements the coverage aggregation rendezvous: a
// session per matrix job that collects one tagged report per shard
// and releases the finalize job only once every expected shard has
// either reported or terminally failed. A failing shard never stalls
// the pipeline: under the default policy its missing report is
// excluded and the aggregate is marked degraded.
//
// Session state is the only mutable state shared across concurrent
// runs, so it lives behind the registry's single mutex and is exposed
// only through Register, Submit, Fail, and Await.
package barrier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Policy selects the partial-failure behavior of Await.
type Policy int

const (
	// ExcludeFailed finalizes once all non-failed shards have
	// reported; failed shards are excluded and the aggregate is
	// marked degraded. The default: one flaky matrix leg must not
	// permanently stall the aggregation pipeline.
	ExcludeFailed Policy = iota

	// RequireAll refuses a partial aggregate: Await returns
	// ErrShardsFailed once the session is terminal if any expected
	// shard failed without reporting.
	RequireAll
)

// ErrUnknownSession is returned for operations on a session key that
// was never registered.
var ErrUnknownSession = errors.New("barrier: unknown session")

// ErrShardsFailed is returned by Await under RequireAll when at
// least one expected shard terminally failed without submitting.
var ErrShardsFailed = errors.New("barrier: expected shards failed without reporting")

// Aggregate is the barrier's finalize input: every received report,
// plus the accounting of shards that never reported.
type Aggregate struct {
	// Reports maps shard tag to its submitted report, for every
	// shard that reported.
	Reports map[string][]byte

	// Missing lists the expected tags excluded because their runs
	// terminally failed without submitting, in registration order.
	Missing []string

	// Degraded is true when Missing is non-empty. Surfaced as a
	// warning in the finalize result, not as a failure.
	Degraded bool
}

// Registry owns all aggregation sessions.
//
// All methods are safe for concurrent use.
type Registry struct {
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// session tracks one matrix job's expected vs received shard tags.
type session struct {
	// order preserves expansion order for the Missing list.
	order    []string
	expected map[string]bool
	reports  map[string][]byte
	failed   map[string]bool

	// changed is closed and replaced on every mutation; Await
	// re-checks completeness when it closes.
	changed chan struct{}
}

// New creates an empty session registry. A nil logger discards.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		logger:   logger,
		sessions: make(map[string]*session),
	}
}

// Register creates the session for sessionKey with the given expected
// shard tags (the full matrix expansion of the triggering job).
// Registering an existing session extends its expected set; already
// known tags are unchanged, so Register is idempotent across
// re-triggers.
func (r *Registry) Register(sessionKey string, expectedTags []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.sessions[sessionKey]
	if s == nil {
		s = &session{
			expected: make(map[string]bool),
			reports:  make(map[string][]byte),
			failed:   make(map[string]bool),
			changed:  make(chan struct{}),
		}
		r.sessions[sessionKey] = s
	}
	for _, tag := range expectedTags {
		if !s.expected[tag] {
			s.expected[tag] = true
			s.order = append(s.order, tag)
		}
	}
	s.notifyLocked()
	r.logger.Debug("session registered", "session", sessionKey, "expected", len(s.order))
}

// Submit records a shard's report. Idempotent per tag: a later
// submission overwrites, which supports gate-driven supersession: a
// re-triggered shard's fresh report replaces the stale one. A
// submission also clears any failure mark for the tag.
func (r *Registry) Submit(sessionKey, tag string, report []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.sessions[sessionKey]
	if s == nil {
		return fmt.Errorf("%w: %q", ErrUnknownSession, sessionKey)
	}
	if !s.expected[tag] {
		return fmt.Errorf("barrier: session %q does not expect tag %q", sessionKey, tag)
	}

	s.reports[tag] = report
	delete(s.failed, tag)
	s.notifyLocked()
	return nil
}

// Fail records that a shard terminated without submitting a report.
// A tag that already reported keeps its report; the run submitted
// before failing, and the data is still mergeable.
func (r *Registry) Fail(sessionKey, tag string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.sessions[sessionKey]
	if s == nil {
		return fmt.Errorf("%w: %q", ErrUnknownSession, sessionKey)
	}
	if !s.expected[tag] {
		return fmt.Errorf("barrier: session %q does not expect tag %q", sessionKey, tag)
	}

	if _, reported := s.reports[tag]; !reported {
		s.failed[tag] = true
	}
	s.notifyLocked()
	return nil
}

// Await blocks until every expected tag has either reported or
// terminally failed, then returns the aggregate per the policy.
// Returns ctx's cause if the context is cancelled first.
func (r *Registry) Await(ctx context.Context, sessionKey string, policy Policy) (*Aggregate, error) {
	for {
		r.mu.Lock()
		s := r.sessions[sessionKey]
		if s == nil {
			r.mu.Unlock()
			return nil, fmt.Errorf("%w: %q", ErrUnknownSession, sessionKey)
		}

		if aggregate, done, err := s.checkLocked(policy); done {
			r.mu.Unlock()
			return aggregate, err
		}
		changed := s.changed
		r.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		}
	}
}

// checkLocked evaluates session completeness under the registry
// mutex. done is false while any expected tag is still outstanding.
func (s *session) checkLocked(policy Policy) (*Aggregate, bool, error) {
	var missing []string
	for _, tag := range s.order {
		if _, reported := s.reports[tag]; reported {
			continue
		}
		if s.failed[tag] {
			missing = append(missing, tag)
			continue
		}
		// Outstanding: neither reported nor terminally failed.
		return nil, false, nil
	}

	if policy == RequireAll && len(missing) > 0 {
		return nil, true, fmt.Errorf("%w: %d of %d missing", ErrShardsFailed, len(missing), len(s.order))
	}

	reports := make(map[string][]byte, len(s.reports))
	for tag, report := range s.reports {
		reports[tag] = report
	}
	return &Aggregate{
		Reports:  reports,
		Missing:  missing,
		Degraded: len(missing) > 0,
	}, true, nil
}

// notifyLocked wakes every Await blocked on this session.
func (s *session) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}
