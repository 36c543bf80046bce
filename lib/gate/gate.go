// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package gate implements per-key concurrency control with
// cancel-semantics: at most one live token exists per key, and a new
// acquisition for a live key supersedes the current holder. The old
// holder's context is cancelled with ErrSuperseded and the new
// acquisition waits for its release, up to a handover timeout, after
// which the token is granted anyway. The gate guarantees at most one
// logical owner per key, not hard mutual exclusion on underlying
// resources; superseded work must make its side effects idempotent or
// externally irrelevant.
package gate

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loomworks/loom/lib/clock"
)

// ErrSuperseded is the cancellation cause set on a holder's context
// when a newer acquisition for the same key arrives. Check with
// Superseded(ctx).
var ErrSuperseded = errors.New("superseded by a newer run with the same key")

// errReleased is the cancellation cause set on a token's context by
// its own Release.
var errReleased = errors.New("token released")

// DefaultHandoverTimeout is how long a new acquisition waits for the
// superseded holder to release before the token is granted anyway.
const DefaultHandoverTimeout = 30 * time.Second

// Gate tracks one live token per concurrency key.
//
// All methods are safe for concurrent use.
type Gate struct {
	clock    clock.Clock
	logger   *slog.Logger
	handover time.Duration

	mu      sync.Mutex
	holders map[string]*Token
}

// New creates a Gate. handover bounds the wait for a superseded
// holder's teardown (DefaultHandoverTimeout when zero). A nil logger
// discards.
func New(clk clock.Clock, handover time.Duration, logger *slog.Logger) *Gate {
	if clk == nil {
		clk = clock.Real()
	}
	if handover <= 0 {
		handover = DefaultHandoverTimeout
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Gate{
		clock:    clk,
		logger:   logger,
		handover: handover,
		holders:  make(map[string]*Token),
	}
}

// Token is a live claim on a concurrency key. Its Context is
// cancelled when a newer acquisition supersedes the holder (cause
// ErrSuperseded) or when the holder releases.
type Token struct {
	key      string
	gate     *Gate
	ctx      context.Context
	cancel   context.CancelCauseFunc
	released chan struct{}
	once     sync.Once
}

// Context returns the token's context. Work holding the token must
// watch it: cancellation means the claim on the key is gone and no
// new step may start.
func (t *Token) Context() context.Context { return t.ctx }

// Key returns the concurrency key this token claims.
func (t *Token) Key() string { return t.key }

// Release gives up the claim. Idempotent. Any acquisition waiting on
// this holder's teardown proceeds immediately.
func (t *Token) Release() {
	t.once.Do(func() {
		t.cancel(errReleased)
		t.gate.mu.Lock()
		if t.gate.holders[t.key] == t {
			delete(t.gate.holders, t.key)
		}
		t.gate.mu.Unlock()
		close(t.released)
	})
}

// Acquire claims key, superseding any live holder. The holder's
// context is cancelled with ErrSuperseded before Acquire waits, which
// totally orders runs within one key: the old run observes
// cancellation before the new run can start. If the holder does not
// release within the handover timeout it is evicted and the new token
// granted anyway.
//
// The returned token's context descends from ctx: cancelling ctx
// after the grant cancels the token's work. Acquire itself returns
// early with ctx's cause if ctx is cancelled while waiting.
func (g *Gate) Acquire(ctx context.Context, key string) (*Token, error) {
	for {
		g.mu.Lock()
		current := g.holders[key]
		if current == nil {
			tokenContext, cancel := context.WithCancelCause(ctx)
			token := &Token{
				key:      key,
				gate:     g,
				ctx:      tokenContext,
				cancel:   cancel,
				released: make(chan struct{}),
			}
			g.holders[key] = token
			g.mu.Unlock()
			return token, nil
		}

		// Signal the holder, then wait outside the lock for its
		// cooperative teardown.
		current.cancel(ErrSuperseded)
		g.mu.Unlock()
		g.logger.Debug("superseding run", "key", key)

		select {
		case <-current.released:
		case <-g.clock.After(g.handover):
			// Teardown overran its budget. Evict the stale holder
			// and grant on the next loop iteration. The gate
			// promises one logical owner, not that the old task's
			// processes are gone.
			g.logger.Warn("handover timeout, evicting stale holder", "key", key, "timeout", g.handover)
			g.evict(key, current)
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		}
	}
}

// evict removes token from the holder table if it is still installed.
func (g *Gate) evict(key string, token *Token) {
	g.mu.Lock()
	if g.holders[key] == token {
		delete(g.holders, key)
	}
	g.mu.Unlock()
}

// Superseded reports whether ctx was cancelled because its token was
// superseded by a newer acquisition.
func Superseded(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), ErrSuperseded)
}
