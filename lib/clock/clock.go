// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction so that
// deadline and duration logic is deterministic under test.
//
// Production code accepts a Clock instead of calling time.Now,
// time.After, time.AfterFunc, or time.Sleep directly. Real() provides
// standard library behavior; Fake() provides a clock that advances
// only when Advance is called.
package clock

import "time"

// Clock abstracts the time operations the orchestrator performs.
// Every run deadline, handover timeout, and duration measurement goes
// through a Clock so tests can drive time explicitly.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time after
	// duration d elapses. If d <= 0, the channel receives
	// immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc waits for duration d, then calls f in its own
	// goroutine (real clock) or synchronously during Advance (fake
	// clock). The returned Timer cancels the pending call via Stop.
	AfterFunc(d time.Duration, f func()) *Timer

	// Sleep pauses the calling goroutine for at least duration d.
	Sleep(d time.Duration)
}

// Timer represents a scheduled AfterFunc call.
type Timer struct {
	stopFunc func() bool
}

// Stop prevents the timer from firing. Returns true if the call stops
// the timer, false if it already fired or was stopped.
func (t *Timer) Stop() bool { return t.stopFunc() }
