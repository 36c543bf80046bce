// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides channel assertion helpers shared across
// Loom package tests. They encapsulate the timeout safety valve so
// individual tests never block forever on a channel that nothing
// sends on.
package testutil

import (
	"fmt"
	"time"
)

// TB is the subset of *testing.T the helpers need.
type TB interface {
	Helper()
	Fatalf(format string, args ...any)
}

// RequireReceive reads one value from ch within timeout, or fails the
// test.
//
//	result := testutil.RequireReceive(t, ch, 5*time.Second, "scheduler result")
func RequireReceive[T any](t TB, ch <-chan T, timeout time.Duration, msgAndArgs ...any) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed without sending a value: %s", formatMessage(msgAndArgs))
		}
		return v
	case <-time.After(timeout):
		t.Fatalf("timed out after %v: %s", timeout, formatMessage(msgAndArgs))
	}
	panic("unreachable")
}

// RequireSend sends v on ch within timeout, or fails the test.
func RequireSend[T any](t TB, ch chan<- T, v T, timeout time.Duration, msgAndArgs ...any) {
	t.Helper()
	select {
	case ch <- v:
	case <-time.After(timeout):
		t.Fatalf("timed out after %v: %s", timeout, formatMessage(msgAndArgs))
	}
}

// RequireClosed waits for ch to be closed (or receive a value) within
// timeout, or fails the test. Use for done channels that signal by
// closing.
func RequireClosed(t TB, ch <-chan struct{}, timeout time.Duration, msgAndArgs ...any) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(timeout):
		t.Fatalf("timed out after %v waiting for channel close: %s", timeout, formatMessage(msgAndArgs))
	}
}

// formatMessage formats optional message arguments: a single string,
// or a format string followed by args.
func formatMessage(msgAndArgs []any) string {
	if len(msgAndArgs) == 0 {
		return "(no message)"
	}
	if format, ok := msgAndArgs[0].(string); ok {
		if len(msgAndArgs) == 1 {
			return format
		}
		return fmt.Sprintf(format, msgAndArgs[1:]...)
	}
	return fmt.Sprintf("%v", msgAndArgs)
}
