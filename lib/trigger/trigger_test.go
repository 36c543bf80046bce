// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package trigger

import (
	"testing"

	schema "github.com/loomworks/loom/lib/schema/workflow"
)

func TestMatchesNilTrigger(t *testing.T) {
	if !Matches(nil, Event{Type: schema.EventPush, Ref: "main"}) {
		t.Error("nil trigger rejected a push")
	}
	if !Matches(nil, Event{Type: schema.EventPullRequest}) {
		t.Error("nil trigger rejected a pull_request")
	}
	if Matches(nil, Event{Type: "schedule"}) {
		t.Error("nil trigger accepted an unknown event type")
	}
}

func TestMatchesEventTypeSelection(t *testing.T) {
	pushOnly := &schema.Trigger{Push: &schema.EventFilter{}}
	if !Matches(pushOnly, Event{Type: schema.EventPush, Ref: "main"}) {
		t.Error("push filter rejected a push")
	}
	if Matches(pushOnly, Event{Type: schema.EventPullRequest}) {
		t.Error("push-only trigger accepted a pull_request")
	}
}

func TestMatchesBranchFilter(t *testing.T) {
	trigger := &schema.Trigger{
		Push: &schema.EventFilter{Branches: []string{"main", "release/*"}},
	}

	cases := []struct {
		ref  string
		want bool
	}{
		{"refs/heads/main", true},
		{"main", true},
		{"refs/heads/release/1.2", true},
		{"refs/heads/feature/x", false},
	}
	for _, tc := range cases {
		if got := Matches(trigger, Event{Type: schema.EventPush, Ref: tc.ref}); got != tc.want {
			t.Errorf("ref %q: matches = %v, want %v", tc.ref, got, tc.want)
		}
	}
}

func TestMatchesPathsIgnore(t *testing.T) {
	trigger := &schema.Trigger{
		Push: &schema.EventFilter{PathsIgnore: []string{"docs/**", "*.md"}},
	}

	// Documentation-only change: skipped.
	docsOnly := Event{
		Type:         schema.EventPush,
		Ref:          "main",
		ChangedPaths: []string{"docs/guide/index.rst", "README.md"},
	}
	if Matches(trigger, docsOnly) {
		t.Error("documentation-only change triggered the workflow")
	}

	// One source change among docs: triggers.
	mixed := Event{
		Type:         schema.EventPush,
		Ref:          "main",
		ChangedPaths: []string{"docs/guide/index.rst", "src/core.py"},
	}
	if !Matches(trigger, mixed) {
		t.Error("mixed change did not trigger the workflow")
	}

	// No path information: triggers.
	if !Matches(trigger, Event{Type: schema.EventPush, Ref: "main"}) {
		t.Error("event without path data was dropped")
	}
}

func TestShortRef(t *testing.T) {
	cases := map[string]string{
		"refs/heads/main":  "main",
		"refs/tags/v1.0":   "v1.0",
		"main":             "main",
		"refs/pull/42/head": "refs/pull/42/head",
	}
	for ref, want := range cases {
		if got := ShortRef(ref); got != want {
			t.Errorf("ShortRef(%q) = %q, want %q", ref, got, want)
		}
	}
}
