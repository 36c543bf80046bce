// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package trigger models the event descriptors that start workflows
// and evaluates a workflow's trigger filters against them. Filtering
// is configuration surface, not orchestrator logic: a filtered-out
// event simply never instantiates the graph.
package trigger

import (
	"path"
	"strings"

	schema "github.com/loomworks/loom/lib/schema/workflow"
)

// Event describes one source event: a push or pull_request with its
// ref and the list of changed paths.
type Event struct {
	// Type is workflow.EventPush or workflow.EventPullRequest.
	Type string

	// Ref is the full git ref ("refs/heads/main") or short branch
	// name ("main").
	Ref string

	// ChangedPaths lists the files the event touched. Used by
	// paths_ignore filters to skip documentation-only changes.
	ChangedPaths []string
}

// Matches reports whether the event should trigger a workflow with
// the given trigger configuration. A nil trigger accepts every push
// and pull_request event.
func Matches(trigger *schema.Trigger, event Event) bool {
	if trigger == nil {
		return event.Type == schema.EventPush || event.Type == schema.EventPullRequest
	}

	var filter *schema.EventFilter
	switch event.Type {
	case schema.EventPush:
		filter = trigger.Push
	case schema.EventPullRequest:
		filter = trigger.PullRequest
	default:
		return false
	}
	if filter == nil {
		return false
	}

	if len(filter.Branches) > 0 && !matchesAny(filter.Branches, ShortRef(event.Ref)) {
		return false
	}

	// paths_ignore drops the event only when every changed path is
	// ignored. An event with no path information always passes;
	// skipping work on missing data would silently drop real
	// changes.
	if len(filter.PathsIgnore) > 0 && len(event.ChangedPaths) > 0 {
		allIgnored := true
		for _, changed := range event.ChangedPaths {
			if !matchesAny(filter.PathsIgnore, changed) {
				allIgnored = false
				break
			}
		}
		if allIgnored {
			return false
		}
	}

	return true
}

// ShortRef strips the "refs/heads/" or "refs/tags/" prefix from a
// full git ref. Other refs (and already-short names) pass through
// unchanged.
func ShortRef(ref string) string {
	for _, prefix := range []string{"refs/heads/", "refs/tags/"} {
		if strings.HasPrefix(ref, prefix) {
			return strings.TrimPrefix(ref, prefix)
		}
	}
	return ref
}

// matchesAny reports whether value matches at least one pattern.
// Patterns use path.Match syntax; a trailing "/**" additionally
// matches everything under the prefix directory ("docs/**" matches
// "docs/guide/index.md", which path.Match alone would not).
func matchesAny(patterns []string, value string) bool {
	for _, pattern := range patterns {
		if prefix, found := strings.CutSuffix(pattern, "/**"); found {
			if value == prefix || strings.HasPrefix(value, prefix+"/") {
				return true
			}
			continue
		}
		if matched, err := path.Match(pattern, value); err == nil && matched {
			return true
		}
	}
	return false
}
