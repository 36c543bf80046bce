// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package workflow defines the Loom workflow definition types: the
// trigger configuration, job declarations with dependency edges and
// matrix axes, step configurations, and coverage session wiring.
// These are the structs that workflow JSONC files unmarshal into.
package workflow
