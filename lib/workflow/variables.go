// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package workflow implements matrix expansion and variable
// substitution for workflow definitions: turning a templated job into
// the concrete, independently schedulable instances the graph
// scheduler dispatches.
package workflow

import (
	"fmt"
	"regexp"
	"strings"
)

// variablePattern matches ${NAME} references in strings, where NAME
// may be a dotted path (${matrix.os}), plus the $${NAME} escape form.
// Only the braced form is recognized; bare $NAME is left for shell
// interpretation.
var variablePattern = regexp.MustCompile(`\$?\$\{([A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z_][A-Za-z0-9_]*)*)\}`)

// Expand replaces ${NAME} references in input with values from the
// variables map. $${NAME} escapes expansion: a literal ${NAME} passes
// through for the shell, so step commands can use plain shell
// variables without tripping the unresolved-reference check. Returns
// an error listing all referenced variables that have no value, so
// definitions fail fast on unresolvable references instead of
// producing broken commands or ambiguous concurrency keys.
func Expand(input string, variables map[string]string) (string, error) {
	var unresolved []string

	result := variablePattern.ReplaceAllStringFunc(input, func(match string) string {
		if strings.HasPrefix(match, "$$") {
			return match[1:]
		}
		// Extract the variable name from ${NAME}.
		name := match[2 : len(match)-1]
		if value, exists := variables[name]; exists {
			return value
		}
		unresolved = append(unresolved, name)
		return match
	})

	if len(unresolved) > 0 {
		return "", fmt.Errorf("unresolved workflow variables: %s", strings.Join(unresolved, ", "))
	}

	return result, nil
}

// expandMap applies Expand to every value of a map, returning a new
// map. A nil input stays nil.
func expandMap(input map[string]string, variables map[string]string) (map[string]string, error) {
	if input == nil {
		return nil, nil
	}
	result := make(map[string]string, len(input))
	for key, value := range input {
		expanded, err := Expand(value, variables)
		if err != nil {
			return nil, fmt.Errorf("env %q: %w", key, err)
		}
		result[key] = expanded
	}
	return result, nil
}
