// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// Config is the master configuration for Loom.
type Config struct {
	// Environment identifies the deployment type (development, staging, production).
	Environment Environment `yaml:"environment"`

	// Paths configures directory locations.
	Paths PathsConfig `yaml:"paths"`

	// Executor configures task execution.
	Executor ExecutorConfig `yaml:"executor"`

	// Gate configures the concurrency gate.
	Gate GateConfig `yaml:"gate"`

	// Aggregation configures coverage aggregation.
	Aggregation AggregationConfig `yaml:"aggregation"`

	// History configures the run history journal.
	History HistoryConfig `yaml:"history"`

	// EnvironmentOverrides contains per-environment overrides.
	// These are applied after the base config is loaded.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	Paths       *PathsConfig       `yaml:"paths,omitempty"`
	Executor    *ExecutorConfig    `yaml:"executor,omitempty"`
	Gate        *GateConfig        `yaml:"gate,omitempty"`
	Aggregation *AggregationConfig `yaml:"aggregation,omitempty"`
	History     *HistoryConfig     `yaml:"history,omitempty"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// Root is the base directory for Loom data.
	Root string `yaml:"root"`

	// Workflows is the directory containing workflow definitions.
	Workflows string `yaml:"workflows"`

	// Artifacts is the content-addressed artifact store root.
	Artifacts string `yaml:"artifacts"`

	// State is where runtime state is stored, including the history
	// journal database.
	State string `yaml:"state"`
}

// ExecutorConfig configures task execution.
type ExecutorConfig struct {
	// Shell runs each step's command. Default: /bin/sh
	Shell string `yaml:"shell"`

	// MaxParallel bounds concurrently executing runs.
	// Default: 16
	MaxParallel int64 `yaml:"max_parallel"`

	// StepTimeout bounds steps that declare no timeout of their own.
	// Default: 5m
	StepTimeout string `yaml:"step_timeout"`

	// JobTimeout bounds jobs that declare no timeout of their own.
	// Default: 30m
	JobTimeout string `yaml:"job_timeout"`

	// CaptureSize is the output ring buffer capacity per run, in
	// bytes. Default: 1048576
	CaptureSize int `yaml:"capture_size"`
}

// GateConfig configures the concurrency gate.
type GateConfig struct {
	// HandoverTimeout is how long a superseding run waits for the
	// cancelled holder to release its key before proceeding anyway.
	// Default: 30s
	HandoverTimeout string `yaml:"handover_timeout"`
}

// AggregationConfig configures coverage aggregation.
type AggregationConfig struct {
	// DefaultPolicy applies to aggregate declarations that name no
	// policy. Values: "exclude_failed", "require_all".
	// Default: exclude_failed (development), require_all (production)
	DefaultPolicy string `yaml:"default_policy"`
}

// HistoryConfig configures the run history journal.
type HistoryConfig struct {
	// Database is the SQLite database path. Defaults to
	// history.db under Paths.State.
	Database string `yaml:"database"`

	// Retention is how long finished runs are kept before pruning.
	// Default: 720h (30 days)
	Retention string `yaml:"retention"`
}

// Default returns the default configuration.
// These defaults are used as a base before loading the config file.
// They exist primarily to ensure all fields have sensible zero-values,
// not as a fallback - the config file is required.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".cache", "loom")

	return &Config{
		Environment: Development,
		Paths: PathsConfig{
			Root:      defaultRoot,
			Workflows: filepath.Join(defaultRoot, "workflows"),
			Artifacts: filepath.Join(defaultRoot, "artifacts"),
			State:     filepath.Join(defaultRoot, "state"),
		},
		Executor: ExecutorConfig{
			Shell:       "/bin/sh",
			MaxParallel: 16,
			StepTimeout: "5m",
			JobTimeout:  "30m",
			CaptureSize: 1 << 20,
		},
		Gate: GateConfig{
			HandoverTimeout: "30s",
		},
		Aggregation: AggregationConfig{
			DefaultPolicy: "exclude_failed",
		},
		History: HistoryConfig{
			Database:  filepath.Join(defaultRoot, "state", "history.db"),
			Retention: "720h",
		},
	}
}

// Load loads configuration from the LOOM_CONFIG environment variable.
//
// This is the only way to load configuration without an explicit path.
// There are no fallbacks or defaults - if LOOM_CONFIG is not set, this fails.
// This ensures deterministic, auditable configuration with no hidden overrides.
func Load() (*Config, error) {
	configPath := os.Getenv("LOOM_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("LOOM_CONFIG environment variable not set; " +
			"set it to the path of your loom.yaml config file, or use --config flag")
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
//
// The config file is the single source of truth. Environment variables do not
// override config values - this ensures deterministic, auditable configuration.
// The only expansion performed is ${HOME} and similar path variables for portability.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}

	// Apply environment-specific overrides (development/staging/production sections in the file).
	cfg.applyEnvironmentOverrides()

	// Expand ${HOME} and similar variables in paths for portability.
	cfg.expandVariables()

	return cfg, nil
}

// loadFile loads a single configuration file, merging into the current config.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, c)
}

// applyEnvironmentOverrides applies the environment-specific overrides.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
		// Production defaults: aggregation tolerates no missing shards.
		if overrides == nil {
			overrides = &ConfigOverrides{
				Aggregation: &AggregationConfig{
					DefaultPolicy: "require_all",
				},
			}
		}
	}

	if overrides == nil {
		return
	}

	if overrides.Paths != nil {
		if overrides.Paths.Root != "" {
			c.Paths.Root = overrides.Paths.Root
		}
		if overrides.Paths.Workflows != "" {
			c.Paths.Workflows = overrides.Paths.Workflows
		}
		if overrides.Paths.Artifacts != "" {
			c.Paths.Artifacts = overrides.Paths.Artifacts
		}
		if overrides.Paths.State != "" {
			c.Paths.State = overrides.Paths.State
		}
	}

	if overrides.Executor != nil {
		if overrides.Executor.Shell != "" {
			c.Executor.Shell = overrides.Executor.Shell
		}
		if overrides.Executor.MaxParallel != 0 {
			c.Executor.MaxParallel = overrides.Executor.MaxParallel
		}
		if overrides.Executor.StepTimeout != "" {
			c.Executor.StepTimeout = overrides.Executor.StepTimeout
		}
		if overrides.Executor.JobTimeout != "" {
			c.Executor.JobTimeout = overrides.Executor.JobTimeout
		}
		if overrides.Executor.CaptureSize != 0 {
			c.Executor.CaptureSize = overrides.Executor.CaptureSize
		}
	}

	if overrides.Gate != nil {
		if overrides.Gate.HandoverTimeout != "" {
			c.Gate.HandoverTimeout = overrides.Gate.HandoverTimeout
		}
	}

	if overrides.Aggregation != nil {
		if overrides.Aggregation.DefaultPolicy != "" {
			c.Aggregation.DefaultPolicy = overrides.Aggregation.DefaultPolicy
		}
	}

	if overrides.History != nil {
		if overrides.History.Database != "" {
			c.History.Database = overrides.History.Database
		}
		if overrides.History.Retention != "" {
			c.History.Retention = overrides.History.Retention
		}
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"LOOM_ROOT": c.Paths.Root,
		"HOME":      os.Getenv("HOME"),
	}

	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["LOOM_ROOT"] = c.Paths.Root // Update for dependent paths.

	c.Paths.Workflows = expandVars(c.Paths.Workflows, vars)
	c.Paths.Artifacts = expandVars(c.Paths.Artifacts, vars)
	c.Paths.State = expandVars(c.Paths.State, vars)
	c.History.Database = expandVars(c.History.Database, vars)
}

// expandVars expands ${VAR} and ${VAR:-default} patterns.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if c.Paths.Root == "" {
		errs = append(errs, fmt.Errorf("paths.root is required"))
	}

	if c.Executor.Shell == "" {
		errs = append(errs, fmt.Errorf("executor.shell is required"))
	}

	if c.Executor.MaxParallel <= 0 {
		errs = append(errs, fmt.Errorf("executor.max_parallel must be positive"))
	}

	for field, value := range map[string]string{
		"executor.step_timeout": c.Executor.StepTimeout,
		"executor.job_timeout":  c.Executor.JobTimeout,
		"gate.handover_timeout": c.Gate.HandoverTimeout,
		"history.retention":     c.History.Retention,
	} {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid duration %q", field, value))
		}
	}

	policyValues := []string{"exclude_failed", "require_all"}
	if !contains(policyValues, c.Aggregation.DefaultPolicy) {
		errs = append(errs, fmt.Errorf("aggregation.default_policy must be one of: %v", policyValues))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsurePaths creates all configured directories if they don't exist.
func (c *Config) EnsurePaths() error {
	paths := []string{
		c.Paths.Root,
		c.Paths.Workflows,
		c.Paths.Artifacts,
		c.Paths.State,
	}

	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}

	return nil
}

func contains(slice []string, s string) bool {
	for _, v := range slice {
		if v == s {
			return true
		}
	}
	return false
}

// Duration parses a duration field, returning fallback when the
// field is empty. Validate has already rejected malformed values.
func Duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
