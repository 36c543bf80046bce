// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Environment != Development {
		t.Errorf("expected environment=development, got %s", cfg.Environment)
	}

	if cfg.Executor.Shell != "/bin/sh" {
		t.Errorf("expected shell=/bin/sh, got %s", cfg.Executor.Shell)
	}

	if cfg.Aggregation.DefaultPolicy != "exclude_failed" {
		t.Errorf("expected default_policy=exclude_failed, got %s", cfg.Aggregation.DefaultPolicy)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config does not validate: %v", err)
	}
}

func TestLoad_RequiresLoomConfig(t *testing.T) {
	// Save and restore LOOM_CONFIG.
	origConfig := os.Getenv("LOOM_CONFIG")
	defer os.Setenv("LOOM_CONFIG", origConfig)

	// Unset LOOM_CONFIG - Load() should fail.
	os.Unsetenv("LOOM_CONFIG")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when LOOM_CONFIG not set, got nil")
	}

	expectedMsg := "LOOM_CONFIG environment variable not set"
	if !strings.HasPrefix(err.Error(), expectedMsg) {
		t.Errorf("expected error message to start with %q, got %q", expectedMsg, err.Error())
	}
}

func TestLoad_WithLoomConfig(t *testing.T) {
	origConfig := os.Getenv("LOOM_CONFIG")
	defer os.Setenv("LOOM_CONFIG", origConfig)

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "loom.yaml")

	configContent := `
environment: development
paths:
  root: /var/lib/loom
executor:
  max_parallel: 4
  job_timeout: 1h
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatal(err)
	}
	os.Setenv("LOOM_CONFIG", configPath)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Paths.Root != "/var/lib/loom" {
		t.Errorf("expected root=/var/lib/loom, got %s", cfg.Paths.Root)
	}
	if cfg.Executor.MaxParallel != 4 {
		t.Errorf("expected max_parallel=4, got %d", cfg.Executor.MaxParallel)
	}
	if cfg.Executor.JobTimeout != "1h" {
		t.Errorf("expected job_timeout=1h, got %s", cfg.Executor.JobTimeout)
	}
	// Fields the file does not mention keep their defaults.
	if cfg.Executor.Shell != "/bin/sh" {
		t.Errorf("expected shell=/bin/sh, got %s", cfg.Executor.Shell)
	}
}

func TestLoadFile_EnvironmentOverrides(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "loom.yaml")

	configContent := `
environment: production
paths:
  root: /var/lib/loom
production:
  executor:
    max_parallel: 64
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if cfg.Executor.MaxParallel != 64 {
		t.Errorf("expected max_parallel=64 from production override, got %d", cfg.Executor.MaxParallel)
	}
}

func TestLoadFile_ProductionDefaultsRequireAll(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "loom.yaml")

	configContent := `
environment: production
paths:
  root: /var/lib/loom
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if cfg.Aggregation.DefaultPolicy != "require_all" {
		t.Errorf("expected default_policy=require_all in production, got %s", cfg.Aggregation.DefaultPolicy)
	}
}

func TestLoadFile_ExpandsVariables(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "loom.yaml")

	configContent := `
paths:
  root: /srv/loom
  artifacts: ${LOOM_ROOT}/blobs
history:
  database: ${LOOM_ROOT}/state/history.db
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if cfg.Paths.Artifacts != "/srv/loom/blobs" {
		t.Errorf("expected artifacts=/srv/loom/blobs, got %s", cfg.Paths.Artifacts)
	}
	if cfg.History.Database != "/srv/loom/state/history.db" {
		t.Errorf("expected database=/srv/loom/state/history.db, got %s", cfg.History.Database)
	}
}

func TestValidate_RejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Environment = "testing"
	cfg.Executor.JobTimeout = "soon"
	cfg.Aggregation.DefaultPolicy = "hope"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation errors, got nil")
	}
	for _, want := range []string{"invalid environment", "job_timeout", "default_policy"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("validation error %q does not mention %s", err.Error(), want)
		}
	}
}

func TestEnsurePaths(t *testing.T) {
	tmpDir := t.TempDir()
	cfg := Default()
	cfg.Paths.Root = filepath.Join(tmpDir, "root")
	cfg.Paths.Workflows = filepath.Join(tmpDir, "root", "workflows")
	cfg.Paths.Artifacts = filepath.Join(tmpDir, "root", "artifacts")
	cfg.Paths.State = filepath.Join(tmpDir, "root", "state")

	if err := cfg.EnsurePaths(); err != nil {
		t.Fatalf("EnsurePaths: %v", err)
	}
	for _, path := range []string{cfg.Paths.Root, cfg.Paths.Workflows, cfg.Paths.Artifacts, cfg.Paths.State} {
		info, err := os.Stat(path)
		if err != nil {
			t.Errorf("stat %s: %v", path, err)
			continue
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", path)
		}
	}
}

func TestDuration(t *testing.T) {
	if got := Duration("90s", time.Minute); got != 90*time.Second {
		t.Errorf("Duration(90s) = %v, want 90s", got)
	}
	if got := Duration("", time.Minute); got != time.Minute {
		t.Errorf("Duration(empty) = %v, want fallback 1m", got)
	}
	if got := Duration("garbage", time.Minute); got != time.Minute {
		t.Errorf("Duration(garbage) = %v, want fallback 1m", got)
	}
}
