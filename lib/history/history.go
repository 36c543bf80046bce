// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package history persists finished runs to a local SQLite journal.
//
// The journal is append-mostly: every graph submission records one row
// per run, indexed columns carry what queries filter on (workflow,
// state, finish time), and everything else travels in a CBOR detail
// blob so the schema stays stable as run metadata grows. Retention
// pruning deletes rows past a configured age.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/loomworks/loom/lib/clock"
	"github.com/loomworks/loom/lib/codec"
	"github.com/loomworks/loom/lib/scheduler"
	"github.com/loomworks/loom/lib/sqlitepool"
	"github.com/loomworks/loom/lib/trigger"
)

const schemaScript = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	workflow    TEXT NOT NULL,
	job         TEXT NOT NULL,
	tag         TEXT NOT NULL DEFAULT '',
	event       TEXT NOT NULL,
	ref         TEXT NOT NULL,
	state       TEXT NOT NULL,
	exit_code   INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	started_at  INTEGER NOT NULL,
	finished_at INTEGER NOT NULL,
	detail      BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS runs_workflow_finished
	ON runs (workflow, finished_at DESC);
CREATE INDEX IF NOT EXISTS runs_finished
	ON runs (finished_at);
`

// Detail carries the run metadata that queries never filter on. It is
// stored as a CBOR blob so new fields need no schema migration.
type Detail struct {
	ConcurrencyKey  string `cbor:"concurrency_key"`
	CoverageRef     string `cbor:"coverage_ref,omitempty"`
	Degraded        bool   `cbor:"degraded,omitempty"`
	FailedStep      string `cbor:"failed_step,omitempty"`
	Error           string `cbor:"error,omitempty"`
	Report          string `cbor:"report,omitempty"`
	OutputTruncated bool   `cbor:"output_truncated,omitempty"`
}

// Entry is one journaled run.
type Entry struct {
	ID         string
	Workflow   string
	Job        string
	Tag        string
	Event      string
	Ref        string
	State      scheduler.RunState
	ExitCode   int
	Duration   time.Duration
	StartedAt  time.Time
	FinishedAt time.Time
	Detail     Detail
}

// Journal is the run history store.
type Journal struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger
}

// Config holds the parameters for opening a journal.
type Config struct {
	// Path is the SQLite database path. The parent directory must
	// exist. Required.
	Path string

	// PoolSize is the connection pool size. Defaults to the pool's
	// own default.
	PoolSize int

	// Clock provides the current time for retention decisions.
	// Defaults to the real clock.
	Clock clock.Clock

	// Logger receives operational messages. Nil discards.
	Logger *slog.Logger
}

// Open creates the journal, creating the database and schema as
// needed. The caller must Close it.
func Open(cfg Config) (*Journal, error) {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	pool, err := sqlitepool.Open(cfg.Path, sqlitepool.Options{
		PoolSize: cfg.PoolSize,
		Schema:   schemaScript,
		Logger:   cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}

	return &Journal{pool: pool, clock: cfg.Clock, logger: cfg.Logger}, nil
}

// Close closes the underlying connection pool.
func (j *Journal) Close() error {
	return j.pool.Close()
}

// Record journals every run of a finished submission in a single
// IMMEDIATE transaction.
func (j *Journal) Record(ctx context.Context, workflow string, event trigger.Event, runs []*scheduler.Run) error {
	if len(runs) == 0 {
		return nil
	}

	err := j.pool.WithTx(ctx, func(conn *sqlite.Conn) error {
		for _, run := range runs {
			if err := j.insertRun(conn, workflow, event, run); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("history: record: %w", err)
	}

	j.logger.Debug("runs journaled", "workflow", workflow, "count", len(runs))
	return nil
}

func (j *Journal) insertRun(conn *sqlite.Conn, workflow string, event trigger.Event, run *scheduler.Run) error {
	detail := Detail{
		ConcurrencyKey:  run.Instance.ConcurrencyKey,
		CoverageRef:     run.CoverageRef,
		Degraded:        run.Degraded,
		FailedStep:      run.Result.FailedStep,
		OutputTruncated: run.Result.OutputTruncated,
	}
	if run.Result.Err != nil {
		detail.Error = run.Result.Err.Error()
	}
	if run.Report != nil {
		detail.Report = run.Report.Render()
	}

	blob, err := codec.Marshal(detail)
	if err != nil {
		return fmt.Errorf("history: encoding detail for run %s: %w", run.ID, err)
	}

	err = sqlitex.Execute(conn, `
		INSERT OR REPLACE INTO runs
			(id, workflow, job, tag, event, ref, state, exit_code,
			 duration_ms, started_at, finished_at, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				run.ID,
				workflow,
				run.Instance.Job.Name,
				run.Instance.Tag,
				event.Type,
				event.Ref,
				string(run.State),
				run.Result.ExitCode,
				run.Result.Duration.Milliseconds(),
				run.StartedAt.UnixMilli(),
				run.FinishedAt.UnixMilli(),
				blob,
			},
		})
	if err != nil {
		return fmt.Errorf("history: inserting run %s: %w", run.ID, err)
	}
	return nil
}

// RecentRuns returns up to limit runs of the named workflow, newest
// first. A zero or negative limit defaults to 50.
func (j *Journal) RecentRuns(ctx context.Context, workflow string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	var entries []Entry
	err := j.pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			SELECT id, workflow, job, tag, event, ref, state, exit_code,
			       duration_ms, started_at, finished_at, detail
			FROM runs
			WHERE workflow = ?
			ORDER BY finished_at DESC, id
			LIMIT ?`,
			&sqlitex.ExecOptions{
				Args: []any{workflow, limit},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					entry, scanErr := scanEntry(stmt)
					if scanErr != nil {
						return scanErr
					}
					entries = append(entries, entry)
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("history: querying workflow %q: %w", workflow, err)
	}
	return entries, nil
}

func scanEntry(stmt *sqlite.Stmt) (Entry, error) {
	entry := Entry{
		ID:         stmt.ColumnText(0),
		Workflow:   stmt.ColumnText(1),
		Job:        stmt.ColumnText(2),
		Tag:        stmt.ColumnText(3),
		Event:      stmt.ColumnText(4),
		Ref:        stmt.ColumnText(5),
		State:      scheduler.RunState(stmt.ColumnText(6)),
		ExitCode:   stmt.ColumnInt(7),
		Duration:   time.Duration(stmt.ColumnInt64(8)) * time.Millisecond,
		StartedAt:  time.UnixMilli(stmt.ColumnInt64(9)).UTC(),
		FinishedAt: time.UnixMilli(stmt.ColumnInt64(10)).UTC(),
	}

	blob := make([]byte, stmt.ColumnLen(11))
	stmt.ColumnBytes(11, blob)
	if err := codec.Unmarshal(blob, &entry.Detail); err != nil {
		return Entry{}, fmt.Errorf("history: decoding detail for run %s: %w", entry.ID, err)
	}
	return entry, nil
}

// Prune deletes runs that finished more than retention ago. Returns
// the number of rows removed.
func (j *Journal) Prune(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := j.clock.Now().Add(-retention).UnixMilli()

	removed := 0
	err := j.pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		if execErr := sqlitex.Execute(conn, `DELETE FROM runs WHERE finished_at < ?`,
			&sqlitex.ExecOptions{Args: []any{cutoff}}); execErr != nil {
			return execErr
		}
		removed = conn.Changes()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("history: pruning runs: %w", err)
	}

	if removed > 0 {
		j.logger.Info("history pruned", "removed", removed, "retention", retention.String())
	}
	return removed, nil
}
