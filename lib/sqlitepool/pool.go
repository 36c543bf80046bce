// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitepool

import (
	"context"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// DefaultPoolSize is the connection count when Options leaves it
// unset: one writer plus one concurrent reader covers the journal's
// record-then-query pattern.
const DefaultPoolSize = 2

// Options tunes an opened pool. The zero value is usable.
type Options struct {
	// PoolSize is the number of connections. Defaults to
	// DefaultPoolSize. Writes serialize in SQLite regardless, so
	// extra connections only help concurrent readers.
	PoolSize int

	// Schema is a SQL script executed on every new connection, after
	// the pragmas. Keep it idempotent (CREATE TABLE IF NOT EXISTS):
	// it runs once per connection, not once per database.
	Schema string

	// Logger receives open/close events. Nil discards.
	Logger *slog.Logger
}

// Pool is a fixed-size set of SQLite connections with journal-tuned
// pragmas. Work runs inside WithConn or WithTx closures; connections
// never escape the pool.
//
// Pool is safe for concurrent use.
type Pool struct {
	inner  *sqlitex.Pool
	logger *slog.Logger
	path   string
	schema string
}

// Open creates the pool at path, creating the database file if needed
// (the parent directory must exist). Connections initialize lazily on
// first use. The caller must Close the pool.
func Open(path string, opts Options) (*Pool, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlitepool: path is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = DefaultPoolSize
	}

	pool := &Pool{
		logger: opts.Logger,
		path:   path,
		schema: opts.Schema,
	}
	inner, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    opts.PoolSize,
		PrepareConn: pool.prepare,
	})
	if err != nil {
		return nil, fmt.Errorf("sqlitepool: opening %s: %w", path, err)
	}
	pool.inner = inner

	opts.Logger.Debug("sqlite pool opened", "path", path, "pool_size", opts.PoolSize)
	return pool, nil
}

// WithConn borrows a connection, runs fn, and returns it. Blocks
// until a connection is free or ctx is cancelled. The connection must
// not be retained past fn.
func (p *Pool) WithConn(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	conn, err := p.inner.Take(ctx)
	if err != nil {
		return fmt.Errorf("sqlitepool: take: %w", err)
	}
	defer p.inner.Put(conn)
	return fn(conn)
}

// WithTx runs fn inside an IMMEDIATE transaction on a borrowed
// connection: committed when fn returns nil, rolled back otherwise.
// IMMEDIATE takes the write lock up front, so a batch of inserts
// never deadlocks against a concurrent reader's lock upgrade.
func (p *Pool) WithTx(ctx context.Context, fn func(conn *sqlite.Conn) error) (err error) {
	conn, err := p.inner.Take(ctx)
	if err != nil {
		return fmt.Errorf("sqlitepool: take: %w", err)
	}
	defer p.inner.Put(conn)

	endTx, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("sqlitepool: begin immediate: %w", err)
	}
	defer endTx(&err)

	err = fn(conn)
	return err
}

// Close closes every connection. Blocks until borrowed connections
// return.
func (p *Pool) Close() error {
	if err := p.inner.Close(); err != nil {
		return fmt.Errorf("sqlitepool: closing %s: %w", p.path, err)
	}
	p.logger.Debug("sqlite pool closed", "path", p.path)
	return nil
}

// prepare runs once per connection: pragmas first, then the schema
// script.
func (p *Pool) prepare(conn *sqlite.Conn) error {
	// Tuned for the run journal: a small, append-mostly database.
	// WAL lets a history query read while a submission records;
	// NORMAL synchronous survives a process crash, which is enough
	// here (a lost journal row is re-creatable by re-triggering, the
	// artifacts stay the source of truth); the busy timeout absorbs
	// writer contention from a second loom process on the same
	// database.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-2048",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("sqlitepool: %s: %w", pragma, err)
		}
	}

	if p.schema != "" {
		if err := sqlitex.ExecuteScript(conn, p.schema, nil); err != nil {
			return fmt.Errorf("sqlitepool: applying schema: %w", err)
		}
	}
	return nil
}
