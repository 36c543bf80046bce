// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool backs Loom's run history journal with a small
// pool of SQLite connections over zombiezen.com/go/sqlite.
//
// The journal's workload shapes the package: one writer appends a
// batch of rows per graph submission, readers serve "loom history"
// queries, and retention pruning deletes old rows. Connections carry
// pragmas tuned for that (WAL so reads proceed during a write, NORMAL
// synchronous because a journal row lost to an OS crash is
// re-creatable, a busy timeout for a second loom process on the same
// database) and run the caller's idempotent schema script on first
// use.
//
// Work happens inside closures so connections cannot leak:
//
//	pool, err := sqlitepool.Open(path, sqlitepool.Options{
//	    Schema: schemaScript,
//	    Logger: logger,
//	})
//	if err != nil {
//	    return err
//	}
//	defer pool.Close()
//
//	err = pool.WithTx(ctx, func(conn *sqlite.Conn) error {
//	    return sqlitex.Execute(conn, insertSQL, &sqlitex.ExecOptions{...})
//	})
//
// Callers write plain SQL with sqlitex; there is no query builder and
// no abstraction over SQLite's connection model. WithTx wraps the
// closure in an IMMEDIATE transaction, WithConn is for reads and
// single statements.
package sqlitepool
