// Package driver defines the single-connection database primitive the pool
// is built on, plus a SQLite implementation backed by modernc.org/sqlite.
//
// A Conn is safe for one caller at a time only; all concurrency control
// lives above this package, in pool and query.
package driver

import (
	"context"
)

// Rows is a forward-only stream of result rows. It is not restartable.
type Rows interface {
	// Columns returns the column names of the result set.
	Columns() []string

	// Next scans the next row into dest, one value per column.
	// It returns io.EOF after the last row.
	Next(dest []any) error

	// Close releases the resources held by the stream. Safe to call more
	// than once.
	Close() error
}

// Conn is one physical handle to the database. The pool hands a Conn to at
// most one caller at a time; a Conn offers no concurrency safety of its own.
type Conn interface {
	// Query runs a statement that returns rows.
	Query(ctx context.Context, query string, args ...any) (Rows, error)

	// Exec runs a statement that returns no rows and reports the number of
	// rows affected.
	Exec(ctx context.Context, query string, args ...any) (int64, error)

	// Probe issues a trivial liveness check against the handle.
	Probe(ctx context.Context) error

	// Close tears down the physical handle.
	Close() error
}

// Driver opens physical handles. Implementations must allow concurrent
// Open calls; each returned Conn is independent.
type Driver interface {
	Open(ctx context.Context) (Conn, error)
}
