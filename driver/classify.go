package driver

import (
	"context"
	"errors"
	"strings"
)

// Transient reports whether err is expected to resolve on retry: lock
// contention, a busy database, or I/O contention. Everything else (syntax
// errors, constraint violations, corruption, unrecoverable disconnects) is
// fatal and must not be retried.
func Transient(err error) bool {
	if err == nil {
		return false
	}

	// Caller cancellation is not a database condition; retrying cannot help.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	msg := strings.ToLower(err.Error())

	// SQLite lock contention (SQLITE_BUSY, SQLITE_LOCKED)
	if strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "database is busy") {
		return true
	}

	// Busy snapshot / shared-cache contention
	if strings.Contains(msg, "sqlite_busy") || strings.Contains(msg, "sqlite_locked") {
		return true
	}

	// I/O contention and lock-acquisition timeouts
	if strings.Contains(msg, "disk i/o error") ||
		strings.Contains(msg, "i/o timeout") ||
		strings.Contains(msg, "lock timeout") ||
		strings.Contains(msg, "locking protocol") {
		return true
	}

	// driver: bad connection (database/sql standard error); the next attempt
	// runs on a fresh lease.
	if strings.Contains(msg, "bad connection") {
		return true
	}

	return false
}
