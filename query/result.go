package query

import (
	"fmt"
	"time"
)

// Result is a fully materialized query outcome. Large reads should use
// Stream instead; Execute materializes through the same cursor path.
type Result struct {
	// Columns are the column names of the result set, empty for writes.
	Columns []string

	// Rows holds the materialized row values, nil for writes.
	Rows [][]any

	// RowsAffected is the number of rows changed by a write.
	RowsAffected int64

	// Attempts is the number of attempts the call took, retries included.
	Attempts int

	// Elapsed is the total wall-clock time of the call.
	Elapsed time.Duration
}

// Len returns the number of materialized rows.
func (r *Result) Len() int {
	return len(r.Rows)
}

// Row is the deferred outcome of a single-row read, scanned like a
// database/sql Row.
type Row struct {
	values []any
	err    error
}

// Scan copies the row values into the destination pointers. It returns
// ErrNoRows when the statement matched nothing, or the execution error.
func (r *Row) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return fmt.Errorf("scan: %d destinations for %d columns", len(dest), len(r.values))
	}
	for i, d := range dest {
		if err := scanValue(d, r.values[i]); err != nil {
			return err
		}
	}
	return nil
}

// scanValue assigns a driver value to a caller-supplied destination
// pointer, converting between the value types the engine produces.
func scanValue(dest any, v any) error {
	switch d := dest.(type) {
	case *any:
		*d = v
		return nil
	case *string:
		switch s := v.(type) {
		case string:
			*d = s
			return nil
		case []byte:
			*d = string(s)
			return nil
		}
	case *int64:
		switch n := v.(type) {
		case int64:
			*d = n
			return nil
		case float64:
			*d = int64(n)
			return nil
		}
	case *int:
		if n, ok := v.(int64); ok {
			*d = int(n)
			return nil
		}
	case *float64:
		switch n := v.(type) {
		case float64:
			*d = n
			return nil
		case int64:
			*d = float64(n)
			return nil
		}
	case *bool:
		if n, ok := v.(int64); ok {
			*d = n != 0
			return nil
		}
		if b, ok := v.(bool); ok {
			*d = b
			return nil
		}
	case *[]byte:
		switch b := v.(type) {
		case []byte:
			*d = b
			return nil
		case string:
			*d = []byte(b)
			return nil
		}
	case *time.Time:
		if t, ok := v.(time.Time); ok {
			*d = t
			return nil
		}
	}
	if v == nil {
		// Leave dest at its zero value for SQL NULL, matching the loose
		// scanning behavior of database/sql with pointers already zeroed.
		return nil
	}
	return fmt.Errorf("cannot scan %T into %T", v, dest)
}
