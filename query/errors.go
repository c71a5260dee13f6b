package query

import (
	"errors"
	"fmt"
)

// ErrNoRows is returned by single-row reads that matched nothing.
var ErrNoRows = errors.New("query returned no rows")

// FatalQueryError wraps a non-retryable query failure: bad syntax,
// constraint violations, corruption. It is surfaced immediately with zero
// retries.
type FatalQueryError struct {
	Query string
	Err   error
}

func (e *FatalQueryError) Error() string {
	return fmt.Sprintf("fatal query error: %v (query: %s)", e.Err, truncate(e.Query, 120))
}

func (e *FatalQueryError) Unwrap() error {
	return e.Err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
