package query

import (
	"context"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/mailscope/litepool/driver"
	"github.com/mailscope/litepool/pool"
)

// Cursor is a lazy, forward-only, non-restartable row iterator. It fetches
// rows in bounded batches so peak memory stays proportional to one batch,
// not the whole result set. The cursor holds its lease for its entire
// lifetime and returns it exactly once, on Close or on exhaustion,
// whichever happens first.
//
// A Cursor is not safe for concurrent use.
type Cursor struct {
	ctx       context.Context
	lease     *pool.Lease
	rows      driver.Rows
	cols      []string
	batchSize int
	logger    *zap.Logger

	batch    [][]any
	idx      int
	cur      []any
	streamed int

	err       error
	done      bool
	closed    bool
	closeOnce sync.Once

	attempts int
}

func newCursor(ctx context.Context, lease *pool.Lease, rows driver.Rows, batchSize int, logger *zap.Logger) *Cursor {
	return &Cursor{
		ctx:       ctx,
		lease:     lease,
		rows:      rows,
		cols:      rows.Columns(),
		batchSize: batchSize,
		logger:    logger,
	}
}

// Columns returns the column names of the result set.
func (c *Cursor) Columns() []string {
	return c.cols
}

// Attempts returns how many attempts the initial query took.
func (c *Cursor) Attempts() int {
	return c.attempts
}

// Next advances to the next row, fetching the next batch when the buffer is
// exhausted. It returns false at the end of the stream, on error, or when
// the cursor's context is cancelled; check Err afterwards. Exhaustion
// releases the lease automatically.
func (c *Cursor) Next() bool {
	if c.closed || c.err != nil {
		return false
	}
	if c.idx >= len(c.batch) {
		if c.done {
			c.Close()
			return false
		}
		if !c.fetch() {
			return false
		}
		if len(c.batch) == 0 {
			c.Close()
			return false
		}
	}
	c.cur = c.batch[c.idx]
	c.idx++
	c.streamed++
	return true
}

// fetch pulls up to batchSize rows from the stream. Cancellation between
// rows abandons the batch and releases the lease; already-fetched but
// unread rows are discarded.
func (c *Cursor) fetch() bool {
	c.batch = c.batch[:0]
	c.idx = 0
	for len(c.batch) < c.batchSize {
		if err := c.ctx.Err(); err != nil {
			c.err = err
			c.Close()
			return false
		}
		dest := make([]any, len(c.cols))
		err := c.rows.Next(dest)
		if err == io.EOF {
			c.done = true
			break
		}
		if err != nil {
			c.err = err
			c.Close()
			return false
		}
		c.batch = append(c.batch, dest)
	}
	return true
}

// Row returns the values of the current row. Valid until the next call to
// Next.
func (c *Cursor) Row() []any {
	return c.cur
}

// Scan copies the current row into the destination pointers.
func (c *Cursor) Scan(dest ...any) error {
	if len(dest) != len(c.cur) {
		return fmt.Errorf("scan: %d destinations for %d columns", len(dest), len(c.cur))
	}
	for i, d := range dest {
		if err := scanValue(d, c.cur[i]); err != nil {
			return err
		}
	}
	return nil
}

// Err returns the error that terminated iteration, if any. Exhausting the
// stream normally leaves Err nil.
func (c *Cursor) Err() error {
	return c.err
}

// Close releases the lease back to the pool. Idempotent; only the first
// call has an effect, so exhaustion followed by an explicit Close releases
// exactly once.
func (c *Cursor) Close() error {
	c.closeOnce.Do(func() {
		c.closed = true
		c.batch = nil
		if c.rows != nil {
			if err := c.rows.Close(); err != nil {
				c.logger.Debug("closing row stream", zap.Error(err))
			}
		}
		c.lease.Release()
	})
	return nil
}

// Collect drains the remaining rows into a materialized Result and closes
// the cursor. It is the convenience path Execute uses for small reads.
func (c *Cursor) Collect() (*Result, error) {
	res := &Result{
		Columns:  c.cols,
		Attempts: c.attempts,
	}
	for c.Next() {
		row := make([]any, len(c.cur))
		copy(row, c.cur)
		res.Rows = append(res.Rows, row)
	}
	c.Close()
	if c.err != nil {
		return nil, c.err
	}
	return res, nil
}
