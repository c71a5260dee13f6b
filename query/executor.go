// Package query is the caller-facing facade of the access layer. The
// Executor acquires a lease, applies the retry policy to transient errors,
// and returns either a materialized Result or a streaming Cursor.
package query

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/mailscope/litepool/driver"
	"github.com/mailscope/litepool/internal/metrics"
	"github.com/mailscope/litepool/pool"
	"github.com/mailscope/litepool/retry"
)

// DefaultBatchSize bounds cursor memory to one batch of rows.
const DefaultBatchSize = 256

// Options tunes one Execute or Stream call.
type Options struct {
	// Mode selects the lease class. Writes take the exclusive write lease.
	Mode pool.Mode

	// Timeout bounds the whole call, retries and backoff included. Zero
	// falls back to the caller's context deadline.
	Timeout time.Duration

	// BatchSize overrides the cursor batch size for this call.
	BatchSize int

	// Label identifies the caller in diagnostics.
	Label string
}

// Executor runs queries against the pool with uniform retry semantics.
// Lease acquisition failures (timeout, shutdown) propagate as their own
// typed errors so callers can apply backpressure instead of busy-retrying.
type Executor struct {
	pool      *pool.Pool
	policy    retry.Policy
	batchSize int
	logger    *zap.Logger
	metrics   *metrics.Collector
}

// NewExecutor creates an executor over p. batchSize <= 0 selects
// DefaultBatchSize.
func NewExecutor(p *pool.Pool, policy retry.Policy, batchSize int, logger *zap.Logger, collector *metrics.Collector) *Executor {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Executor{
		pool:      p,
		policy:    policy,
		batchSize: batchSize,
		logger:    logger.With(zap.String("component", "executor")),
		metrics:   collector,
	}
}

// transient classifies errors for the retry loop. Fatal wrappers and lease
// acquisition failures are never retried here.
func (e *Executor) transient(err error) bool {
	var fatal *FatalQueryError
	if errors.As(err, &fatal) {
		return false
	}
	var timeout *pool.AcquireTimeoutError
	if errors.As(err, &timeout) {
		return false
	}
	if errors.Is(err, pool.ErrShutdown) {
		return false
	}
	return driver.Transient(err)
}

// Execute runs a statement and materializes the outcome. Read statements
// run through the streaming cursor and collect its rows; write statements
// take the exclusive write lease, upholding the engine's single-writer
// constraint at the application level.
func (e *Executor) Execute(ctx context.Context, sqlStr string, args []any, opts Options) (*Result, error) {
	start := time.Now()
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	var (
		res *Result
		err error
	)
	if opts.Mode == pool.ModeWrite {
		res, err = e.executeWrite(ctx, sqlStr, args, opts)
	} else {
		var cur *Cursor
		cur, err = e.stream(ctx, sqlStr, args, opts)
		if err == nil {
			res, err = cur.Collect()
		}
	}

	elapsed := time.Since(start)
	e.observe(opts.Mode, err, elapsed)
	if err != nil {
		return nil, err
	}
	res.Elapsed = elapsed
	return res, nil
}

// ExecuteRow runs a read statement expected to produce at most one row.
// The error, ErrNoRows included, is deferred to Scan.
func (e *Executor) ExecuteRow(ctx context.Context, sqlStr string, args []any, opts Options) *Row {
	res, err := e.Execute(ctx, sqlStr, args, opts)
	if err != nil {
		return &Row{err: err}
	}
	if res.Len() == 0 {
		return &Row{err: ErrNoRows}
	}
	return &Row{values: res.Rows[0]}
}

// Stream runs a read statement and hands back a lazy cursor. The caller
// must close the cursor (or drain it) to release the lease.
func (e *Executor) Stream(ctx context.Context, sqlStr string, args []any, opts Options) (*Cursor, error) {
	start := time.Now()
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		// The cursor outlives this call; release the timer only once the
		// deadline fires or the parent context ends.
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}

	cur, err := e.stream(ctx, sqlStr, args, opts)
	e.observe(opts.Mode, err, time.Since(start))
	return cur, err
}

func (e *Executor) executeWrite(ctx context.Context, sqlStr string, args []any, opts Options) (*Result, error) {
	var affected int64
	attempts, err := e.policy.Do(ctx, e.transient, func(attempt int) error {
		if attempt > 1 {
			e.metrics.IncRetry(opts.Mode.String())
			e.logger.Debug("retrying write",
				zap.Int("attempt", attempt),
				zap.String("label", opts.Label),
			)
		}
		lease, err := e.pool.Acquire(ctx, pool.ModeWrite)
		if err != nil {
			return err
		}
		defer lease.Release()

		n, qerr := lease.Conn().Exec(ctx, sqlStr, args...)
		if qerr != nil {
			return e.recordFailure(lease, sqlStr, qerr)
		}
		lease.MarkSucceeded()
		affected = n
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Result{RowsAffected: affected, Attempts: attempts}, nil
}

func (e *Executor) stream(ctx context.Context, sqlStr string, args []any, opts Options) (*Cursor, error) {
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = e.batchSize
	}

	var cur *Cursor
	attempts, err := e.policy.Do(ctx, e.transient, func(attempt int) error {
		if attempt > 1 {
			e.metrics.IncRetry(opts.Mode.String())
			e.logger.Debug("retrying query",
				zap.Int("attempt", attempt),
				zap.String("label", opts.Label),
			)
		}
		lease, err := e.pool.Acquire(ctx, opts.Mode)
		if err != nil {
			return err
		}

		rows, qerr := lease.Conn().Query(ctx, sqlStr, args...)
		if qerr != nil {
			ferr := e.recordFailure(lease, sqlStr, qerr)
			lease.Release()
			return ferr
		}
		lease.MarkSucceeded()
		cur = newCursor(ctx, lease, rows, batchSize, e.logger)
		return nil
	})
	if err != nil {
		return nil, err
	}
	cur.attempts = attempts
	return cur, nil
}

// recordFailure classifies a query error against the lease. Fatal errors
// are wrapped and counted toward the connection's failure threshold;
// transient errors are returned bare for the retry loop.
func (e *Executor) recordFailure(lease *pool.Lease, sqlStr string, qerr error) error {
	if driver.Transient(qerr) {
		return qerr
	}
	lease.MarkFatal()
	return &FatalQueryError{Query: sqlStr, Err: qerr}
}

func (e *Executor) observe(mode pool.Mode, err error, elapsed time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	e.metrics.ObserveQuery(mode.String(), status, elapsed)
}
