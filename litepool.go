// Package litepool is a resilient access layer for a local, single-writer
// embedded database. It multiplexes many concurrent readers and rare
// writers onto a small set of physical connections, absorbs transient
// busy/locked errors with jittered exponential backoff, streams large
// result sets in bounded batches, and continuously verifies connection
// health in the background.
//
// Usage:
//
//	cfg := config.Default("mail.db")
//	client, err := litepool.Open(cfg)
//	if err != nil { ... }
//	defer client.Close(5 * time.Second)
//
//	res, err := client.Query(ctx, "SELECT subject FROM messages WHERE sender = ?", "a@b.c")
//	cur, err := client.Stream(ctx, "SELECT * FROM messages")
//	_, err = client.Exec(ctx, "UPDATE messages SET read = 1 WHERE id = ?", 42)
package litepool

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mailscope/litepool/config"
	"github.com/mailscope/litepool/driver"
	"github.com/mailscope/litepool/health"
	"github.com/mailscope/litepool/internal/metrics"
	"github.com/mailscope/litepool/pool"
	"github.com/mailscope/litepool/query"
	"github.com/mailscope/litepool/retry"
)

// Re-export the error taxonomy so callers need a single import.

// AcquireTimeoutError: no lease became available within the deadline.
type AcquireTimeoutError = pool.AcquireTimeoutError

// RetriesExhaustedError: transient errors persisted past the retry budget.
type RetriesExhaustedError = retry.RetriesExhaustedError

// FatalQueryError: non-retryable query failure, surfaced immediately.
type FatalQueryError = query.FatalQueryError

// ErrShutdown: the pool is draining or closed.
var ErrShutdown = pool.ErrShutdown

// ErrNoRows: a single-row read matched nothing.
var ErrNoRows = query.ErrNoRows

// Modes of the two lease classes.
const (
	ModeRead  = pool.ModeRead
	ModeWrite = pool.ModeWrite
)

// Option customizes Open beyond the configuration file surface.
type Option func(*options)

type options struct {
	logger     *zap.Logger
	registerer prometheus.Registerer
	driver     driver.Driver
}

// WithLogger supplies a prebuilt zap logger instead of the one derived from
// the Log config section.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithRegisterer supplies the prometheus registerer metrics are registered
// with. Defaults to the prometheus default registerer.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithDriver replaces the SQLite driver with a custom single-connection
// primitive. The Database config section is ignored when set.
func WithDriver(d driver.Driver) Option {
	return func(o *options) { o.driver = d }
}

// Client is the caller-facing handle over the whole layer.
type Client struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Collector
	pool    *pool.Pool
	exec    *query.Executor
	monitor *health.Monitor
}

// Open validates cfg, prewarms the pool to its minimum size, and starts the
// health monitor.
func Open(cfg *config.Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger
	if logger == nil {
		var err error
		logger, err = newLogger(cfg.Log)
		if err != nil {
			return nil, fmt.Errorf("build logger: %w", err)
		}
	}

	collector := metrics.NewCollector("litepool", o.registerer, logger)

	drv := o.driver
	if drv == nil {
		drv = driver.NewSQLite(cfg.Database, logger)
	}

	p, err := pool.New(cfg.Pool, drv, logger, collector)
	if err != nil {
		return nil, err
	}

	prewarmCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := p.EnsureMin(prewarmCtx); err != nil {
		p.Shutdown(0)
		return nil, fmt.Errorf("prewarm pool: %w", err)
	}

	exec := query.NewExecutor(p, cfg.Retry, cfg.Stream.BatchSize, logger, collector)

	monitor := health.NewMonitor(p, cfg.Health, logger, collector)
	monitor.Start()

	logger.Info("access layer ready",
		zap.String("database", cfg.Database.Path),
		zap.Int("pool_min", cfg.Pool.MinSize),
		zap.Int("pool_max", cfg.Pool.MaxSize),
	)

	return &Client{
		cfg:     cfg,
		logger:  logger,
		metrics: collector,
		pool:    p,
		exec:    exec,
		monitor: monitor,
	}, nil
}

// Query runs a read statement and materializes the rows. Use Stream for
// large result sets.
func (c *Client) Query(ctx context.Context, sqlStr string, args ...any) (*query.Result, error) {
	return c.exec.Execute(ctx, sqlStr, args, query.Options{Mode: pool.ModeRead})
}

// QueryRow runs a read statement expected to return at most one row. The
// error is deferred to Scan; a statement that matched nothing scans as
// ErrNoRows.
func (c *Client) QueryRow(ctx context.Context, sqlStr string, args ...any) *query.Row {
	return c.exec.ExecuteRow(ctx, sqlStr, args, query.Options{Mode: pool.ModeRead})
}

// Exec runs a write statement under the exclusive write lease.
func (c *Client) Exec(ctx context.Context, sqlStr string, args ...any) (*query.Result, error) {
	return c.exec.Execute(ctx, sqlStr, args, query.Options{Mode: pool.ModeWrite})
}

// Stream runs a read statement and returns a lazy cursor. The caller must
// drain or close the cursor to release its lease.
func (c *Client) Stream(ctx context.Context, sqlStr string, args ...any) (*query.Cursor, error) {
	return c.exec.Stream(ctx, sqlStr, args, query.Options{Mode: pool.ModeRead})
}

// Executor exposes the executor for calls that need per-call Options.
func (c *Client) Executor() *query.Executor {
	return c.exec
}

// Resize changes the pool's maximum size at runtime.
func (c *Client) Resize(newMax int) error {
	return c.pool.Resize(newMax)
}

// Stats returns the current pool composition.
func (c *Client) Stats() pool.Stats {
	return c.pool.Stats()
}

// MetricsSnapshot is the read-only view of the layer's counters.
type MetricsSnapshot = metrics.Snapshot

// Metrics returns a read-only snapshot of the layer's counters, polled by
// external monitoring.
func (c *Client) Metrics() MetricsSnapshot {
	return c.metrics.Snapshot()
}

// ResetMetrics zeroes the snapshot counters at operator request.
func (c *Client) ResetMetrics() {
	c.metrics.Reset()
}

// Close stops the health monitor and drains the pool, waiting up to
// drainTimeout for outstanding leases.
func (c *Client) Close(drainTimeout time.Duration) error {
	c.monitor.Stop()
	return c.pool.Shutdown(drainTimeout)
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	var zcfg zap.Config
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}
