// Package health runs the background liveness loop of the pool. The
// monitor only calls the pool's synchronized entry points; it never touches
// connection state directly and never blocks caller-facing operations.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mailscope/litepool/internal/metrics"
	"github.com/mailscope/litepool/pool"
)

// Config controls the monitor cadence.
type Config struct {
	// Interval is the period between health passes.
	Interval time.Duration `yaml:"interval"`

	// ProbeTimeout bounds each individual liveness probe.
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
}

// DefaultConfig returns the default monitor cadence.
func DefaultConfig() Config {
	return Config{
		Interval:     30 * time.Second,
		ProbeTimeout: 2 * time.Second,
	}
}

// Validate checks the config invariants.
func (c Config) Validate() error {
	if c.Interval < 0 || c.ProbeTimeout < 0 {
		return fmt.Errorf("durations cannot be negative")
	}
	return nil
}

// Monitor periodically probes idle connections, evicts expired ones, and
// replenishes the pool to its minimum size.
type Monitor struct {
	pool    *pool.Pool
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Collector

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewMonitor creates a monitor over p. Call Start to begin the loop.
func NewMonitor(p *pool.Pool, cfg Config, logger *zap.Logger, collector *metrics.Collector) *Monitor {
	return &Monitor{
		pool:    p,
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "health")),
		metrics: collector,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the background loop. A non-positive interval disables the
// monitor entirely.
func (m *Monitor) Start() {
	if m.cfg.Interval <= 0 {
		close(m.done)
		return
	}
	go m.loop()
}

// Stop terminates the loop and waits for the in-flight pass to finish.
// Idempotent.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done
}

func (m *Monitor) loop() {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.RunOnce()
		}
	}
}

// RunOnce executes a single health pass: evict expired idle connections,
// probe the remaining idle ones, then replenish to MinSize. Exported so
// tests and operators can force a pass.
func (m *Monitor) RunOnce() {
	evicted := m.pool.EvictExpired()
	if evicted > 0 {
		m.logger.Info("evicted expired connections", zap.Int("count", evicted))
	}

	probed, failed := m.probeIdle()

	ctx, cancel := context.WithTimeout(context.Background(), m.probeTimeout())
	if err := m.pool.EnsureMin(ctx); err != nil && err != pool.ErrShutdown {
		m.logger.Warn("failed to replenish pool", zap.Error(err))
	}
	cancel()

	stats := m.pool.Stats()
	m.logger.Debug("health pass complete",
		zap.Int("probed", probed),
		zap.Int("failed", failed),
		zap.Int("open", stats.Open),
		zap.Int("idle", stats.Idle),
		zap.Int("leased", stats.Leased),
	)
}

// probeIdle checks each connection that was idle at the start of the pass,
// one at a time so the pool keeps serving acquisitions in between.
func (m *Monitor) probeIdle() (probed, failed int) {
	seen := make(map[string]struct{})
	for {
		select {
		case <-m.stop:
			return probed, failed
		default:
		}

		c := m.pool.CheckoutIdleForProbe(seen)
		if c == nil {
			return probed, failed
		}
		seen[c.ID()] = struct{}{}

		ctx, cancel := context.WithTimeout(context.Background(), m.probeTimeout())
		start := time.Now()
		err := c.Probe(ctx)
		cancel()

		m.metrics.ObserveProbe(time.Since(start), err == nil)
		m.pool.FinishProbe(c, err)
		probed++
		if err != nil {
			failed++
		}
	}
}

func (m *Monitor) probeTimeout() time.Duration {
	if m.cfg.ProbeTimeout > 0 {
		return m.cfg.ProbeTimeout
	}
	return 2 * time.Second
}
