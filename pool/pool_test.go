package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mailscope/litepool/internal/metrics"
	"github.com/mailscope/litepool/testutil"
)

func newTestPool(t *testing.T, cfg Config, drv *testutil.FakeDriver) *Pool {
	t.Helper()
	collector := metrics.NewCollector("litepool", prometheus.NewRegistry(), zap.NewNop())
	p, err := New(cfg, drv, zap.NewNop(), collector)
	require.NoError(t, err)
	t.Cleanup(func() { p.Shutdown(time.Second) })
	return p
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MinSize = 0
	cfg.MaxSize = 2
	cfg.AcquireTimeout = time.Second
	return cfg
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"zero max", func(c *Config) { c.MaxSize = 0 }, true},
		{"min above max", func(c *Config) { c.MinSize = 10; c.MaxSize = 2 }, true},
		{"negative idle timeout", func(c *Config) { c.IdleTimeout = -time.Second }, true},
		{"zero failure threshold", func(c *Config) { c.FailureThreshold = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestAcquireRelease(t *testing.T) {
	drv := testutil.NewFakeDriver()
	p := newTestPool(t, testConfig(), drv)

	lease, err := p.Acquire(context.Background(), ModeRead)
	require.NoError(t, err)
	assert.Equal(t, ModeRead, lease.Mode())
	assert.NotEmpty(t, lease.ConnID())

	stats := p.Stats()
	assert.Equal(t, 1, stats.Open)
	assert.Equal(t, 1, stats.Leased)
	assert.Equal(t, 0, stats.Idle)

	lease.Release()
	stats = p.Stats()
	assert.Equal(t, 0, stats.Leased)
	assert.Equal(t, 1, stats.Idle)
}

func TestReleaseIsIdempotent(t *testing.T) {
	drv := testutil.NewFakeDriver()
	p := newTestPool(t, testConfig(), drv)

	lease, err := p.Acquire(context.Background(), ModeRead)
	require.NoError(t, err)

	lease.Release()
	lease.Release()
	lease.Release()

	stats := p.Stats()
	assert.Equal(t, 0, stats.Leased)
	assert.Equal(t, 1, stats.Idle)
}

func TestAcquireReusesIdleConnection(t *testing.T) {
	drv := testutil.NewFakeDriver()
	p := newTestPool(t, testConfig(), drv)

	lease, err := p.Acquire(context.Background(), ModeRead)
	require.NoError(t, err)
	id := lease.ConnID()
	lease.Release()

	lease2, err := p.Acquire(context.Background(), ModeRead)
	require.NoError(t, err)
	assert.Equal(t, id, lease2.ConnID())
	assert.Equal(t, int32(1), drv.Opened.Load())
	lease2.Release()
}

func TestMaxSizeNeverExceeded(t *testing.T) {
	drv := testutil.NewFakeDriver()
	cfg := testConfig()
	cfg.MaxSize = 3
	p := newTestPool(t, cfg, drv)

	var (
		mu      sync.Mutex
		current int
		peak    int
	)

	var g errgroup.Group
	for i := 0; i < 20; i++ {
		g.Go(func() error {
			lease, err := p.AcquireWithTimeout(context.Background(), ModeRead, 5*time.Second)
			if err != nil {
				return err
			}
			mu.Lock()
			current++
			if current > peak {
				peak = current
			}
			mu.Unlock()

			time.Sleep(2 * time.Millisecond)

			mu.Lock()
			current--
			mu.Unlock()
			lease.Release()
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.LessOrEqual(t, peak, 3, "leased connections exceeded MaxSize")
	assert.LessOrEqual(t, int(drv.Opened.Load()), 3)
}

func TestAcquireTimeoutZeroFailsImmediately(t *testing.T) {
	drv := testutil.NewFakeDriver()
	cfg := testConfig()
	cfg.MaxSize = 1
	p := newTestPool(t, cfg, drv)

	lease, err := p.Acquire(context.Background(), ModeRead)
	require.NoError(t, err)
	defer lease.Release()

	start := time.Now()
	_, err = p.AcquireWithTimeout(context.Background(), ModeRead, 0)
	elapsed := time.Since(start)

	var timeoutErr *AcquireTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, ModeRead, timeoutErr.Mode)
	assert.Less(t, elapsed, 100*time.Millisecond, "zero timeout must not block")
}

func TestAcquireTimesOutWhenSaturated(t *testing.T) {
	drv := testutil.NewFakeDriver()
	cfg := testConfig()
	cfg.MaxSize = 1
	p := newTestPool(t, cfg, drv)

	lease, err := p.Acquire(context.Background(), ModeRead)
	require.NoError(t, err)
	defer lease.Release()

	_, err = p.AcquireWithTimeout(context.Background(), ModeRead, 30*time.Millisecond)
	var timeoutErr *AcquireTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.GreaterOrEqual(t, timeoutErr.Wait, 30*time.Millisecond)
}

func TestAcquireCancellableThroughContext(t *testing.T) {
	drv := testutil.NewFakeDriver()
	cfg := testConfig()
	cfg.MaxSize = 1
	p := newTestPool(t, cfg, drv)

	lease, err := p.Acquire(context.Background(), ModeRead)
	require.NoError(t, err)
	defer lease.Release()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := p.AcquireWithTimeout(ctx, ModeRead, 10*time.Second)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled acquire did not return")
	}

	// The abandoned waiter must have left the queue.
	testutil.Eventually(t, func() bool {
		return p.Stats().WaitingReads == 0
	}, time.Second, "waiter still queued after cancellation")
}

func TestWriteLeaseIsExclusive(t *testing.T) {
	drv := testutil.NewFakeDriver()
	cfg := testConfig()
	cfg.MaxSize = 3
	p := newTestPool(t, cfg, drv)

	w, err := p.Acquire(context.Background(), ModeWrite)
	require.NoError(t, err)

	// No lease of either class can be granted while the writer holds.
	_, err = p.AcquireWithTimeout(context.Background(), ModeRead, 0)
	var timeoutErr *AcquireTimeoutError
	assert.ErrorAs(t, err, &timeoutErr)

	_, err = p.AcquireWithTimeout(context.Background(), ModeWrite, 0)
	assert.ErrorAs(t, err, &timeoutErr)

	w.Release()

	r, err := p.Acquire(context.Background(), ModeRead)
	require.NoError(t, err)
	r.Release()
}

func TestWriteWaitsForReadersToDrain(t *testing.T) {
	drv := testutil.NewFakeDriver()
	cfg := testConfig()
	cfg.MaxSize = 2
	p := newTestPool(t, cfg, drv)

	r1, err := p.Acquire(context.Background(), ModeRead)
	require.NoError(t, err)

	granted := make(chan *Lease, 1)
	go func() {
		w, err := p.AcquireWithTimeout(context.Background(), ModeWrite, 5*time.Second)
		if err == nil {
			granted <- w
		}
	}()

	testutil.Eventually(t, func() bool {
		return p.Stats().WaitingWrites == 1
	}, time.Second, "writer not queued")

	select {
	case <-granted:
		t.Fatal("write lease granted while a read lease was active")
	case <-time.After(30 * time.Millisecond):
	}

	r1.Release()

	select {
	case w := <-granted:
		w.Release()
	case <-time.After(time.Second):
		t.Fatal("write lease not granted after readers drained")
	}
}

func TestWaitingWriterBlocksNewReaders(t *testing.T) {
	drv := testutil.NewFakeDriver()
	cfg := testConfig()
	cfg.MaxSize = 2
	p := newTestPool(t, cfg, drv)

	r1, err := p.Acquire(context.Background(), ModeRead)
	require.NoError(t, err)

	writerDone := make(chan struct{})
	go func() {
		w, err := p.AcquireWithTimeout(context.Background(), ModeWrite, 5*time.Second)
		if err == nil {
			w.Release()
		}
		close(writerDone)
	}()

	testutil.Eventually(t, func() bool {
		return p.Stats().WaitingWrites == 1
	}, time.Second, "writer not queued")

	// A reader arriving behind the waiting writer must not jump it, even
	// though a second connection could be opened.
	readerGranted := make(chan struct{})
	go func() {
		r, err := p.AcquireWithTimeout(context.Background(), ModeRead, 5*time.Second)
		if err == nil {
			close(readerGranted)
			r.Release()
		}
	}()

	select {
	case <-readerGranted:
		t.Fatal("reader admitted past a waiting writer")
	case <-time.After(30 * time.Millisecond):
	}

	r1.Release()
	<-writerDone
	select {
	case <-readerGranted:
	case <-time.After(time.Second):
		t.Fatal("reader never granted after writer finished")
	}
}

func TestReleaseWakesWaiterImmediately(t *testing.T) {
	drv := testutil.NewFakeDriver()
	cfg := testConfig()
	cfg.MaxSize = 1
	p := newTestPool(t, cfg, drv)

	lease, err := p.Acquire(context.Background(), ModeRead)
	require.NoError(t, err)

	granted := make(chan struct{})
	go func() {
		l, err := p.AcquireWithTimeout(context.Background(), ModeRead, 5*time.Second)
		if err == nil {
			close(granted)
			l.Release()
		}
	}()

	testutil.Eventually(t, func() bool {
		return p.Stats().WaitingReads == 1
	}, time.Second, "reader not queued")

	lease.Release()
	select {
	case <-granted:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("released connection was not handed to the waiting request")
	}
}

func TestBrokenConnectionReplacedAfterFatalErrors(t *testing.T) {
	drv := testutil.NewFakeDriver()
	cfg := testConfig()
	cfg.MaxSize = 1
	p := newTestPool(t, cfg, drv)

	lease, err := p.Acquire(context.Background(), ModeRead)
	require.NoError(t, err)
	firstID := lease.ConnID()

	lease.MarkFatal()
	lease.MarkFatal()
	lease.Release()

	testutil.Eventually(t, func() bool {
		return drv.Closed.Load() == 1
	}, time.Second, "broken connection not closed")
	assert.Equal(t, 0, p.Stats().Open)

	lease2, err := p.Acquire(context.Background(), ModeRead)
	require.NoError(t, err)
	assert.NotEqual(t, firstID, lease2.ConnID(), "replacement must have a fresh id")
	lease2.Release()
}

func TestFatalThenSuccessResetsFailureCount(t *testing.T) {
	drv := testutil.NewFakeDriver()
	cfg := testConfig()
	cfg.MaxSize = 1
	p := newTestPool(t, cfg, drv)

	lease, err := p.Acquire(context.Background(), ModeRead)
	require.NoError(t, err)
	id := lease.ConnID()

	lease.MarkFatal()
	lease.MarkSucceeded()
	lease.MarkFatal()
	lease.Release()

	lease2, err := p.Acquire(context.Background(), ModeRead)
	require.NoError(t, err)
	assert.Equal(t, id, lease2.ConnID(), "non-consecutive fatals must not break the connection")
	lease2.Release()
}

func TestIdleExpiryEvicted(t *testing.T) {
	drv := testutil.NewFakeDriver()
	cfg := testConfig()
	cfg.IdleTimeout = 10 * time.Millisecond
	p := newTestPool(t, cfg, drv)

	lease, err := p.Acquire(context.Background(), ModeRead)
	require.NoError(t, err)
	lease.Release()
	require.Equal(t, 1, p.Stats().Open)

	time.Sleep(20 * time.Millisecond)
	evicted := p.EvictExpired()
	assert.Equal(t, 1, evicted)
	assert.Equal(t, 0, p.Stats().Open)
}

func TestEnsureMinPrewarms(t *testing.T) {
	drv := testutil.NewFakeDriver()
	cfg := testConfig()
	cfg.MinSize = 2
	cfg.MaxSize = 4
	p := newTestPool(t, cfg, drv)

	require.NoError(t, p.EnsureMin(context.Background()))
	stats := p.Stats()
	assert.Equal(t, 2, stats.Open)
	assert.Equal(t, 2, stats.Idle)
}

func TestResizeShrinksIdle(t *testing.T) {
	drv := testutil.NewFakeDriver()
	cfg := testConfig()
	cfg.MinSize = 0
	cfg.MaxSize = 3
	p := newTestPool(t, cfg, drv)

	var leases []*Lease
	for i := 0; i < 3; i++ {
		l, err := p.Acquire(context.Background(), ModeRead)
		require.NoError(t, err)
		leases = append(leases, l)
	}
	for _, l := range leases {
		l.Release()
	}
	require.Equal(t, 3, p.Stats().Open)

	require.NoError(t, p.Resize(1))
	assert.Equal(t, 1, p.Stats().Open)
	assert.Equal(t, 1, p.Stats().MaxSize)

	assert.Error(t, p.Resize(0))
}

func TestShutdownFailsQueuedWaiters(t *testing.T) {
	drv := testutil.NewFakeDriver()
	cfg := testConfig()
	cfg.MaxSize = 1
	p := newTestPool(t, cfg, drv)

	lease, err := p.Acquire(context.Background(), ModeRead)
	require.NoError(t, err)

	waiterErr := make(chan error, 1)
	go func() {
		_, err := p.AcquireWithTimeout(context.Background(), ModeRead, 10*time.Second)
		waiterErr <- err
	}()
	testutil.Eventually(t, func() bool {
		return p.Stats().WaitingReads == 1
	}, time.Second, "reader not queued")

	done := make(chan struct{})
	go func() {
		p.Shutdown(time.Second)
		close(done)
	}()

	select {
	case err := <-waiterErr:
		assert.ErrorIs(t, err, ErrShutdown)
	case <-time.After(time.Second):
		t.Fatal("queued waiter not failed on shutdown")
	}

	lease.Release()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not complete after leases drained")
	}

	_, err = p.Acquire(context.Background(), ModeRead)
	assert.ErrorIs(t, err, ErrShutdown)
	assert.Equal(t, 0, p.Stats().Open)
}

func TestShutdownForceClosesAfterDrainTimeout(t *testing.T) {
	drv := testutil.NewFakeDriver()
	cfg := testConfig()
	p := newTestPool(t, cfg, drv)

	lease, err := p.Acquire(context.Background(), ModeRead)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, p.Shutdown(20*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Equal(t, 0, p.Stats().Open, "leased connection must be force closed")

	lease.Release() // late release after force close must not panic
}

func TestOpenFailureSurfacesToWaiter(t *testing.T) {
	drv := testutil.NewFakeDriver()
	drv.ScriptOpenErrors(errors.New("disk I/O error"))
	cfg := testConfig()
	cfg.MaxSize = 1
	p := newTestPool(t, cfg, drv)

	_, err := p.AcquireWithTimeout(context.Background(), ModeRead, time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open connection")

	// The pool recovers on the next open.
	lease, err := p.Acquire(context.Background(), ModeRead)
	require.NoError(t, err)
	lease.Release()
}
