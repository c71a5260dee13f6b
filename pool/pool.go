// Package pool multiplexes many concurrent readers and rare writers onto a
// bounded set of physical connections to a single-writer embedded database.
//
// Grants are FIFO within each lease class. A waiting write request blocks
// admission of new read leases until it is granted or gives up, which bounds
// writer starvation. All connection state is guarded by one mutex; no
// component outside this package mutates it.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mailscope/litepool/driver"
	"github.com/mailscope/litepool/internal/metrics"
)

// Config controls pool sizing and lease admission.
type Config struct {
	// MinSize is the number of connections the pool keeps open even when
	// idle. The health monitor replenishes up to MinSize after evictions.
	MinSize int `yaml:"min_size"`

	// MaxSize is the hard upper bound on simultaneously open connections.
	MaxSize int `yaml:"max_size"`

	// IdleTimeout closes connections unused longer than this.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// MaxLifetime recycles connections older than this regardless of use.
	MaxLifetime time.Duration `yaml:"max_lifetime"`

	// AcquireTimeout is the default maximum wait for a lease. Zero means
	// fail immediately when no connection is available.
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`

	// FailureThreshold is the number of consecutive fatal errors or probe
	// failures after which a connection is marked broken.
	FailureThreshold int `yaml:"failure_threshold"`
}

// DefaultConfig returns sensible defaults for a local database file.
func DefaultConfig() Config {
	return Config{
		MinSize:          1,
		MaxSize:          4,
		IdleTimeout:      5 * time.Minute,
		MaxLifetime:      time.Hour,
		AcquireTimeout:   5 * time.Second,
		FailureThreshold: 2,
	}
}

// Validate checks the config invariants.
func (c Config) Validate() error {
	if c.MaxSize < 1 {
		return fmt.Errorf("max_size must be at least 1, got %d", c.MaxSize)
	}
	if c.MinSize < 0 {
		return fmt.Errorf("min_size cannot be negative, got %d", c.MinSize)
	}
	if c.MinSize > c.MaxSize {
		return fmt.Errorf("min_size %d exceeds max_size %d", c.MinSize, c.MaxSize)
	}
	if c.IdleTimeout < 0 || c.MaxLifetime < 0 || c.AcquireTimeout < 0 {
		return fmt.Errorf("durations cannot be negative")
	}
	if c.FailureThreshold < 1 {
		return fmt.Errorf("failure_threshold must be at least 1, got %d", c.FailureThreshold)
	}
	return nil
}

type grantResult struct {
	lease *Lease
	err   error
}

type waiter struct {
	mode     Mode
	label    string
	enqueued time.Time
	ready    chan grantResult // buffered, capacity 1
}

// Pool owns the connection set and the lease queues.
type Pool struct {
	cfg     Config
	drv     driver.Driver
	logger  *zap.Logger
	metrics *metrics.Collector

	mu          sync.Mutex
	conns       map[string]*Conn
	idle        []*Conn // FIFO of idle connections
	readQ       []*waiter
	writeQ      []*waiter
	opening     int
	leased      int
	writeActive bool
	draining    bool
	closed      bool

	drained   chan struct{}
	drainOnce sync.Once
}

// New creates a pool over drv. No connections are opened until the first
// acquire; call EnsureMin to prewarm.
func New(cfg Config, drv driver.Driver, logger *zap.Logger, collector *metrics.Collector) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pool config: %w", err)
	}
	if drv == nil {
		return nil, fmt.Errorf("driver cannot be nil")
	}
	p := &Pool{
		cfg:     cfg,
		drv:     drv,
		logger:  logger.With(zap.String("component", "pool")),
		metrics: collector,
		conns:   make(map[string]*Conn),
		drained: make(chan struct{}),
	}
	return p, nil
}

// Acquire obtains a lease using the configured AcquireTimeout.
func (p *Pool) Acquire(ctx context.Context, mode Mode) (*Lease, error) {
	return p.AcquireWithTimeout(ctx, mode, p.cfg.AcquireTimeout)
}

// AcquireWithTimeout obtains a lease, waiting at most timeout. A timeout of
// zero fails immediately when no connection can be granted on the spot.
// Cancelling ctx releases the queue position right away.
func (p *Pool) AcquireWithTimeout(ctx context.Context, mode Mode, timeout time.Duration) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	w := &waiter{
		mode:     mode,
		enqueued: time.Now(),
		ready:    make(chan grantResult, 1),
	}

	p.mu.Lock()
	if p.closed || p.draining {
		p.mu.Unlock()
		return nil, fmt.Errorf("acquire %s lease: %w", mode, ErrShutdown)
	}
	if mode == ModeWrite {
		p.writeQ = append(p.writeQ, w)
	} else {
		p.readQ = append(p.readQ, w)
	}
	p.pumpLocked()
	p.mu.Unlock()

	// Fast path: granted during the pump above.
	select {
	case g := <-w.ready:
		return p.finishGrant(w, g)
	default:
	}

	if timeout == 0 {
		p.abandon(w)
		// A grant may have landed between the check and the abandon.
		select {
		case g := <-w.ready:
			return p.finishGrant(w, g)
		default:
		}
		p.metrics.IncAcquireTimeout(mode.String())
		return nil, &AcquireTimeoutError{Mode: mode, Wait: time.Since(w.enqueued)}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case g := <-w.ready:
		return p.finishGrant(w, g)
	case <-ctx.Done():
		p.abandon(w)
		select {
		case g := <-w.ready:
			if g.lease != nil {
				g.lease.Release()
			}
		default:
		}
		return nil, ctx.Err()
	case <-timer.C:
		p.abandon(w)
		select {
		case g := <-w.ready:
			return p.finishGrant(w, g)
		default:
		}
		p.metrics.IncAcquireTimeout(mode.String())
		return nil, &AcquireTimeoutError{Mode: mode, Wait: time.Since(w.enqueued)}
	}
}

func (p *Pool) finishGrant(w *waiter, g grantResult) (*Lease, error) {
	if g.err != nil {
		return nil, g.err
	}
	p.metrics.ObserveAcquire(w.mode.String(), g.lease.wait)
	return g.lease, nil
}

// abandon removes w from its queue after a timeout or cancellation.
func (p *Pool) abandon(w *waiter) {
	p.mu.Lock()
	if w.mode == ModeWrite {
		p.writeQ = removeWaiter(p.writeQ, w)
	} else {
		p.readQ = removeWaiter(p.readQ, w)
	}
	// Dropping a head-of-queue writer may unblock queued readers.
	p.pumpLocked()
	p.mu.Unlock()
}

func removeWaiter(q []*waiter, w *waiter) []*waiter {
	for i, cand := range q {
		if cand == w {
			return append(q[:i], q[i+1:]...)
		}
	}
	return q
}

// pumpLocked grants as many queued requests as current capacity allows.
// Callers must hold p.mu.
func (p *Pool) pumpLocked() {
	p.cullExpiredLocked(time.Now())

	for {
		if len(p.writeQ) > 0 {
			// A write lease is exclusive: wait for every lease to drain.
			// While a writer waits, no new read lease is granted.
			if p.leased > 0 {
				return
			}
			w := p.writeQ[0]
			if c := p.popIdleLocked(); c != nil {
				p.writeQ = p.writeQ[1:]
				p.grantLocked(w, c)
				continue
			}
			p.maybeOpenLocked()
			return
		}

		if len(p.readQ) == 0 {
			return
		}
		if p.writeActive {
			return
		}
		w := p.readQ[0]
		if c := p.popIdleLocked(); c != nil {
			p.readQ = p.readQ[1:]
			p.grantLocked(w, c)
			continue
		}
		p.maybeOpenLocked()
		return
	}
}

// maybeOpenLocked starts an asynchronous connection open when there is both
// demand and room under MaxSize.
func (p *Pool) maybeOpenLocked() {
	pending := len(p.readQ) + len(p.writeQ)
	if p.opening >= pending {
		return
	}
	if len(p.conns)+p.opening >= p.cfg.MaxSize {
		return
	}
	p.opening++
	go p.openForPump()
}

func (p *Pool) openForPump() {
	timeout := p.cfg.AcquireTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	c, err := p.openConn(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.opening--

	if err != nil {
		p.logger.Warn("failed to open connection", zap.Error(err))
		// Fail the longest-waiting request rather than letting it sit out
		// the full acquire timeout.
		if w := p.dequeueAnyLocked(); w != nil {
			w.ready <- grantResult{err: fmt.Errorf("open connection: %w", err)}
		}
		return
	}

	if p.closed || p.draining {
		go c.dc.Close()
		return
	}

	p.conns[c.id] = c
	p.idle = append(p.idle, c)
	p.metrics.IncConnOpened()
	p.logger.Debug("opened connection", zap.String("conn_id", c.id), zap.Int("open", len(p.conns)))
	p.pumpLocked()
	p.updateGaugesLocked()
}

func (p *Pool) dequeueAnyLocked() *waiter {
	if len(p.writeQ) > 0 {
		w := p.writeQ[0]
		p.writeQ = p.writeQ[1:]
		return w
	}
	if len(p.readQ) > 0 {
		w := p.readQ[0]
		p.readQ = p.readQ[1:]
		return w
	}
	return nil
}

func (p *Pool) openConn(ctx context.Context) (*Conn, error) {
	dc, err := p.drv.Open(ctx)
	if err != nil {
		return nil, err
	}
	return newConn(dc), nil
}

func (p *Pool) popIdleLocked() *Conn {
	if len(p.idle) == 0 {
		return nil
	}
	c := p.idle[0]
	p.idle = p.idle[1:]
	return c
}

func (p *Pool) grantLocked(w *waiter, c *Conn) {
	now := time.Now()
	c.state = StateLeased
	c.useCount++
	c.lastUsedAt = now
	p.leased++
	if w.mode == ModeWrite {
		p.writeActive = true
	}
	w.ready <- grantResult{lease: &Lease{
		pool:      p,
		conn:      c,
		mode:      w.mode,
		label:     w.label,
		grantedAt: now,
		wait:      now.Sub(w.enqueued),
	}}
	p.updateGaugesLocked()
}

// release is called by Lease.Release exactly once per lease.
func (p *Pool) release(l *Lease) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c := l.conn
	p.leased--
	if l.mode == ModeWrite {
		p.writeActive = false
	}
	now := time.Now()
	c.lastUsedAt = now

	switch {
	case p.closed || c.state == StateClosed:
		p.removeConnLocked(c, "shutdown")
	case c.state == StateBroken:
		p.removeConnLocked(c, "broken")
	case p.cfg.MaxLifetime > 0 && now.Sub(c.createdAt) >= p.cfg.MaxLifetime:
		p.removeConnLocked(c, "max_lifetime")
	case len(p.conns) > p.cfg.MaxSize:
		// Pool was shrunk while the lease was out.
		p.removeConnLocked(c, "resize")
	default:
		c.state = StateIdle
		p.idle = append(p.idle, c)
	}

	if p.draining && p.leased == 0 {
		p.signalDrained()
	}
	p.pumpLocked()
	p.updateGaugesLocked()
}

// markResult updates a connection's failure bookkeeping from the executor.
func (p *Pool) markResult(c *Conn, fatal bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !fatal {
		c.consecutiveFailures = 0
		return
	}
	c.consecutiveFailures++
	if c.consecutiveFailures >= p.cfg.FailureThreshold && c.state == StateLeased {
		c.state = StateBroken
		p.logger.Warn("connection marked broken",
			zap.String("conn_id", c.id),
			zap.Int("consecutive_failures", c.consecutiveFailures),
		)
	}
}

// removeConnLocked closes a connection and forgets it. Callers must hold
// p.mu. Safe to call for a connection that was already removed.
func (p *Pool) removeConnLocked(c *Conn, reason string) {
	if _, ok := p.conns[c.id]; !ok {
		return
	}
	delete(p.conns, c.id)
	p.idle = removeConn(p.idle, c)
	c.state = StateClosed
	go c.dc.Close()
	p.metrics.IncConnClosed(reason)
	p.logger.Debug("closed connection",
		zap.String("conn_id", c.id),
		zap.String("reason", reason),
		zap.Uint64("use_count", c.useCount),
	)
}

func removeConn(conns []*Conn, c *Conn) []*Conn {
	for i, cand := range conns {
		if cand == c {
			return append(conns[:i], conns[i+1:]...)
		}
	}
	return conns
}

// cullExpiredLocked evicts idle connections past IdleTimeout or MaxLifetime.
// Callers must hold p.mu.
func (p *Pool) cullExpiredLocked(now time.Time) int {
	evicted := 0
	for _, c := range append([]*Conn(nil), p.idle...) {
		if c.expired(now, p.cfg.IdleTimeout, p.cfg.MaxLifetime) {
			p.removeConnLocked(c, "expired")
			evicted++
		}
	}
	return evicted
}

// EvictExpired removes expired idle connections. Called by the health
// monitor between probe passes.
func (p *Pool) EvictExpired() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.cullExpiredLocked(time.Now())
	if n > 0 {
		p.pumpLocked()
	}
	p.updateGaugesLocked()
	return n
}

// CheckoutIdleForProbe removes one idle connection not listed in seen from
// the idle set and marks it Probing. Returns nil when every idle connection
// has been seen. The caller must hand the connection back via FinishProbe.
func (p *Pool) CheckoutIdleForProbe(seen map[string]struct{}) *Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.draining {
		return nil
	}
	for i, c := range p.idle {
		if _, ok := seen[c.id]; ok {
			continue
		}
		p.idle = append(p.idle[:i], p.idle[i+1:]...)
		c.state = StateProbing
		return c
	}
	return nil
}

// FinishProbe returns a probed connection to the pool. A failed probe
// increments the failure count; past the threshold the connection is marked
// broken and closed.
func (p *Pool) FinishProbe(c *Conn, probeErr error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		p.removeConnLocked(c, "shutdown")
		return
	}

	if probeErr != nil {
		c.consecutiveFailures++
		p.logger.Warn("probe failed",
			zap.String("conn_id", c.id),
			zap.Int("consecutive_failures", c.consecutiveFailures),
			zap.Error(probeErr),
		)
		if c.consecutiveFailures >= p.cfg.FailureThreshold {
			c.state = StateBroken
			p.removeConnLocked(c, "broken")
			p.pumpLocked()
			p.updateGaugesLocked()
			return
		}
	} else {
		c.consecutiveFailures = 0
	}

	c.state = StateIdle
	p.idle = append(p.idle, c)
	p.pumpLocked()
	p.updateGaugesLocked()
}

// EnsureMin opens connections until the pool holds at least MinSize. Used
// to prewarm at startup and by the health monitor after evictions.
func (p *Pool) EnsureMin(ctx context.Context) error {
	for {
		p.mu.Lock()
		if p.closed || p.draining {
			p.mu.Unlock()
			return ErrShutdown
		}
		if len(p.conns)+p.opening >= p.cfg.MinSize {
			p.mu.Unlock()
			return nil
		}
		p.opening++
		p.mu.Unlock()

		c, err := p.openConn(ctx)

		p.mu.Lock()
		p.opening--
		if err != nil {
			p.mu.Unlock()
			return fmt.Errorf("ensure min pool size: %w", err)
		}
		if p.closed || p.draining {
			p.mu.Unlock()
			c.dc.Close()
			return ErrShutdown
		}
		p.conns[c.id] = c
		p.idle = append(p.idle, c)
		p.metrics.IncConnOpened()
		p.pumpLocked()
		p.updateGaugesLocked()
		p.mu.Unlock()
	}
}

// Resize changes MaxSize at runtime. Shrinking closes excess idle
// connections immediately; excess leased connections are closed as their
// leases are released.
func (p *Pool) Resize(newMax int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if newMax < 1 {
		return fmt.Errorf("max_size must be at least 1, got %d", newMax)
	}
	if newMax < p.cfg.MinSize {
		return fmt.Errorf("max_size %d below min_size %d", newMax, p.cfg.MinSize)
	}
	p.cfg.MaxSize = newMax
	for len(p.conns) > newMax {
		c := p.popIdleLocked()
		if c == nil {
			break
		}
		p.removeConnLocked(c, "resize")
	}
	p.pumpLocked()
	p.updateGaugesLocked()
	return nil
}

// Shutdown stops accepting acquisitions, waits up to drainTimeout for
// outstanding leases, then force-closes whatever remains. Queued waiters
// receive ErrShutdown immediately.
func (p *Pool) Shutdown(drainTimeout time.Duration) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrShutdown
	}
	if !p.draining {
		p.draining = true
		for _, w := range p.writeQ {
			w.ready <- grantResult{err: fmt.Errorf("acquire %s lease: %w", w.mode, ErrShutdown)}
		}
		for _, w := range p.readQ {
			w.ready <- grantResult{err: fmt.Errorf("acquire %s lease: %w", w.mode, ErrShutdown)}
		}
		p.writeQ = nil
		p.readQ = nil
		if p.leased == 0 {
			p.signalDrained()
		}
	}
	outstanding := p.leased
	p.mu.Unlock()

	if outstanding > 0 {
		p.logger.Info("draining pool", zap.Int("outstanding_leases", outstanding))
	}

	timer := time.NewTimer(drainTimeout)
	defer timer.Stop()
	select {
	case <-p.drained:
	case <-timer.C:
		p.logger.Warn("drain timeout elapsed, force closing",
			zap.Duration("drain_timeout", drainTimeout))
	}

	p.mu.Lock()
	p.closed = true
	for _, c := range p.connsSliceLocked() {
		p.removeConnLocked(c, "shutdown")
	}
	p.updateGaugesLocked()
	p.mu.Unlock()
	p.logger.Info("pool shut down")
	return nil
}

func (p *Pool) signalDrained() {
	p.drainOnce.Do(func() { close(p.drained) })
}

func (p *Pool) connsSliceLocked() []*Conn {
	out := make([]*Conn, 0, len(p.conns))
	for _, c := range p.conns {
		out = append(out, c)
	}
	return out
}

func (p *Pool) updateGaugesLocked() {
	p.metrics.SetConnGauges(len(p.conns), len(p.idle), p.leased)
}

// Stats is a point-in-time view of the pool composition.
type Stats struct {
	Open          int `json:"open"`
	Idle          int `json:"idle"`
	Leased        int `json:"leased"`
	Opening       int `json:"opening"`
	WaitingReads  int `json:"waiting_reads"`
	WaitingWrites int `json:"waiting_writes"`
	MinSize       int `json:"min_size"`
	MaxSize       int `json:"max_size"`
}

// Stats returns the current pool composition.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Open:          len(p.conns),
		Idle:          len(p.idle),
		Leased:        p.leased,
		Opening:       p.opening,
		WaitingReads:  len(p.readQ),
		WaitingWrites: len(p.writeQ),
		MinSize:       p.cfg.MinSize,
		MaxSize:       p.cfg.MaxSize,
	}
}
