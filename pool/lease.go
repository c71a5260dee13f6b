package pool

import (
	"sync/atomic"
	"time"

	"github.com/mailscope/litepool/driver"
)

// Lease is a temporary exclusive right to use one connection. It is handed
// to exactly one caller and must be released exactly once; Release is
// idempotent so a double release is absorbed rather than corrupting pool
// state.
type Lease struct {
	pool      *Pool
	conn      *Conn
	mode      Mode
	label     string
	grantedAt time.Time
	wait      time.Duration
	released  atomic.Bool
}

// Conn returns the underlying single-caller connection.
func (l *Lease) Conn() driver.Conn {
	return l.conn.dc
}

// ConnID returns the id of the leased connection, for diagnostics.
func (l *Lease) ConnID() string {
	return l.conn.id
}

// Mode returns the lease class.
func (l *Lease) Mode() Mode {
	return l.mode
}

// Wait returns how long the caller waited for the grant.
func (l *Lease) Wait() time.Duration {
	return l.wait
}

// Release returns the connection to the pool and wakes the longest-waiting
// compatible request. Safe to call more than once; only the first call has
// an effect.
func (l *Lease) Release() {
	if l.released.CompareAndSwap(false, true) {
		l.pool.release(l)
	}
}

// MarkSucceeded resets the connection's consecutive failure count after a
// successful operation.
func (l *Lease) MarkSucceeded() {
	l.pool.markResult(l.conn, false)
}

// MarkFatal records a fatal query error against the connection. Past the
// pool's failure threshold the connection is marked broken and discarded on
// release instead of returning to the idle set.
func (l *Lease) MarkFatal() {
	l.pool.markResult(l.conn, true)
}
