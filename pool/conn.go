package pool

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/mailscope/litepool/driver"
)

// State is the lifecycle state of a pooled connection. A connection is in
// exactly one state at any instant; StateBroken is terminal, replacement
// happens by opening a fresh connection with a new id.
type State int

const (
	StateIdle State = iota
	StateLeased
	StateProbing
	StateBroken
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLeased:
		return "leased"
	case StateProbing:
		return "probing"
	case StateBroken:
		return "broken"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Mode is the lease class of an acquisition. Write leases are mutually
// exclusive with every other lease; read leases coexist up to MaxSize.
type Mode int

const (
	ModeRead Mode = iota
	ModeWrite
)

func (m Mode) String() string {
	if m == ModeWrite {
		return "write"
	}
	return "read"
}

// Conn is the pool's bookkeeping around one physical driver connection.
// All mutable fields are guarded by the pool mutex; nothing outside the
// pool mutates them.
type Conn struct {
	id        string
	dc        driver.Conn
	createdAt time.Time

	state               State
	lastUsedAt          time.Time
	useCount            uint64
	consecutiveFailures int
}

func newConn(dc driver.Conn) *Conn {
	now := time.Now()
	return &Conn{
		id:         uuid.NewString(),
		dc:         dc,
		createdAt:  now,
		lastUsedAt: now,
		state:      StateIdle,
	}
}

// ID returns the opaque identifier of the connection, unique for the pool
// lifetime.
func (c *Conn) ID() string {
	return c.id
}

// Probe issues the driver's liveness check. Only call while holding the
// connection through a lease or a probe checkout.
func (c *Conn) Probe(ctx context.Context) error {
	return c.dc.Probe(ctx)
}

func (c *Conn) expired(now time.Time, idleTimeout, maxLifetime time.Duration) bool {
	if maxLifetime > 0 && now.Sub(c.createdAt) >= maxLifetime {
		return true
	}
	if idleTimeout > 0 && now.Sub(c.lastUsedAt) >= idleTimeout {
		return true
	}
	return false
}
