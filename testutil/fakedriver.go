package testutil

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/mailscope/litepool/driver"
)

// ErrBusy mimics the engine's lock-contention error and classifies as
// transient.
var ErrBusy = errors.New("database is locked (5) (SQLITE_BUSY)")

// ErrSyntax mimics a fatal statement error.
var ErrSyntax = errors.New(`near "SELEC": syntax error`)

// FakeDriver is a scriptable driver.Driver. A nil OpenErr script opens
// healthy fake connections; otherwise errors are popped in order, nil
// entries meaning success.
type FakeDriver struct {
	mu       sync.Mutex
	openErrs []error

	Opened atomic.Int32
	Closed atomic.Int32

	// OnQuery, when set, decides the outcome of every query on every
	// connection opened by this driver.
	OnQuery func(query string) (rows [][]any, err error)

	// OnExec, when set, decides the outcome of writes.
	OnExec func(query string) (affected int64, err error)

	// ProbeErr is returned by every probe when set.
	ProbeErr error

	// LastRows holds the most recent row stream handed out, so tests can
	// check how far the cursor has read it.
	LastRows *FakeRows
}

// NewFakeDriver creates a healthy fake driver.
func NewFakeDriver() *FakeDriver {
	return &FakeDriver{}
}

// ScriptOpenErrors queues errors returned by subsequent Open calls; a nil
// entry lets the open succeed.
func (d *FakeDriver) ScriptOpenErrors(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.openErrs = append(d.openErrs, errs...)
}

func (d *FakeDriver) Open(ctx context.Context) (driver.Conn, error) {
	d.mu.Lock()
	var err error
	if len(d.openErrs) > 0 {
		err = d.openErrs[0]
		d.openErrs = d.openErrs[1:]
	}
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	d.Opened.Add(1)
	return &FakeConn{drv: d}, nil
}

// FakeConn is one fake physical handle.
type FakeConn struct {
	drv    *FakeDriver
	closed atomic.Bool

	// QueryErrs is a per-connection error script popped before OnQuery is
	// consulted; nil entries mean success.
	mu        sync.Mutex
	queryErrs []error
}

// ScriptQueryErrors queues per-connection query/exec errors.
func (c *FakeConn) ScriptQueryErrors(errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queryErrs = append(c.queryErrs, errs...)
}

func (c *FakeConn) popQueryErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queryErrs) == 0 {
		return nil
	}
	err := c.queryErrs[0]
	c.queryErrs = c.queryErrs[1:]
	return err
}

func (c *FakeConn) Query(ctx context.Context, query string, args ...any) (driver.Rows, error) {
	if err := c.popQueryErr(); err != nil {
		return nil, err
	}
	var data [][]any
	if c.drv.OnQuery != nil {
		rows, err := c.drv.OnQuery(query)
		if err != nil {
			return nil, err
		}
		data = rows
	}
	fr := NewFakeRows([]string{"value"}, data)
	c.drv.mu.Lock()
	c.drv.LastRows = fr
	c.drv.mu.Unlock()
	return fr, nil
}

func (c *FakeConn) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	if err := c.popQueryErr(); err != nil {
		return 0, err
	}
	if c.drv.OnExec != nil {
		return c.drv.OnExec(query)
	}
	return 1, nil
}

func (c *FakeConn) Probe(ctx context.Context) error {
	return c.drv.ProbeErr
}

func (c *FakeConn) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		c.drv.Closed.Add(1)
	}
	return nil
}

// FakeRows replays a fixed row set and records how far it has been read,
// which lets tests assert the cursor never fetches beyond one batch ahead.
type FakeRows struct {
	cols   []string
	rows   [][]any
	pos    int
	closed bool

	// MaxServed records the furthest row the cursor has pulled.
	MaxServed int
}

// NewFakeRows creates a replaying row stream.
func NewFakeRows(cols []string, rows [][]any) *FakeRows {
	return &FakeRows{cols: cols, rows: rows}
}

func (r *FakeRows) Columns() []string {
	return r.cols
}

func (r *FakeRows) Next(dest []any) error {
	if r.closed || r.pos >= len(r.rows) {
		return io.EOF
	}
	copy(dest, r.rows[r.pos])
	r.pos++
	if r.pos > r.MaxServed {
		r.MaxServed = r.pos
	}
	return nil
}

func (r *FakeRows) Close() error {
	r.closed = true
	return nil
}
