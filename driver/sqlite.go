package driver

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/url"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // registers the pure-Go "sqlite" driver
)

// SQLiteConfig configures the SQLite driver.
type SQLiteConfig struct {
	// Path is the database file path. ":memory:" opens an in-memory database.
	Path string `yaml:"path"`

	// BusyTimeout is handed to the engine as a busy_timeout pragma so short
	// lock contention is absorbed inside the engine before surfacing as a
	// transient error.
	BusyTimeout time.Duration `yaml:"busy_timeout"`

	// ReadOnly opens handles in read-only mode.
	ReadOnly bool `yaml:"read_only"`
}

// DefaultSQLiteConfig returns sensible defaults for a local database file.
func DefaultSQLiteConfig(path string) SQLiteConfig {
	return SQLiteConfig{
		Path:        path,
		BusyTimeout: 2 * time.Second,
	}
}

// SQLite opens physical handles to one SQLite database file. Each handle is
// its own *sql.DB capped at a single underlying connection, so a handle
// behaves as the one-caller primitive the pool expects.
type SQLite struct {
	cfg    SQLiteConfig
	logger *zap.Logger
}

// NewSQLite creates a SQLite driver for the given database file.
func NewSQLite(cfg SQLiteConfig, logger *zap.Logger) *SQLite {
	return &SQLite{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "sqlite_driver")),
	}
}

func (d *SQLite) dsn() string {
	q := url.Values{}
	if d.cfg.BusyTimeout > 0 {
		q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", d.cfg.BusyTimeout.Milliseconds()))
	}
	q.Add("_pragma", "journal_mode(wal)")
	if d.cfg.ReadOnly {
		q.Set("mode", "ro")
	}
	return "file:" + d.cfg.Path + "?" + q.Encode()
}

// Open opens a new physical handle.
func (d *SQLite) Open(ctx context.Context) (Conn, error) {
	db, err := sql.Open("sqlite", d.dsn())
	if err != nil {
		return nil, fmt.Errorf("open sqlite handle: %w", err)
	}

	// One underlying connection per handle. Lifetime and idling are managed
	// by the pool, not by database/sql.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite handle: %w", err)
	}

	d.logger.Debug("opened sqlite handle", zap.String("path", d.cfg.Path))
	return &sqlConn{db: db}, nil
}

// WrapDB adapts an existing *sql.DB into a Conn. The caller is responsible
// for capping the *sql.DB at one connection; tests use this with scripted
// mock databases.
func WrapDB(db *sql.DB) Conn {
	return &sqlConn{db: db}
}

type sqlConn struct {
	db *sql.DB
}

func (c *sqlConn) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	cols, err := rows.Columns()
	if err != nil {
		rows.Close()
		return nil, err
	}
	return &sqlRows{rows: rows, cols: cols}, nil
}

func (c *sqlConn) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := c.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return affected, nil
}

func (c *sqlConn) Probe(ctx context.Context) error {
	var one int
	return c.db.QueryRowContext(ctx, "SELECT 1").Scan(&one)
}

func (c *sqlConn) Close() error {
	return c.db.Close()
}

type sqlRows struct {
	rows *sql.Rows
	cols []string
}

func (r *sqlRows) Columns() []string {
	return r.cols
}

func (r *sqlRows) Next(dest []any) error {
	if !r.rows.Next() {
		if err := r.rows.Err(); err != nil {
			return err
		}
		return io.EOF
	}
	ptrs := make([]any, len(dest))
	for i := range dest {
		ptrs[i] = &dest[i]
	}
	return r.rows.Scan(ptrs...)
}

func (r *sqlRows) Close() error {
	return r.rows.Close()
}
