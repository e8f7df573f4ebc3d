package duck

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	_ "github.com/duckdb/duckdb-go/v2"
)

const (
	defaultOpenMaxTries       = 6
	defaultOpenInitialBackoff = 250 * time.Millisecond
	defaultOpenMaxBackoff     = 5 * time.Second
)

type DB interface {
	Path() string
	Close() error
	Conn(ctx context.Context) (Connection, error)
}

type Connection interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
	Close() error
}

type duckDB struct {
	path string
	log  *slog.Logger
	db   *sql.DB
}

type duckDBConn struct {
	conn    *sql.Conn
	writeMu sync.Mutex // serializes all write operations
}

// NewDB opens the DuckDB database file at dbPath, creating parent directories as
// needed. An empty path opens an in-memory database. Opening is retried while
// another process holds the file lock.
func NewDB(ctx context.Context, dbPath string, log *slog.Logger) (*duckDB, error) {
	if dbPath != "" {
		abs, err := filepath.Abs(dbPath)
		if err != nil {
			return nil, fmt.Errorf("failed to get absolute path for database: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		dbPath = abs
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = defaultOpenInitialBackoff
	bo.MaxInterval = defaultOpenMaxBackoff

	db, err := backoff.Retry(ctx, func() (*sql.DB, error) {
		db, err := sql.Open("duckdb", dbPath)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("failed to open database: %w", err))
		}
		var version string
		if err := db.QueryRowContext(ctx, "SELECT version()").Scan(&version); err != nil {
			db.Close()
			if isLockError(err) {
				return nil, err
			}
			return nil, backoff.Permanent(fmt.Errorf("failed to query database version: %w", err))
		}
		log.Debug("duck: opened database", "path", dbPath, "version", version)
		return db, nil
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(defaultOpenMaxTries),
		backoff.WithNotify(func(err error, d time.Duration) {
			log.Warn("duck: database locked, retrying open", "path", dbPath, "delay", d, "error", err)
		}),
	)
	if err != nil {
		return nil, err
	}

	return &duckDB{
		path: dbPath,
		log:  log,
		db:   db,
	}, nil
}

func (d *duckDB) Path() string {
	return d.path
}

func (d *duckDB) Close() error {
	return d.db.Close()
}

func (d *duckDB) Conn(ctx context.Context) (Connection, error) {
	conn, err := d.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open connection: %w", err)
	}
	return &duckDBConn{conn: conn}, nil
}

func (c *duckDBConn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return c.conn.ExecContext(ctx, query, args...)
}

func (c *duckDBConn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.conn.QueryContext(ctx, query, args...)
}

func (c *duckDBConn) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return c.conn.QueryRowContext(ctx, query, args...)
}

func (c *duckDBConn) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return c.conn.BeginTx(ctx, opts)
}

func (c *duckDBConn) Close() error {
	return c.conn.Close()
}

// isLockError reports whether err is DuckDB refusing to open a file that another
// process holds open for writing.
func isLockError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "Could not set lock on file") ||
		strings.Contains(errStr, "Conflicting lock is held")
}

// QuoteLiteral returns s as a single-quoted SQL string literal.
func QuoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// QuoteIdent returns s as a double-quoted SQL identifier.
func QuoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
