// Package db opens the SQLite files backing the sync client's journals. WAL
// mode, busy timeout and foreign keys are encoded in the DSN so every consumer
// gets the same durability settings.
package db

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const driverName = "sqlite3"

var defaultParams = url.Values{
	"mode":          {"rwc"},
	"_txlock":       {"immediate"},
	"_journal_mode": {"WAL"},
	"_busy_timeout": {"5000"},
	"_foreign_keys": {"on"},
	"_synchronous":  {"NORMAL"},
	"_cache_size":   {"8000"},
}

// Option adjusts the connection after it is established.
type Option func(*sqlx.DB) error

// WithMaxOpenConns caps the pool size. The journals use 1 so writers are
// serialized at the pool rather than fighting over the file lock.
func WithMaxOpenConns(n int) Option {
	return func(conn *sqlx.DB) error {
		conn.SetMaxOpenConns(n)
		return nil
	}
}

// WithPragmas executes an extra pragma block after connecting, on top of the
// DSN defaults.
func WithPragmas(pragmas string) Option {
	return func(conn *sqlx.DB) error {
		_, err := conn.Exec(pragmas)
		return err
	}
}

// Open connects to the SQLite database at path, creating it and its parent
// directory if needed. Pass ":memory:" for an in-memory database.
func Open(path string, opts ...Option) (*sqlx.DB, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("ensure journal directory: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?%s", path, defaultParams.Encode())
	}

	slog.Debug("db open", "driver", driverName, "path", path)
	conn, err := sqlx.Connect(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	for _, opt := range opts {
		if err := opt(conn); err != nil {
			conn.Close()
			return nil, fmt.Errorf("configure database: %w", err)
		}
	}

	return conn, nil
}
