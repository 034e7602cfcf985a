// Package dbopen opens the SQLite file noteboard keeps under its data
// directory. One file holds the account table, the event log and, with
// the sqlite store driver, the synced workspace documents.
package dbopen

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

const (
	driverName         = "sqlite"
	defaultBusyTimeout = 10_000
)

type options struct {
	busyTimeout int
	mkdirAll    bool
	schemas     []string
}

// Option tunes Open.
type Option func(*options)

// WithBusyTimeout sets how long (ms) a writer waits on a locked database.
func WithBusyTimeout(ms int) Option { return func(o *options) { o.busyTimeout = ms } }

// WithMkdirAll creates the data directory when it does not exist yet.
func WithMkdirAll() Option { return func(o *options) { o.mkdirAll = true } }

// WithSchema adds DDL applied once the connection is configured. Every
// schema must be idempotent (CREATE ... IF NOT EXISTS).
func WithSchema(ddl string) Option { return func(o *options) { o.schemas = append(o.schemas, ddl) } }

func (o options) pragmas() []string {
	return []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		fmt.Sprintf("PRAGMA busy_timeout = %d", o.busyTimeout),
	}
}

// Open returns a ready handle on the database at path. Schemas are
// applied in one transaction so a failing DDL leaves nothing half-built.
func Open(path string, opts ...Option) (*sql.DB, error) {
	o := options{busyTimeout: defaultBusyTimeout}
	for _, fn := range opts {
		fn(&o)
	}
	if o.mkdirAll && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("dbopen: create data dir: %w", err)
		}
	}

	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("dbopen: %s: %w", path, err)
	}
	if err := configure(db, o); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func configure(db *sql.DB, o options) error {
	for _, p := range o.pragmas() {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("dbopen: %s: %w", p, err)
		}
	}
	if len(o.schemas) == 0 {
		return db.Ping()
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("dbopen: schema: %w", err)
	}
	for i, ddl := range o.schemas {
		if _, err := tx.Exec(ddl); err != nil {
			tx.Rollback()
			return fmt.Errorf("dbopen: schema %d: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("dbopen: schema commit: %w", err)
	}
	return nil
}

// OpenMemory gives a test its own in-memory database. The pool is held
// to one connection since each ":memory:" connection is a fresh database.
func OpenMemory(t testing.TB, opts ...Option) *sql.DB {
	t.Helper()
	db, err := Open(":memory:", opts...)
	if err != nil {
		t.Fatalf("open memory db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}
