// Package sqlstore keeps workspace documents in a SQL table, on SQLite for
// a self-hosted single machine or PostgreSQL for a shared server. Live
// feeds poll a per-document version column.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // "pgx" database/sql driver
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/noteboard/dbopen"
	"github.com/hazyhaar/noteboard/docsync"
	"github.com/hazyhaar/noteboard/watch"
	"github.com/hazyhaar/noteboard/workspace"
)

var _ docsync.Store = (*Store)(nil)

// Dialect selects placeholder syntax.
type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

const schema = `
CREATE TABLE IF NOT EXISTS workspaces (
    owner_id   TEXT PRIMARY KEY,
    payload    TEXT NOT NULL,
    version    BIGINT NOT NULL DEFAULT 1,
    updated_at BIGINT NOT NULL
)`

// Store implements docsync.Store on database/sql.
type Store struct {
	db           *sql.DB
	dialect      Dialect
	pollInterval time.Duration
	logger       *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithPollInterval sets how often live feeds check for changes. Default 500ms.
func WithPollInterval(d time.Duration) Option { return func(s *Store) { s.pollInterval = d } }

func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.logger = l } }

// New wraps an open database and creates the table.
func New(db *sql.DB, dialect Dialect, opts ...Option) (*Store, error) {
	s := &Store{db: db, dialect: dialect, pollInterval: 500 * time.Millisecond, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("sqlstore: migrate: %w", err)
	}
	return s, nil
}

// OpenSQLite opens (creating if needed) a SQLite file.
func OpenSQLite(path string, opts ...Option) (*Store, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll())
	if err != nil {
		return nil, fmt.Errorf("sqlstore: %w", err)
	}
	s, err := New(db, SQLite, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenPostgres connects through the pgx driver.
func OpenPostgres(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlstore: ping postgres: %w", err)
	}
	s, err := New(db, Postgres, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// rebind rewrites ? placeholders as $n for Postgres.
func (s *Store) rebind(q string) string {
	if s.dialect != Postgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) Save(ctx context.Context, ownerID string, snap workspace.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("sqlstore: encode: %w", err)
	}
	q := s.rebind(`
		INSERT INTO workspaces (owner_id, payload, version, updated_at) VALUES (?, ?, 1, ?)
		ON CONFLICT (owner_id) DO UPDATE SET
			payload = excluded.payload,
			version = workspaces.version + 1,
			updated_at = excluded.updated_at`)
	args := []any{ownerID, string(payload), time.Now().UnixMilli()}
	if s.dialect == SQLite {
		err = dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, q, args...)
			return err
		})
	} else {
		_, err = s.db.ExecContext(ctx, q, args...)
	}
	if err != nil {
		return fmt.Errorf("sqlstore: save %s: %w", ownerID, err)
	}
	return nil
}

func (s *Store) Load(ctx context.Context, ownerID string) (*workspace.Snapshot, error) {
	snap, _, err := s.load(ctx, ownerID)
	return snap, err
}

func (s *Store) load(ctx context.Context, ownerID string) (*workspace.Snapshot, int64, error) {
	var payload string
	var version int64
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT payload, version FROM workspaces WHERE owner_id = ?`), ownerID).
		Scan(&payload, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("sqlstore: load %s: %w", ownerID, err)
	}
	var snap workspace.Snapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		return nil, version, fmt.Errorf("sqlstore: decode %s: %w", ownerID, err)
	}
	return &snap, version, nil
}

// Watch delivers the current document, then polls its version.
func (s *Store) Watch(ctx context.Context, ownerID string, fn func(*workspace.Snapshot)) (func(), error) {
	snap, version, err := s.load(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	w := watch.New(
		watch.Query(s.db, s.rebind(`SELECT version FROM workspaces WHERE owner_id = ?`), ownerID),
		s.pollInterval,
		s.logger.With("owner", ownerID),
	)
	w.Seed(version)

	done := make(chan struct{})
	go func() {
		defer close(done)
		fn(snap)
		w.Run(ctx, func(ctx context.Context) (int64, error) {
			next, v, err := s.load(ctx, ownerID)
			if err != nil {
				return 0, err
			}
			fn(next)
			return v, nil
		})
	}()

	return func() {
		cancel()
		<-done
	}, nil
}
