package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/noteboard/idgen"
)

// EventsSchema is the DDL of the session event log.
const EventsSchema = `
CREATE TABLE IF NOT EXISTS session_events (
    event_id    TEXT PRIMARY KEY,
    event_type  TEXT NOT NULL,
    identity_id TEXT,
    guest       INTEGER NOT NULL DEFAULT 0,
    action      TEXT NOT NULL,
    details     TEXT,
    success     INTEGER NOT NULL DEFAULT 1,
    created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_session_events_time ON session_events(created_at DESC);
`

// Event is one session-level occurrence worth keeping: sign-ins, guest
// fallbacks, config submissions, imports.
type Event struct {
	Type       string
	IdentityID string
	Guest      bool
	Action     string
	Details    string
	Success    bool
	CreatedAt  time.Time
}

// EventLogger records Events in SQLite. A nil *EventLogger is a valid
// no-op recorder.
type EventLogger struct {
	db     *sql.DB
	newID  idgen.Generator
	logger *slog.Logger
}

// NewEventLogger applies EventsSchema to db and returns a recorder.
func NewEventLogger(db *sql.DB, logger *slog.Logger) (*EventLogger, error) {
	if _, err := db.Exec(EventsSchema); err != nil {
		return nil, fmt.Errorf("observability: init schema: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EventLogger{db: db, newID: idgen.Prefixed("evt_", idgen.Default), logger: logger}, nil
}

// Log records e. Failures are logged and swallowed.
func (l *EventLogger) Log(ctx context.Context, e Event) {
	if l == nil {
		return
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO session_events (event_id, event_type, identity_id, guest, action, details, success, created_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		l.newID(), e.Type, e.IdentityID, e.Guest, e.Action, e.Details, e.Success, time.Now().UnixMilli())
	if err != nil {
		l.logger.Warn("observability: event log failed", "error", err, "event_type", e.Type)
	}
}

// Recent returns up to limit events, newest first.
func (l *EventLogger) Recent(ctx context.Context, limit int) ([]Event, error) {
	if l == nil {
		return nil, nil
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT event_type, COALESCE(identity_id,''), guest, action, COALESCE(details,''), success, created_at
		FROM session_events ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("observability: recent: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var ms int64
		if err := rows.Scan(&e.Type, &e.IdentityID, &e.Guest, &e.Action, &e.Details, &e.Success, &ms); err != nil {
			return nil, fmt.Errorf("observability: scan: %w", err)
		}
		e.CreatedAt = time.UnixMilli(ms)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Cleanup deletes events older than retention.
func (l *EventLogger) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	if l == nil {
		return 0, nil
	}
	cutoff := time.Now().Add(-retention).UnixMilli()
	res, err := l.db.ExecContext(ctx, `DELETE FROM session_events WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("observability: cleanup: %w", err)
	}
	return res.RowsAffected()
}
