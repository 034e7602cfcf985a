// Package watch polls a document version and calls back when it moves.
// The SQL document stores use it to turn their version column into a
// live feed.
package watch

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"
)

// VersionFunc reads the current version of the watched document. A
// missing document is version 0.
type VersionFunc func(ctx context.Context) (int64, error)

// Query reads the version with a single-column query.
func Query(db *sql.DB, query string, args ...any) VersionFunc {
	return func(ctx context.Context) (int64, error) {
		var v sql.NullInt64
		err := db.QueryRowContext(ctx, query, args...).Scan(&v)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return v.Int64, err
	}
}

// Watcher remembers the last version its caller has seen.
type Watcher struct {
	read     VersionFunc
	interval time.Duration
	logger   *slog.Logger
	seen     atomic.Int64
}

// New returns a Watcher that polls read every interval (1s if unset).
// Nothing happens until Run.
func New(read VersionFunc, interval time.Duration, logger *slog.Logger) *Watcher {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{read: read, interval: interval, logger: logger}
}

// Seed records the version the caller loaded before calling Run, so a
// write landing in between is still reported.
func (w *Watcher) Seed(v int64) { w.seen.Store(v) }

// Seen is the last version handled.
func (w *Watcher) Seen() int64 { return w.seen.Load() }

// Run polls until ctx ends. Each time the version
// differs from Seen, reload runs and returns the version it actually
// read; on error Seen stays put and the next tick tries again. Read
// failures are logged once per streak.
func (w *Watcher) Run(ctx context.Context, reload func(context.Context) (int64, error)) {
	tick := time.NewTicker(w.interval)
	defer tick.Stop()

	failing := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}

		v, err := w.read(ctx)
		switch {
		case err != nil && (ctx.Err() != nil || errors.Is(err, sql.ErrConnDone)):
			return
		case err != nil:
			if !failing {
				w.logger.Warn("watch: version read failing", "error", err)
			}
			failing = true
			continue
		case failing:
			w.logger.Info("watch: version read recovered")
			failing = false
		}
		if v == w.seen.Load() {
			continue
		}

		got, err := reload(ctx)
		if err != nil {
			w.logger.Warn("watch: reload failed", "version", v, "error", err)
			continue
		}
		w.seen.Store(got)
	}
}
