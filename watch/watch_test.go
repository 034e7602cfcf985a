package watch

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/noteboard/dbopen"
)

var quiet = slog.New(slog.DiscardHandler)

func boardDB(t *testing.T) *sql.DB {
	t.Helper()
	return dbopen.OpenMemory(t, dbopen.WithSchema(`CREATE TABLE workspaces (owner_id TEXT PRIMARY KEY, version INTEGER NOT NULL)`))
}

func bump(t *testing.T, db *sql.DB, owner string, v int64) {
	t.Helper()
	if _, err := db.Exec(`INSERT INTO workspaces VALUES (?, ?)
		ON CONFLICT(owner_id) DO UPDATE SET version = excluded.version`, owner, v); err != nil {
		t.Fatal(err)
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	for end := time.Now().Add(2 * time.Second); time.Now().Before(end); time.Sleep(5 * time.Millisecond) {
		if cond() {
			return
		}
	}
	t.Fatal("timed out")
}

func versionOf(db *sql.DB, owner string) VersionFunc {
	return Query(db, `SELECT version FROM workspaces WHERE owner_id = ?`, owner)
}

func TestQueryMissingRowIsZero(t *testing.T) {
	v, err := versionOf(boardDB(t), "nobody")(context.Background())
	if err != nil || v != 0 {
		t.Fatalf("v=%d err=%v", v, err)
	}
}

func TestRunReloadsOnVersionMove(t *testing.T) {
	db := boardDB(t)
	bump(t, db, "ann", 1)
	w := New(versionOf(db, "ann"), 5*time.Millisecond, quiet)
	w.Seed(1)
	// Lands before Run starts and is still reported.
	bump(t, db, "ann", 2)

	var reloads atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx, func(ctx context.Context) (int64, error) {
		reloads.Add(1)
		return versionOf(db, "ann")(ctx)
	})

	eventually(t, func() bool { return w.Seen() == 2 })
	bump(t, db, "bob", 9)
	bump(t, db, "ann", 3)
	eventually(t, func() bool { return w.Seen() == 3 })
	time.Sleep(20 * time.Millisecond)
	if n := reloads.Load(); n != 2 {
		t.Fatalf("reloads = %d, want 2", n)
	}
}

func TestRunRetriesFailedReload(t *testing.T) {
	db := boardDB(t)
	w := New(versionOf(db, "ann"), 5*time.Millisecond, quiet)

	var calls atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx, func(context.Context) (int64, error) {
		if calls.Add(1) == 1 {
			return 0, errors.New("decode failed")
		}
		return 4, nil
	})

	bump(t, db, "ann", 4)
	eventually(t, func() bool { return w.Seen() == 4 })
	if calls.Load() < 2 {
		t.Fatalf("calls = %d", calls.Load())
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	db := boardDB(t)
	w := New(versionOf(db, "ann"), 5*time.Millisecond, quiet)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx, func(context.Context) (int64, error) { return 0, nil })
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}
