package app

import (
	"log/slog"
	"sync"

	"github.com/hazyhaar/noteboard/docsync"
	"github.com/hazyhaar/noteboard/session"
	"github.com/hazyhaar/noteboard/workspace"
)

// Binder keeps exactly one live document feed open, for the signed-in
// identity, and applies remote snapshots to the board.
//
// On every session change the previous feed is closed before the next
// one opens, so a snapshot of a previous owner never reaches the board.
// Leaving a signed-in account clears the board, so one account's blocks
// are never seeded into another's document.
type Binder struct {
	session *session.Manager
	gateway *docsync.Gateway
	board   *workspace.Store
	logger  *slog.Logger
	// onMissing runs when the signed-in owner has no document yet.
	onMissing func(session.Identity)

	// bindMu serializes whole close-then-subscribe sequences.
	bindMu sync.Mutex

	mu    sync.Mutex
	feed  *docsync.Feed
	unsub func()
	// boardOwner is the signed-in account whose data is on the board,
	// "" while the board holds guest or anonymous work.
	boardOwner string
}

// NewBinder subscribes to m and binds the current identity right away.
func NewBinder(m *session.Manager, g *docsync.Gateway, board *workspace.Store, logger *slog.Logger) *Binder {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Binder{session: m, gateway: g, board: board, logger: logger}
	b.unsub = m.Subscribe(func(session.Change) { b.bind() })
	b.bind()
	return b
}

// OnMissing sets the hook run when the bound owner has no document.
func (b *Binder) OnMissing(fn func(session.Identity)) {
	b.mu.Lock()
	b.onMissing = fn
	b.mu.Unlock()
}

// Owner returns the identity id of the open feed, "" when none is open.
func (b *Binder) Owner() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.feed == nil {
		return ""
	}
	return b.feed.Owner()
}

// Rebind closes the feed and opens a new one for the current identity.
// It is used after a document store is installed.
func (b *Binder) Rebind() { b.bind() }

// bind reads the session under bindMu, so concurrent callers always
// leave the feed of the latest identity open.
func (b *Binder) bind() {
	b.bindMu.Lock()
	defer b.bindMu.Unlock()
	id, st := b.session.Current()

	b.mu.Lock()
	old := b.feed
	b.feed = nil
	b.mu.Unlock()

	if old != nil {
		old.Close()
		b.logger.Debug("binder: feed closed", "owner", old.Owner())
	}
	b.settleOwner(id, st)
	if st != session.Authenticated || !b.gateway.Enabled() {
		return
	}

	first := true
	feed := b.gateway.Subscribe(id, func(s *workspace.Snapshot) {
		initial := first
		first = false
		b.apply(id, s, initial)
	})
	if err := feed.Err(); err != nil {
		b.logger.Warn("binder: feed unavailable", "owner", id.ID, "error", err)
		return
	}

	b.mu.Lock()
	b.feed = feed
	b.mu.Unlock()
	b.logger.Debug("binder: feed opened", "owner", id.ID)
}

// settleOwner clears the board when it holds another account's data and
// records who the board now belongs to. A guest board is adopted by the
// first account signed in after it.
func (b *Binder) settleOwner(id session.Identity, st session.State) {
	b.mu.Lock()
	prev := b.boardOwner
	if st == session.Authenticated {
		b.boardOwner = id.ID
	} else {
		b.boardOwner = ""
	}
	b.mu.Unlock()

	if prev == "" || (st == session.Authenticated && id.ID == prev) {
		return
	}
	// Remote origin keeps the autosaver from writing the empty board.
	b.board.Replace(workspace.Snapshot{Blocks: []workspace.Block{}, Edges: []workspace.Edge{}}, workspace.OriginRemote)
	b.logger.Debug("binder: board cleared", "previous", prev)
}

// apply runs under the feed's delivery lock, so b.mu is never held
// while a feed is being closed.
func (b *Binder) apply(id session.Identity, s *workspace.Snapshot, initial bool) {
	if s == nil {
		if initial && !b.board.Snapshot().Empty() {
			b.mu.Lock()
			fn, owner := b.onMissing, b.boardOwner
			b.mu.Unlock()
			if fn != nil && owner == id.ID {
				fn(id)
			}
		}
		return
	}
	if s.Hash() == b.board.Snapshot().Hash() {
		return
	}
	b.board.Replace(*s, workspace.OriginRemote)
	b.logger.Debug("binder: remote snapshot applied", "owner", id.ID, "blocks", len(s.Blocks))
}

// Close closes the feed and stops following the session.
func (b *Binder) Close() {
	b.unsub()
	b.mu.Lock()
	old := b.feed
	b.feed = nil
	b.mu.Unlock()
	if old != nil {
		old.Close()
	}
}
