package app

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/noteboard/docsync"
	"github.com/hazyhaar/noteboard/session"
	"github.com/hazyhaar/noteboard/workspace"
)

// Autosaver writes local board changes to the signed-in owner's document.
// Changes are debounced and only the latest pending snapshot is written.
// A change is saved under the identity active when it was made, and is
// dropped if that identity is no longer active when the save runs.
type Autosaver struct {
	session *session.Manager
	gateway *docsync.Gateway
	delay   time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	pending *pendingSave

	saveMu sync.Mutex
	kick   chan struct{}
	unsub  func()
}

type pendingSave struct {
	identity session.Identity
	snap     workspace.Snapshot
}

// NewAutosaver follows board's local changes. Run must be started for
// saves to happen; Flush writes the pending change immediately.
func NewAutosaver(m *session.Manager, g *docsync.Gateway, board *workspace.Store, delay time.Duration, logger *slog.Logger) *Autosaver {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Autosaver{
		session: m,
		gateway: g,
		delay:   delay,
		logger:  logger,
		kick:    make(chan struct{}, 1),
	}
	a.unsub = board.Subscribe(func(c workspace.Change) {
		if c.Origin != workspace.OriginLocal {
			return
		}
		id, st := m.Current()
		if st != session.Authenticated {
			return
		}
		a.Schedule(id, c.Snapshot)
	})
	return a
}

// Schedule queues snap for id, replacing any pending save.
func (a *Autosaver) Schedule(id session.Identity, snap workspace.Snapshot) {
	a.mu.Lock()
	a.pending = &pendingSave{identity: id, snap: snap}
	a.mu.Unlock()
	select {
	case a.kick <- struct{}{}:
	default:
	}
}

// Pending reports whether a save is queued.
func (a *Autosaver) Pending() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pending != nil
}

// Run saves queued changes once they have been quiet for the debounce
// delay, until ctx is cancelled.
func (a *Autosaver) Run(ctx context.Context) {
	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.kick:
			if a.delay <= 0 {
				a.Flush(ctx)
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(a.delay)
			fire = timer.C
		case <-fire:
			fire = nil
			a.Flush(ctx)
		}
	}
}

// Flush writes the pending change now, if any.
func (a *Autosaver) Flush(ctx context.Context) {
	a.saveMu.Lock()
	defer a.saveMu.Unlock()

	a.mu.Lock()
	p := a.pending
	a.pending = nil
	a.mu.Unlock()
	if p == nil {
		return
	}

	cur, st := a.session.Current()
	if st != session.Authenticated || cur.ID != p.identity.ID {
		a.logger.Debug("autosave: dropped change of inactive identity", "identity", p.identity.ID)
		return
	}
	a.gateway.Save(ctx, p.identity, p.snap)
}

// Close stops following the board. Call Flush first to keep the pending
// change.
func (a *Autosaver) Close() { a.unsub() }
