// Package docsync mirrors a user's board to a remote document store.
// Each signed-in identity owns exactly one document; guests never reach
// the store. Saves are best-effort and subscriptions are live feeds whose
// callbacks stop for good once the feed is closed.
package docsync

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/noteboard/observability"
	"github.com/hazyhaar/noteboard/session"
	"github.com/hazyhaar/noteboard/workspace"
)

// Store is a remote document store holding one Snapshot per owner.
type Store interface {
	// Save overwrites the owner's document (last write wins).
	Save(ctx context.Context, ownerID string, snap workspace.Snapshot) error
	// Load returns the owner's document, nil when there is none.
	Load(ctx context.Context, ownerID string) (*workspace.Snapshot, error)
	// Watch calls fn with the current document, then after every change,
	// serially from a single goroutine, until ctx is cancelled or stop is
	// called. fn(nil) means the document does not exist.
	Watch(ctx context.Context, ownerID string, fn func(*workspace.Snapshot)) (stop func(), err error)
}

// Gateway routes saves and subscriptions for the active identity to the
// installed Store.
type Gateway struct {
	logger      *slog.Logger
	metrics     *observability.Metrics
	saveTimeout time.Duration
	now         func() time.Time

	mu    sync.RWMutex
	store Store
}

// Option configures a Gateway.
type Option func(*Gateway)

func WithLogger(l *slog.Logger) Option { return func(g *Gateway) { g.logger = l } }

func WithMetrics(m *observability.Metrics) Option { return func(g *Gateway) { g.metrics = m } }

// WithSaveTimeout bounds a single save. Default 15s.
func WithSaveTimeout(d time.Duration) Option { return func(g *Gateway) { g.saveTimeout = d } }

// WithStore installs the store at construction.
func WithStore(s Store) Option { return func(g *Gateway) { g.store = s } }

// NewGateway returns a Gateway. Without a store every operation is a no-op.
func NewGateway(opts ...Option) *Gateway {
	g := &Gateway{logger: slog.Default(), saveTimeout: 15 * time.Second, now: time.Now}
	for _, o := range opts {
		o(g)
	}
	return g
}

// SetStore installs the store once a backend config is available.
func (g *Gateway) SetStore(s Store) {
	g.mu.Lock()
	g.store = s
	g.mu.Unlock()
}

// Enabled reports whether a store is installed.
func (g *Gateway) Enabled() bool {
	return g.current() != nil
}

func (g *Gateway) current() Store {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.store
}

// Save writes snap as id's document, stamping LastUpdated. Guests and a
// missing store are skipped. Failures are logged, never returned: the
// local board stays authoritative and the next save supersedes this one.
func (g *Gateway) Save(ctx context.Context, id session.Identity, snap workspace.Snapshot) {
	st := g.current()
	if id.IsGuest || id.ID == "" || st == nil {
		g.metrics.SyncSave("skipped")
		return
	}
	snap.LastUpdated = g.now().UTC()

	ctx, cancel := context.WithTimeout(ctx, g.saveTimeout)
	defer cancel()
	if err := st.Save(ctx, id.ID, snap); err != nil {
		g.metrics.SyncSave("failed")
		g.logger.Error("docsync: save failed", "identity", id.ID, "blocks", len(snap.Blocks), "error", err)
		return
	}
	g.metrics.SyncSave("ok")
	g.logger.Debug("docsync: saved", "identity", id.ID, "blocks", len(snap.Blocks))
}

// Load reads id's document once. Guests get nil.
func (g *Gateway) Load(ctx context.Context, id session.Identity) (*workspace.Snapshot, error) {
	st := g.current()
	if id.IsGuest || id.ID == "" || st == nil {
		return nil, nil
	}
	return st.Load(ctx, id.ID)
}

// Subscribe opens a live feed on id's document. Guests, and identities
// seen while no store is installed, get an inert feed.
func (g *Gateway) Subscribe(id session.Identity, onUpdate func(*workspace.Snapshot)) *Feed {
	ctx, cancel := context.WithCancel(context.Background())
	f := &Feed{owner: id.ID, onUpdate: onUpdate, cancel: cancel}

	st := g.current()
	if id.IsGuest || id.ID == "" || st == nil {
		f.closed = true
		cancel()
		return f
	}

	f.metrics = g.metrics
	stop, err := st.Watch(ctx, id.ID, f.deliver)
	if err != nil {
		g.logger.Error("docsync: subscribe failed", "identity", id.ID, "error", err)
		f.err = err
		f.Close()
		return f
	}
	f.setStop(stop)
	g.metrics.FeedOpened()
	f.opened = true
	return f
}
