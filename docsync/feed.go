package docsync

import (
	"context"
	"sync"

	"github.com/hazyhaar/noteboard/observability"
	"github.com/hazyhaar/noteboard/workspace"
)

// Feed is a live subscription to one owner's document.
type Feed struct {
	owner    string
	onUpdate func(*workspace.Snapshot)
	cancel   context.CancelFunc
	metrics  *observability.Metrics
	err      error
	opened   bool

	// mu is held while onUpdate runs, so Close waits for an in-flight
	// delivery and none starts afterwards.
	mu     sync.Mutex
	closed bool
	stop   func()
	once   sync.Once
}

// Owner is the identity id the feed watches.
func (f *Feed) Owner() string { return f.owner }

// Active reports whether the feed can still deliver.
func (f *Feed) Active() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.closed
}

// Err reports why the feed failed to open, if it did.
func (f *Feed) Err() error { return f.err }

func (f *Feed) setStop(stop func()) {
	f.mu.Lock()
	f.stop = stop
	f.mu.Unlock()
}

func (f *Feed) deliver(s *workspace.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.metrics.FeedDelivered()
	f.onUpdate(s)
}

// Close disposes the feed. It is idempotent and returns only after any
// running callback has finished; no callback runs after it returns.
// Close must not be called from inside the feed's own callback.
func (f *Feed) Close() {
	f.once.Do(func() {
		f.mu.Lock()
		f.closed = true
		stop := f.stop
		f.mu.Unlock()

		f.cancel()
		if stop != nil {
			stop()
		}
		if f.opened {
			f.metrics.FeedClosed()
		}
	})
}
