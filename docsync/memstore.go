package docsync

import (
	"context"
	"sync"

	"github.com/hazyhaar/noteboard/workspace"
)

// MemoryStore is an in-process Store. Watchers receive the latest
// document; intermediate versions written faster than a watcher consumes
// them are coalesced.
type MemoryStore struct {
	mu       sync.Mutex
	docs     map[string]workspace.Snapshot
	watchers map[string]map[*memWatcher]struct{}
	failNext error
	saves    int
}

type memWatcher struct {
	notify chan struct{}
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:     make(map[string]workspace.Snapshot),
		watchers: make(map[string]map[*memWatcher]struct{}),
	}
}

// FailNext makes the next Save return err.
func (m *MemoryStore) FailNext(err error) {
	m.mu.Lock()
	m.failNext = err
	m.mu.Unlock()
}

// Saves counts successful saves.
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

func (m *MemoryStore) Save(ctx context.Context, ownerID string, snap workspace.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext; err != nil {
		m.failNext = nil
		return err
	}
	m.docs[ownerID] = snap.Clone()
	m.saves++
	for w := range m.watchers[ownerID] {
		select {
		case w.notify <- struct{}{}:
		default:
		}
	}
	return nil
}

func (m *MemoryStore) Load(_ context.Context, ownerID string) (*workspace.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.docs[ownerID]
	if !ok {
		return nil, nil
	}
	c := s.Clone()
	return &c, nil
}

func (m *MemoryStore) Watch(ctx context.Context, ownerID string, fn func(*workspace.Snapshot)) (func(), error) {
	w := &memWatcher{notify: make(chan struct{}, 1)}
	w.notify <- struct{}{}

	m.mu.Lock()
	if m.watchers[ownerID] == nil {
		m.watchers[ownerID] = make(map[*memWatcher]struct{})
	}
	m.watchers[ownerID][w] = struct{}{}
	m.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.notify:
				s, _ := m.Load(ctx, ownerID)
				fn(s)
			}
		}
	}()

	stop := func() {
		cancel()
		m.mu.Lock()
		delete(m.watchers[ownerID], w)
		m.mu.Unlock()
	}
	return stop, nil
}
