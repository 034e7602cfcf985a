package workspace

import (
	"fmt"
	"sync"
	"time"
)

// Origin tells listeners where a change came from. Only local changes
// are written back to the remote document.
type Origin int

const (
	OriginLocal Origin = iota
	OriginRemote
)

func (o Origin) String() string {
	if o == OriginRemote {
		return "remote"
	}
	return "local"
}

// Change is delivered to Store listeners after every mutation.
type Change struct {
	Snapshot Snapshot
	Origin   Origin
}

// Store holds the current board. Mutations are serialized and listeners
// see changes in mutation order. Listeners must not mutate the Store
// synchronously; reading it with Snapshot is fine.
type Store struct {
	notifyMu sync.Mutex

	mu        sync.Mutex
	snap      Snapshot
	listeners map[int]func(Change)
	nextID    int
	now       func() time.Time
}

// NewStore returns an empty board.
func NewStore() *Store {
	return &Store{listeners: make(map[int]func(Change)), now: time.Now}
}

// Snapshot returns a copy of the current board.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.Clone()
}

// Subscribe registers fn and returns a function removing it.
func (s *Store) Subscribe(fn func(Change)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Replace swaps the whole board.
func (s *Store) Replace(snap Snapshot, origin Origin) {
	s.apply(origin, func(cur *Snapshot) error {
		*cur = snap.Clone()
		return nil
	})
}

// Clear empties the board.
func (s *Store) Clear() {
	s.apply(OriginLocal, func(cur *Snapshot) error {
		*cur = Snapshot{Blocks: []Block{}, Edges: []Edge{}}
		return nil
	})
}

// AddBlock appends b. Its id must be unique.
func (s *Store) AddBlock(b Block) error {
	if !b.Type.Valid() {
		return fmt.Errorf("workspace: unknown block type %q", b.Type)
	}
	return s.apply(OriginLocal, func(cur *Snapshot) error {
		if indexOf(cur.Blocks, b.ID) >= 0 {
			return fmt.Errorf("workspace: block %s already exists", b.ID)
		}
		cur.Blocks = append(cur.Blocks, b.Clone())
		return nil
	})
}

// UpdateBlock replaces the block with b.ID.
func (s *Store) UpdateBlock(b Block) error {
	return s.apply(OriginLocal, func(cur *Snapshot) error {
		i := indexOf(cur.Blocks, b.ID)
		if i < 0 {
			return fmt.Errorf("workspace: block %s not found", b.ID)
		}
		cur.Blocks[i] = b.Clone()
		return nil
	})
}

// RemoveBlock deletes a block and every edge touching it.
func (s *Store) RemoveBlock(id string) error {
	return s.apply(OriginLocal, func(cur *Snapshot) error {
		i := indexOf(cur.Blocks, id)
		if i < 0 {
			return fmt.Errorf("workspace: block %s not found", id)
		}
		cur.Blocks = append(cur.Blocks[:i], cur.Blocks[i+1:]...)
		edges := cur.Edges[:0]
		for _, e := range cur.Edges {
			if e.Source != id && e.Target != id {
				edges = append(edges, e)
			}
		}
		cur.Edges = edges
		return nil
	})
}

// Connect adds an edge between two existing blocks.
func (s *Store) Connect(e Edge) error {
	return s.apply(OriginLocal, func(cur *Snapshot) error {
		if indexOf(cur.Blocks, e.Source) < 0 || indexOf(cur.Blocks, e.Target) < 0 {
			return fmt.Errorf("workspace: edge %s references a missing block", e.ID)
		}
		cur.Edges = append(cur.Edges, e)
		return nil
	})
}

func (s *Store) apply(origin Origin, fn func(*Snapshot) error) error {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	next := s.snap.Clone()
	if err := fn(&next); err != nil {
		s.mu.Unlock()
		return err
	}
	if origin == OriginLocal || next.LastUpdated.IsZero() {
		next.LastUpdated = s.now()
	}
	s.snap = next
	change := Change{Snapshot: next.Clone(), Origin: origin}
	listeners := make([]func(Change), 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()

	for _, l := range listeners {
		l(change)
	}
	return nil
}

func indexOf(blocks []Block, id string) int {
	for i, b := range blocks {
		if b.ID == id {
			return i
		}
	}
	return -1
}
