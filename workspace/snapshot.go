package workspace

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Snapshot is the full state of one user's board, the unit the sync
// gateway reads and writes.
type Snapshot struct {
	Blocks      []Block   `json:"blocks"`
	Edges       []Edge    `json:"edges"`
	LastUpdated time.Time `json:"lastUpdated,omitzero"`
}

// Clone returns a deep copy of s.
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{LastUpdated: s.LastUpdated}
	out.Blocks = make([]Block, len(s.Blocks))
	for i, b := range s.Blocks {
		out.Blocks[i] = b.Clone()
	}
	out.Edges = append(make([]Edge, 0, len(s.Edges)), s.Edges...)
	return out
}

// Hash fingerprints blocks and edges, ignoring LastUpdated, so a remote
// echo of a local write can be recognised.
func (s Snapshot) Hash() string {
	blocks, edges := s.Blocks, s.Edges
	if blocks == nil {
		blocks = []Block{}
	}
	if edges == nil {
		edges = []Edge{}
	}
	data, _ := json.Marshal(struct {
		B []Block `json:"b"`
		E []Edge  `json:"e"`
	}{blocks, edges})
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Empty reports whether the board has no blocks and no edges.
func (s Snapshot) Empty() bool {
	return len(s.Blocks) == 0 && len(s.Edges) == 0
}
