package workspace

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/hazyhaar/noteboard/horosafe"
	"github.com/hazyhaar/noteboard/idgen"
)

// ExportVersion is the current export file format.
const ExportVersion = 1

// MaxImportSize bounds an import file (16 MiB).
const MaxImportSize int64 = 16 << 20

// ErrInvalidImport wraps every reason an import file is refused.
var ErrInvalidImport = errors.New("workspace: invalid import file")

type exportFile struct {
	Version    int       `json:"version"`
	ExportedAt time.Time `json:"exportedAt,omitzero"`
	Blocks     []Block   `json:"blocks"`
	Edges      []Edge    `json:"edges"`
}

// Export writes s as an indented, versioned JSON document.
func Export(w io.Writer, s Snapshot, now time.Time) error {
	f := exportFile{Version: ExportVersion, ExportedAt: now.UTC(), Blocks: s.Blocks, Edges: s.Edges}
	if f.Blocks == nil {
		f.Blocks = []Block{}
	}
	if f.Edges == nil {
		f.Edges = []Edge{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(f); err != nil {
		return fmt.Errorf("workspace: export: %w", err)
	}
	return nil
}

// Import reads an export file. Files without a version (a bare
// {blocks, edges} object) are accepted. Blocks without an id, or with a
// duplicate one, get a fresh id from newID; unknown categories fall back
// to general; edges whose endpoints are missing are dropped.
func Import(r io.Reader, newID idgen.Generator) (Snapshot, error) {
	if newID == nil {
		newID = idgen.Default
	}
	data, err := horosafe.LimitedReadAll(r, MaxImportSize)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrInvalidImport, err)
	}
	var f exportFile
	if err := json.Unmarshal(data, &f); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrInvalidImport, err)
	}
	if f.Version > ExportVersion {
		return Snapshot{}, fmt.Errorf("%w: version %d is newer than supported %d", ErrInvalidImport, f.Version, ExportVersion)
	}
	if f.Blocks == nil && f.Edges == nil {
		return Snapshot{}, fmt.Errorf("%w: no blocks or edges", ErrInvalidImport)
	}

	out := Snapshot{Blocks: make([]Block, 0, len(f.Blocks)), Edges: []Edge{}}
	seen := make(map[string]bool, len(f.Blocks))
	for _, b := range f.Blocks {
		if b.ID == "" || seen[b.ID] {
			b.ID = newID()
		}
		seen[b.ID] = true
		if !b.Category.Valid() {
			b.Category = CategoryGeneral
		}
		if b.Table != nil {
			b.Table.Normalize()
		}
		for i := range b.Items {
			if b.Items[i].ID == "" {
				b.Items[i].ID = newID()
			}
		}
		out.Blocks = append(out.Blocks, b)
	}
	for _, e := range f.Edges {
		if !seen[e.Source] || !seen[e.Target] {
			continue
		}
		if e.ID == "" {
			e.ID = newID()
		}
		out.Edges = append(out.Edges, e)
	}
	return out, nil
}
