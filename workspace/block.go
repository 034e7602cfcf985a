// Package workspace is the in-memory board a user edits: blocks laid out
// on a canvas and edges between them. It is the only copy of the data for
// a guest and the local source of truth for a signed-in user; the sync
// gateway mirrors it to the remote document.
package workspace

import (
	"encoding/json"
	"fmt"
)

// BlockType is the closed set of block kinds.
type BlockType string

const (
	TypeText      BlockType = "text"
	TypeChecklist BlockType = "checklist"
	TypeCode      BlockType = "code"
	TypeTable     BlockType = "table"
	TypeImage     BlockType = "image"
)

// Valid reports whether t is one of the known block types.
func (t BlockType) Valid() bool {
	switch t {
	case TypeText, TypeChecklist, TypeCode, TypeTable, TypeImage:
		return true
	}
	return false
}

// Category tags a block for colouring and filtering.
type Category string

const (
	CategoryFitness Category = "fitness"
	CategoryStudy   Category = "study"
	CategoryCode    Category = "code"
	CategoryGeneral Category = "general"
)

func (c Category) Valid() bool {
	switch c {
	case CategoryFitness, CategoryStudy, CategoryCode, CategoryGeneral:
		return true
	}
	return false
}

// ChecklistItem is one line of a checklist block.
type ChecklistItem struct {
	ID      string `json:"id"`
	Text    string `json:"text"`
	Checked bool   `json:"checked"`
}

// ColumnType decides how a table column is rendered.
type ColumnType string

const (
	ColumnText     ColumnType = "text"
	ColumnCheckbox ColumnType = "checkbox"
)

// TableContent is the content of a table block. Rows hold cell text;
// checkbox cells hold "true" or "false".
type TableContent struct {
	Headers     []string     `json:"headers"`
	Rows        [][]string   `json:"rows"`
	ColumnTypes []ColumnType `json:"columnTypes,omitempty"`
}

// Normalize makes the table rectangular: every row has one cell per
// header and every column has a known type (text by default). A table
// without headers gets "Col N" headers sized to its widest row.
func (t *TableContent) Normalize() {
	if len(t.Headers) == 0 {
		width := 1
		for _, r := range t.Rows {
			width = max(width, len(r))
		}
		t.Headers = make([]string, width)
		for i := range t.Headers {
			t.Headers[i] = fmt.Sprintf("Col %d", i+1)
		}
	}
	n := len(t.Headers)
	if t.Rows == nil {
		t.Rows = [][]string{}
	}
	for i, r := range t.Rows {
		switch {
		case len(r) > n:
			t.Rows[i] = r[:n]
		case len(r) < n:
			t.Rows[i] = append(r, make([]string, n-len(r))...)
		}
	}
	types := make([]ColumnType, n)
	for i := range types {
		types[i] = ColumnText
		if i < len(t.ColumnTypes) && t.ColumnTypes[i] == ColumnCheckbox {
			types[i] = ColumnCheckbox
		}
	}
	t.ColumnTypes = types
}

// Block is one element on the canvas. Exactly one content field is used,
// chosen by Type: Text for text, code and image (URL), Items for checklist,
// Table for table.
type Block struct {
	ID       string
	Type     BlockType
	X, Y     float64
	W, H     float64
	Title    string
	Category Category

	Text  string
	Items []ChecklistItem
	Table *TableContent
}

// Edge links two blocks.
type Edge struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Target string `json:"target"`
	Label  string `json:"label,omitempty"`
}

type blockJSON struct {
	ID       string          `json:"id"`
	Type     BlockType       `json:"type"`
	X        float64         `json:"x"`
	Y        float64         `json:"y"`
	W        float64         `json:"w"`
	H        float64         `json:"h"`
	Title    string          `json:"title,omitempty"`
	Category Category        `json:"category,omitempty"`
	Content  json.RawMessage `json:"content"`
}

// MarshalJSON writes the polymorphic "content" field expected by the
// front end.
func (b Block) MarshalJSON() ([]byte, error) {
	var content any
	switch b.Type {
	case TypeChecklist:
		items := b.Items
		if items == nil {
			items = []ChecklistItem{}
		}
		content = items
	case TypeTable:
		content = b.Table
	default:
		content = b.Text
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}
	return json.Marshal(blockJSON{
		ID: b.ID, Type: b.Type, X: b.X, Y: b.Y, W: b.W, H: b.H,
		Title: b.Title, Category: b.Category, Content: raw,
	})
}

// UnmarshalJSON decodes "content" according to "type". Unknown types are
// rejected.
func (b *Block) UnmarshalJSON(data []byte) error {
	var j blockJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	if !j.Type.Valid() {
		return fmt.Errorf("workspace: unknown block type %q", j.Type)
	}
	*b = Block{
		ID: j.ID, Type: j.Type, X: j.X, Y: j.Y, W: j.W, H: j.H,
		Title: j.Title, Category: j.Category,
	}
	if len(j.Content) == 0 || string(j.Content) == "null" {
		return nil
	}
	var err error
	switch j.Type {
	case TypeChecklist:
		err = json.Unmarshal(j.Content, &b.Items)
	case TypeTable:
		b.Table = new(TableContent)
		err = json.Unmarshal(j.Content, b.Table)
	default:
		err = json.Unmarshal(j.Content, &b.Text)
	}
	if err != nil {
		return fmt.Errorf("workspace: block %s: %s content: %w", j.ID, j.Type, err)
	}
	return nil
}

// Clone returns a deep copy.
func (b Block) Clone() Block {
	if b.Items != nil {
		b.Items = append([]ChecklistItem(nil), b.Items...)
	}
	if b.Table != nil {
		t := *b.Table
		t.Headers = append([]string(nil), t.Headers...)
		t.ColumnTypes = append([]ColumnType(nil), t.ColumnTypes...)
		t.Rows = make([][]string, len(b.Table.Rows))
		for i, r := range b.Table.Rows {
			t.Rows[i] = append([]string(nil), r...)
		}
		b.Table = &t
	}
	return b
}
