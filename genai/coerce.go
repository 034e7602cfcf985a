package genai

import (
	"encoding/json"
	"fmt"
	stdhtml "html"
	"regexp"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"

	"github.com/hazyhaar/noteboard/idgen"
	"github.com/hazyhaar/noteboard/workspace"
)

const (
	minWidth     = 200
	minHeight    = 100
	defaultTitle = "AI Generated"
	maxTitle     = 120
)

// rawBlock is the model's answer before coercion. Content is usually a
// string but some models send the checklist or table as JSON directly.
type rawBlock struct {
	Type      string          `json:"type"`
	Title     string          `json:"title"`
	Category  string          `json:"category"`
	Content   json.RawMessage `json:"content"`
	TableData *rawTable       `json:"tableData"`
	W         float64         `json:"w"`
	H         float64         `json:"h"`
}

type rawTable struct {
	Headers     []string `json:"headers"`
	Rows        [][]any  `json:"rows"`
	ColumnTypes []string `json:"columnTypes"`
}

var (
	mdConverter = htmltomarkdown.NewConverter(
		htmltomarkdown.WithPlugins(
			base.NewBasePlugin(),
			commonmark.NewCommonmarkPlugin(),
			table.NewTablePlugin(),
		),
	)
	titlePolicy = bluemonday.StrictPolicy()
	listMarker  = regexp.MustCompile(`^\s*(?:-\s+)?(?:\[[ xX]?\](?:\s+|$))?`)
)

// coerce validates and repairs a model answer.
func coerce(raw rawBlock, center Point, ids idgen.Generator) (workspace.Block, error) {
	t := workspace.BlockType(strings.ToLower(strings.TrimSpace(raw.Type)))
	if !t.Valid() {
		return workspace.Block{}, fmt.Errorf("%w: type %q", ErrInvalidBlock, raw.Type)
	}
	b := workspace.Block{
		ID:       ids(),
		Type:     t,
		W:        max(raw.W, minWidth),
		H:        max(raw.H, minHeight),
		Title:    cleanTitle(raw.Title),
		Category: workspace.Category(strings.ToLower(strings.TrimSpace(raw.Category))),
	}
	if !b.Category.Valid() {
		b.Category = workspace.CategoryGeneral
	}
	b.X = center.X - b.W/2
	b.Y = center.Y - b.H/2

	switch t {
	case workspace.TypeChecklist:
		b.Items = checklistItems(raw.Content, ids)
	case workspace.TypeTable:
		b.Table = tableContent(raw)
	case workspace.TypeText:
		b.Text = textContent(contentString(raw.Content))
	default:
		b.Text = contentString(raw.Content)
	}
	return b, nil
}

// contentString returns the content as text whatever JSON type it came as.
func contentString(c json.RawMessage) string {
	if len(c) == 0 || string(c) == "null" {
		return ""
	}
	var s string
	if json.Unmarshal(c, &s) == nil {
		return s
	}
	return string(c)
}

// checklistItems splits newline separated content, or accepts an array
// of strings or {text, checked} objects. Markdown list markers are
// stripped and blank lines dropped. Every item starts unchecked.
func checklistItems(c json.RawMessage, ids idgen.Generator) []workspace.ChecklistItem {
	var lines []string
	var arr []json.RawMessage
	if json.Unmarshal(c, &arr) == nil {
		for _, el := range arr {
			var obj struct {
				Text string `json:"text"`
			}
			if json.Unmarshal(el, &obj) == nil && obj.Text != "" {
				lines = append(lines, obj.Text)
				continue
			}
			lines = append(lines, contentString(el))
		}
	} else {
		lines = strings.Split(strings.ReplaceAll(contentString(c), "\r\n", "\n"), "\n")
	}
	items := make([]workspace.ChecklistItem, 0, len(lines))
	for _, l := range lines {
		text := strings.TrimSpace(listMarker.ReplaceAllString(l, ""))
		if text == "" {
			continue
		}
		items = append(items, workspace.ChecklistItem{ID: ids(), Text: text})
	}
	return items
}

// tableContent prefers tableData, then JSON in content, then a one-cell
// placeholder.
func tableContent(raw rawBlock) *workspace.TableContent {
	src := raw.TableData
	if src == nil || (len(src.Headers) == 0 && len(src.Rows) == 0) {
		var fromContent rawTable
		text := contentString(raw.Content)
		if json.Unmarshal([]byte(stripFence(text)), &fromContent) == nil &&
			(len(fromContent.Headers) > 0 || len(fromContent.Rows) > 0) {
			src = &fromContent
		} else {
			src = nil
		}
	}
	if src == nil {
		t := &workspace.TableContent{Headers: []string{"Col 1"}, Rows: [][]string{{"Data"}}}
		t.Normalize()
		return t
	}
	t := &workspace.TableContent{Headers: src.Headers}
	for _, ct := range src.ColumnTypes {
		t.ColumnTypes = append(t.ColumnTypes, workspace.ColumnType(strings.ToLower(ct)))
	}
	t.Rows = make([][]string, 0, len(src.Rows))
	for _, r := range src.Rows {
		row := make([]string, len(r))
		for i, cell := range r {
			row[i] = cellString(cell)
		}
		t.Rows = append(t.Rows, row)
	}
	t.Normalize()
	for ci, ct := range t.ColumnTypes {
		if ct != workspace.ColumnCheckbox {
			continue
		}
		for _, row := range t.Rows {
			row[ci] = checkboxCell(row[ci])
		}
	}
	return t
}

func cellString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		if x {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprint(x)
	}
}

func checkboxCell(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes", "x", "[x]", "1", "done", "✓":
		return "true"
	}
	return "false"
}

// textContent converts HTML to Markdown; plain text passes through.
func textContent(s string) string {
	if !looksLikeHTML(s) {
		return s
	}
	md, err := mdConverter.ConvertString(s)
	if err != nil || strings.TrimSpace(md) == "" {
		return s
	}
	return strings.TrimSpace(md)
}

// looksLikeHTML reports whether s contains a known HTML element.
func looksLikeHTML(s string) bool {
	if !strings.Contains(s, "<") {
		return false
	}
	z := html.NewTokenizer(strings.NewReader(s))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return false
		case html.StartTagToken, html.SelfClosingTagToken:
			if z.Token().DataAtom != 0 {
				return true
			}
		}
	}
}

// cleanTitle reduces a title to one line of plain text.
func cleanTitle(s string) string {
	s = stdhtml.UnescapeString(titlePolicy.Sanitize(s))
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return defaultTitle
	}
	if r := []rune(s); len(r) > maxTitle {
		s = string(r[:maxTitle])
	}
	return s
}
