// Package genai turns a prompt into a board block and rewrites text with
// a generative model. Model output is never trusted: it is coerced into a
// valid workspace.Block before it reaches the board.
package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hazyhaar/noteboard/idgen"
	"github.com/hazyhaar/noteboard/observability"
	"github.com/hazyhaar/noteboard/workspace"
)

// Model generates text. When Request.Schema is set the answer must be a
// JSON document matching it.
type Model interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// Request is one generation call.
type Request struct {
	Prompt string
	Schema map[string]any
}

var (
	ErrNoModel       = errors.New("genai: no model configured")
	ErrEmptyResponse = errors.New("genai: empty response")
	ErrInvalidBlock  = errors.New("genai: model returned no usable block")
)

// Point is a canvas position.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Service coerces model output into blocks.
type Service struct {
	model   Model
	ids     idgen.Generator
	logger  *slog.Logger
	metrics *observability.Metrics
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

func WithMetrics(m *observability.Metrics) Option { return func(s *Service) { s.metrics = m } }

// WithIDs overrides the generator used for block and checklist item ids.
func WithIDs(g idgen.Generator) Option { return func(s *Service) { s.ids = g } }

// NewService returns a Service. A nil model makes every call fail with
// ErrNoModel (GenerateBlock) or return its input (ImproveText).
func NewService(m Model, opts ...Option) *Service {
	s := &Service{model: m, ids: idgen.UUIDv7(), logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Enabled reports whether a model is configured.
func (s *Service) Enabled() bool { return s.model != nil }

const blockPrompt = `Create a single workspace block based on this request: %q.
Return a JSON object describing the block.

For lists of tasks, use type 'checklist'.
For code snippets, use type 'code'.
For structured data, task boards, or plans (like workout plans, study schedules), use type 'table'.
For simple text, use type 'text'.

If type is 'table', put the table in tableData. If it is a tracking table (like "workout plan"), make the first column a 'checkbox' column with header "Done".

Determine a 'category' for the block: 'fitness' (gym, health), 'study' (books, learning), 'code' (programming), or 'general'.

If the user asks for an image, return type 'text' with a description of the image, or, if a URL is provided in the request, type 'image' with that URL as content.

Make the content appropriate for the type.
Provide a width (w) and height (h) that fits the content (min w 200, min h 100).
Give it a relevant title.`

var blockSchema = map[string]any{
	"type": "OBJECT",
	"properties": map[string]any{
		"type":     map[string]any{"type": "STRING", "enum": []string{"text", "checklist", "code", "table", "image"}},
		"title":    map[string]any{"type": "STRING"},
		"category": map[string]any{"type": "STRING", "enum": []string{"fitness", "study", "code", "general"}},
		"content": map[string]any{
			"type":        "STRING",
			"description": "For checklist, a newline separated list. For code, the code. For text, the text. For image, the URL.",
		},
		"tableData": map[string]any{
			"type": "OBJECT",
			"properties": map[string]any{
				"headers":     map[string]any{"type": "ARRAY", "items": map[string]any{"type": "STRING"}},
				"rows":        map[string]any{"type": "ARRAY", "items": map[string]any{"type": "ARRAY", "items": map[string]any{"type": "STRING"}}},
				"columnTypes": map[string]any{"type": "ARRAY", "items": map[string]any{"type": "STRING", "enum": []string{"text", "checkbox"}}},
			},
		},
		"w": map[string]any{"type": "NUMBER"},
		"h": map[string]any{"type": "NUMBER"},
	},
	"required": []string{"type", "w", "h"},
}

// GenerateBlock asks the model for a block matching prompt and places it
// centred on center.
func (s *Service) GenerateBlock(ctx context.Context, prompt string, center Point) (workspace.Block, error) {
	if s.model == nil {
		return workspace.Block{}, ErrNoModel
	}
	out, err := s.model.Generate(ctx, Request{Prompt: fmt.Sprintf(blockPrompt, prompt), Schema: blockSchema})
	if err != nil {
		s.metrics.Generation("block", "error")
		s.logger.Warn("genai: generate block", "error", err)
		return workspace.Block{}, fmt.Errorf("genai: generate block: %w", err)
	}
	var raw rawBlock
	if err := json.Unmarshal([]byte(stripFence(out)), &raw); err != nil {
		s.metrics.Generation("block", "invalid")
		return workspace.Block{}, fmt.Errorf("%w: %v", ErrInvalidBlock, err)
	}
	b, err := coerce(raw, center, s.ids)
	if err != nil {
		s.metrics.Generation("block", "invalid")
		return workspace.Block{}, err
	}
	s.metrics.Generation("block", "ok")
	s.logger.Debug("genai: block generated", "type", b.Type, "category", b.Category)
	return b, nil
}

const improvePrompt = `Original text: %q.
Instruction: %s.
Return only the updated text.`

// ImproveText rewrites text following instruction. Any failure, including
// an empty answer, returns text unchanged.
func (s *Service) ImproveText(ctx context.Context, text, instruction string) string {
	if s.model == nil {
		return text
	}
	out, err := s.model.Generate(ctx, Request{Prompt: fmt.Sprintf(improvePrompt, text, instruction)})
	if err != nil {
		s.metrics.Generation("improve", "error")
		s.logger.Warn("genai: improve text", "error", err)
		return text
	}
	out = strings.TrimSpace(out)
	if out == "" {
		s.metrics.Generation("improve", "empty")
		return text
	}
	s.metrics.Generation("improve", "ok")
	return out
}

// stripFence removes a markdown code fence some models wrap JSON in.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}
