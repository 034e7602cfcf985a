package genai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hazyhaar/noteboard/idgen"
	"github.com/hazyhaar/noteboard/observability"
	"github.com/hazyhaar/noteboard/workspace"
)

type fakeModel struct {
	out  string
	err  error
	last Request
}

func (f *fakeModel) Generate(_ context.Context, req Request) (string, error) {
	f.last = req
	return f.out, f.err
}

func newTestService(m Model) *Service {
	return NewService(m, WithIDs(idgen.Sequence("id-")), WithLogger(slog.New(slog.DiscardHandler)))
}

func TestGenerateBlock_Checklist(t *testing.T) {
	m := &fakeModel{out: `{"type":"checklist","title":"Errands","category":"general","content":"- Buy milk\n\n[ ] Walk dog\n","w":150,"h":50}`}
	b, err := newTestService(m).GenerateBlock(context.Background(), "errands", Point{X: 500, Y: 300})
	if err != nil {
		t.Fatal(err)
	}
	if b.Type != workspace.TypeChecklist || len(b.Items) != 2 {
		t.Fatalf("block = %+v", b)
	}
	if b.Items[0].Text != "Buy milk" || b.Items[1].Text != "Walk dog" {
		t.Fatalf("items = %+v", b.Items)
	}
	if b.Items[0].ID == b.Items[1].ID || b.Items[0].Checked || b.Items[1].Checked {
		t.Fatalf("items = %+v", b.Items)
	}
	if b.W != 200 || b.H != 100 || b.X != 400 || b.Y != 250 {
		t.Fatalf("geometry = %v,%v %vx%v", b.X, b.Y, b.W, b.H)
	}
	if m.last.Schema == nil || !strings.Contains(m.last.Prompt, `"errands"`) {
		t.Fatalf("request = %+v", m.last)
	}
}

func TestGenerateBlock_ChecklistKeepsInlineMarkup(t *testing.T) {
	m := &fakeModel{out: `{"type":"checklist","title":"Ideas","content":"*bold* idea\n- [x] Ship it\n+1 for tests\n-dash kept"}`}
	b, err := newTestService(m).GenerateBlock(context.Background(), "ideas", Point{})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"*bold* idea", "Ship it", "+1 for tests", "-dash kept"}
	if len(b.Items) != len(want) {
		t.Fatalf("items = %+v", b.Items)
	}
	for i, w := range want {
		if b.Items[i].Text != w || b.Items[i].Checked {
			t.Errorf("item %d = %+v, want %q unchecked", i, b.Items[i], w)
		}
	}
}

func TestGenerateBlock_Table(t *testing.T) {
	cases := map[string]string{
		"tableData": `{"type":"table","title":"Plan","category":"fitness","w":400,"h":300,
			"tableData":{"headers":["Done","Exercise","Sets"],"rows":[["yes","Squat",3],["", "Bench"]],"columnTypes":["checkbox"]}}`,
		"content json": `{"type":"table","title":"Plan","category":"fitness","w":400,"h":300,
			"content":"{\"headers\":[\"Done\",\"Exercise\",\"Sets\"],\"rows\":[[\"yes\",\"Squat\",\"3\"],[\"\",\"Bench\"]],\"columnTypes\":[\"checkbox\"]}"}`,
	}
	for name, out := range cases {
		t.Run(name, func(t *testing.T) {
			b, err := newTestService(&fakeModel{out: out}).GenerateBlock(context.Background(), "workout", Point{})
			if err != nil {
				t.Fatal(err)
			}
			tc := b.Table
			if tc == nil || len(tc.Headers) != 3 || len(tc.Rows) != 2 {
				t.Fatalf("table = %+v", tc)
			}
			if tc.Rows[0][0] != "true" || tc.Rows[1][0] != "false" || tc.Rows[0][2] != "3" || len(tc.Rows[1]) != 3 {
				t.Fatalf("rows = %q", tc.Rows)
			}
			if tc.ColumnTypes[0] != workspace.ColumnCheckbox || tc.ColumnTypes[2] != workspace.ColumnText {
				t.Fatalf("types = %v", tc.ColumnTypes)
			}
			if b.Category != workspace.CategoryFitness {
				t.Fatalf("category = %q", b.Category)
			}
		})
	}
}

func TestGenerateBlock_TableFallback(t *testing.T) {
	b, err := newTestService(&fakeModel{out: `{"type":"table","content":"not json","w":300,"h":200}`}).
		GenerateBlock(context.Background(), "x", Point{})
	if err != nil {
		t.Fatal(err)
	}
	if b.Table.Headers[0] != "Col 1" || b.Table.Rows[0][0] != "Data" {
		t.Fatalf("table = %+v", b.Table)
	}
}

func TestGenerateBlock_TextAndDefaults(t *testing.T) {
	m := &fakeModel{out: "```json\n" + `{"type":"TEXT","title":"<b>Tom &amp; Jerry</b>","category":"cartoons","content":"<h2>Intro</h2><p>Hello <strong>world</strong></p>","w":300,"h":200}` + "\n```"}
	b, err := newTestService(m).GenerateBlock(context.Background(), "x", Point{})
	if err != nil {
		t.Fatal(err)
	}
	if b.Title != "Tom & Jerry" {
		t.Errorf("title = %q", b.Title)
	}
	if b.Category != workspace.CategoryGeneral {
		t.Errorf("category = %q", b.Category)
	}
	if !strings.Contains(b.Text, "## Intro") || !strings.Contains(b.Text, "**world**") {
		t.Errorf("text = %q", b.Text)
	}

	m.out = `{"type":"code","content":"if a < b {\n\treturn\n}","w":300,"h":200}`
	b, _ = newTestService(m).GenerateBlock(context.Background(), "x", Point{})
	if b.Title != "AI Generated" || b.Text != "if a < b {\n\treturn\n}" {
		t.Errorf("code block = %+v", b)
	}
}

func TestGenerateBlock_Invalid(t *testing.T) {
	for _, out := range []string{`{"type":"video","w":1,"h":1}`, `{}`, `not json`} {
		_, err := newTestService(&fakeModel{out: out}).GenerateBlock(context.Background(), "x", Point{})
		if !errors.Is(err, ErrInvalidBlock) {
			t.Errorf("%s: err = %v", out, err)
		}
	}
	if _, err := newTestService(nil).GenerateBlock(context.Background(), "x", Point{}); !errors.Is(err, ErrNoModel) {
		t.Errorf("nil model: %v", err)
	}
}

func TestImproveText(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	m := &fakeModel{out: "  Better text.\n"}
	s := NewService(m, WithMetrics(metrics), WithLogger(slog.New(slog.DiscardHandler)))

	if got := s.ImproveText(context.Background(), "bad text", "fix it"); got != "Better text." {
		t.Fatalf("got %q", got)
	}
	m.err = errors.New("boom")
	if got := s.ImproveText(context.Background(), "bad text", "fix it"); got != "bad text" {
		t.Fatalf("failure returned %q", got)
	}
	m.err, m.out = nil, "   "
	if got := s.ImproveText(context.Background(), "bad text", "fix it"); got != "bad text" {
		t.Fatalf("empty returned %q", got)
	}
	if n := counterValue(t, reg, "improve", "ok"); n != 1 {
		t.Fatalf("ok count = %v", n)
	}
	if n := counterValue(t, reg, "improve", "error"); n != 1 {
		t.Fatalf("error count = %v", n)
	}
	if got := NewService(nil).ImproveText(context.Background(), "same", "x"); got != "same" {
		t.Fatalf("nil model returned %q", got)
	}
}

func TestGemini(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if r.URL.Path != "/models/test-model:generateContent" || r.Header.Get("X-Goog-Api-Key") != "key" {
			t.Errorf("path=%s key=%q", r.URL.Path, r.Header.Get("X-Goog-Api-Key"))
		}
		raw, _ := io.ReadAll(r.Body)
		var req geminiRequest
		json.Unmarshal(raw, &req)
		if req.GenerationConfig == nil || req.GenerationConfig.ResponseMimeType != "application/json" {
			t.Errorf("generationConfig = %+v", req.GenerationConfig)
		}
		w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"{\"type\":"},{"text":"\"text\"}"}]}}]}`))
	}))
	defer srv.Close()

	m := NewGemini(GeminiConfig{APIKey: "key", Model: "test-model", Endpoint: srv.URL, Logger: slog.New(slog.DiscardHandler)})
	out, err := m.Generate(context.Background(), Request{Prompt: "p", Schema: blockSchema})
	if err != nil {
		t.Fatal(err)
	}
	if out != `{"type":"text"}` || calls.Load() != 2 {
		t.Fatalf("out=%q calls=%d", out, calls.Load())
	}
}

func TestGeminiClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()
	m := NewGemini(GeminiConfig{APIKey: "key", Endpoint: srv.URL, Logger: slog.New(slog.DiscardHandler)})
	if _, err := m.Generate(context.Background(), Request{Prompt: "p"}); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Fatalf("client error retried: %d calls", calls.Load())
	}
	if NewGemini(GeminiConfig{}) != nil {
		t.Fatal("model without key")
	}
}

func counterValue(t *testing.T, reg *prometheus.Registry, op, result string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range families {
		if f.GetName() != "noteboard_genai_requests_total" {
			continue
		}
		for _, m := range f.GetMetric() {
			labels := map[string]string{}
			for _, l := range m.GetLabel() {
				labels[l.GetName()] = l.GetValue()
			}
			if labels["op"] == op && labels["result"] == result {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}
