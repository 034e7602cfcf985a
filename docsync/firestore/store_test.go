package firestore

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/noteboard/workspace"
)

func sample() workspace.Snapshot {
	return workspace.Snapshot{
		Blocks: []workspace.Block{
			{ID: "b1", Type: workspace.TypeChecklist, Title: "Todo", Category: workspace.CategoryGeneral,
				X: 10, Y: 20, W: 300, H: 200,
				Items: []workspace.ChecklistItem{{ID: "i1", Text: "Buy milk"}, {ID: "i2", Text: "Walk dog", Checked: true}}},
			{ID: "b2", Type: workspace.TypeText, Title: "Note", Category: workspace.CategoryStudy, Text: "hello"},
		},
		Edges:       []workspace.Edge{{ID: "e1", Source: "b1", Target: "b2"}},
		LastUpdated: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestEncodeDecode(t *testing.T) {
	in := sample()
	fields, err := encode(in)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := fields["lastUpdated"].(time.Time); !ok {
		t.Fatalf("lastUpdated stored as %T", fields["lastUpdated"])
	}
	if _, ok := fields["blocks"].([]any); !ok {
		t.Fatalf("blocks stored as %T", fields["blocks"])
	}

	out, err := decode(fields)
	if err != nil {
		t.Fatal(err)
	}
	if out.Hash() != in.Hash() {
		t.Fatal("round trip changed the board")
	}
	if !out.LastUpdated.Equal(in.LastUpdated) {
		t.Fatalf("lastUpdated = %v", out.LastUpdated)
	}
}

func TestDecodeSparseDocument(t *testing.T) {
	out, err := decode(map[string]any{})
	if err != nil {
		t.Fatal(err)
	}
	if out.Blocks == nil || out.Edges == nil || !out.Empty() {
		t.Fatalf("got %+v", out)
	}
}

func TestEncodeStampsMissingTime(t *testing.T) {
	fields, err := encode(workspace.Snapshot{})
	if err != nil {
		t.Fatal(err)
	}
	if ts := fields["lastUpdated"].(time.Time); ts.IsZero() {
		t.Fatal("zero lastUpdated")
	}
}

func emulatorStore(t *testing.T) *Store {
	t.Helper()
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}
	s, err := New(context.Background(), "noteboard-test", nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEmulatorRoundTrip(t *testing.T) {
	s := emulatorStore(t)
	ctx := context.Background()
	owner := "u-" + time.Now().Format("150405.000000")

	if snap, err := s.Load(ctx, owner); snap != nil || err != nil {
		t.Fatalf("fresh owner: %v %v", snap, err)
	}

	var mu sync.Mutex
	var seen []*workspace.Snapshot
	stop, err := s.Watch(ctx, owner, func(snap *workspace.Snapshot) {
		mu.Lock()
		seen = append(seen, snap)
		mu.Unlock()
	})
	if err != nil {
		t.Fatal(err)
	}
	defer stop()

	if err := s.Save(ctx, owner, sample()); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(seen)
		ok := n > 0 && seen[n-1] != nil && len(seen[n-1].Blocks) == 2
		mu.Unlock()
		if ok {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("listener never saw the saved document")
}
