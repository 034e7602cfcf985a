package backup

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/noteboard/horosafe"
	"github.com/hazyhaar/noteboard/idgen"
	"github.com/hazyhaar/noteboard/workspace"
)

func board() workspace.Snapshot {
	return workspace.Snapshot{
		Blocks: []workspace.Block{{ID: "b1", Type: workspace.TypeText, Title: "n", Category: workspace.CategoryGeneral, Text: "hi"}},
		Edges:  []workspace.Edge{},
	}
}

var at = time.Date(2025, 6, 1, 8, 30, 0, 0, time.UTC)

func TestName(t *testing.T) {
	if got := Name("u1", at); got != "u1-20250601T083000Z.json" {
		t.Fatalf("Name = %q", got)
	}
}

func TestDirSink(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "backups")
	sink, err := NewDirSink(dir)
	if err != nil {
		t.Fatal(err)
	}
	loc, err := Write(context.Background(), sink, "u1", board(), at)
	if err != nil {
		t.Fatal(err)
	}
	if loc != filepath.Join(dir, "u1-20250601T083000Z.json") {
		t.Fatalf("location = %q", loc)
	}
	f, err := os.Open(loc)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	back, err := workspace.Import(f, idgen.Sequence("x"))
	if err != nil {
		t.Fatal(err)
	}
	if back.Hash() != board().Hash() {
		t.Fatal("backup does not round trip")
	}
	info, _ := os.Stat(loc)
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("mode = %v", info.Mode())
	}
}

func TestDirSinkRefusesTraversal(t *testing.T) {
	sink, _ := NewDirSink(t.TempDir())
	if _, err := sink.Put(context.Background(), "../escape.json", strings.NewReader("{}"), 2); !errors.Is(err, horosafe.ErrPathTraversal) {
		t.Fatalf("err = %v", err)
	}
	if _, err := Write(context.Background(), sink, "../u1", board(), at); err == nil {
		t.Fatal("owner with path characters accepted")
	}
}

// fakeS3 records PutObject calls.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

func (f *fakeS3) RoundTrip(req *http.Request) (*http.Response, error) {
	body, _ := io.ReadAll(req.Body)
	f.mu.Lock()
	defer f.mu.Unlock()
	if req.Method != http.MethodPut {
		return &http.Response{StatusCode: http.StatusNotImplemented, Body: io.NopCloser(bytes.NewReader(nil)), Header: http.Header{}, Request: req}, nil
	}
	key := strings.TrimPrefix(req.URL.Path, "/")
	f.objects[key] = body
	f.types[key] = req.Header.Get("Content-Type")
	h := http.Header{}
	h.Set("ETag", `"etag"`)
	return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(bytes.NewReader(nil)), Header: h, Request: req}, nil
}

func TestS3Sink(t *testing.T) {
	rt := &fakeS3{objects: map[string][]byte{}, types: map[string]string{}}
	sink, err := NewS3Sink(context.Background(), S3Config{
		Bucket:          "boards",
		Prefix:          "/exports/",
		Endpoint:        "https://s3.test.local",
		PathStyle:       true,
		AccessKeyID:     "AKIA",
		SecretAccessKey: "SECRET",
		HTTPClient:      &http.Client{Transport: rt},
	})
	if err != nil {
		t.Fatal(err)
	}
	loc, err := Write(context.Background(), sink, "u1", board(), at)
	if err != nil {
		t.Fatal(err)
	}
	if loc != "s3://boards/exports/u1-20250601T083000Z.json" {
		t.Fatalf("location = %q", loc)
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	body, ok := rt.objects["boards/exports/u1-20250601T083000Z.json"]
	if !ok {
		t.Fatalf("objects = %v", rt.objects)
	}
	if !bytes.Contains(body, []byte(`"blocks"`)) {
		t.Fatalf("body = %s", body)
	}
	if rt.types["boards/exports/u1-20250601T083000Z.json"] != "application/json" {
		t.Fatalf("content type = %q", rt.types)
	}
}

func TestS3SinkRequiresBucket(t *testing.T) {
	if _, err := NewS3Sink(context.Background(), S3Config{}); err == nil {
		t.Fatal("expected error")
	}
}
