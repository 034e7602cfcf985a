package app

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hazyhaar/noteboard/cloudcfg"
	"github.com/hazyhaar/noteboard/session"
	"github.com/hazyhaar/noteboard/workspace"
)

func testConfig(t *testing.T) *Config {
	t.Helper()
	t.Setenv(cloudcfg.EnvVar, "")
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Store.Driver = "memory"
	cfg.Sync.SaveDebounce = 0
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	return cfg
}

func newTestApp(t *testing.T, cfg *Config) *App {
	t.Helper()
	a, err := New(context.Background(), cfg, quiet)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "noteboard.yaml")
	os.WriteFile(path, []byte("data_dir: /tmp/nb\nstore:\n  driver: postgres\n  dsn: postgres://x\nsync:\n  save_debounce: 2s\n"), 0o600)
	t.Setenv("NOTEBOARD_ADDR", ":9999")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DataDir != "/tmp/nb" || cfg.Store.Driver != "postgres" || cfg.HTTP.Addr != ":9999" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Sync.SaveDebounce.Seconds() != 2 || cfg.Backend.Kind != "local" {
		t.Fatalf("debounce %v kind %q", cfg.Sync.SaveDebounce, cfg.Backend.Kind)
	}
}

func TestConfigValidate(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"no data dir":       func(c *Config) { c.DataDir = "" },
		"bad backend":       func(c *Config) { c.Backend.Kind = "ldap" },
		"bad store":         func(c *Config) { c.Store.Driver = "mongo" },
		"postgres no dsn":   func(c *Config) { c.Store.Driver = "postgres" },
		"google no return":  func(c *Config) { c.Google.ClientID = "id" },
		"negative debounce": func(c *Config) { c.Sync.SaveDebounce = -1 },
	} {
		cfg := DefaultConfig()
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestApp_GuestOnlyWithoutConfig(t *testing.T) {
	a := newTestApp(t, testConfig(t))

	v := a.SessionView()
	if v.CanSignIn || v.State != "unauthenticated" {
		t.Fatalf("view = %+v", v)
	}
	_, err := a.SignIn(context.Background(), session.MethodPassword, session.Credentials{Email: "a@b.c", Password: "secret1"})
	if session.KindOf(err) != session.BackendMisconfigured {
		t.Fatalf("err = %v", err)
	}

	a.Session.EnterGuestMode()
	if _, err := a.AddBlock(workspace.Block{Type: workspace.TypeText, Text: "local"}); err != nil {
		t.Fatal(err)
	}
	if got := a.SessionView(); got.State != "guest" || !got.Identity.IsGuest {
		t.Fatalf("view = %+v", got)
	}
}

func TestApp_ConfigSignUpAndSync(t *testing.T) {
	cfg := testConfig(t)
	a := newTestApp(t, cfg)
	ctx := context.Background()

	if _, err := a.SubmitConfig("{apiKey: 'key', projectId: 'proj'}"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := a.SubmitConfig(`{"apiKey":"other","projectId":"other"}`); !errors.Is(err, cloudcfg.ErrAlreadyConfigured) {
		t.Fatalf("second submit err = %v", err)
	}
	if !a.SessionView().CanSignIn {
		t.Fatal("backend not installed")
	}

	v, err := a.SignIn(ctx, session.MethodSignUp, session.Credentials{Email: "ann@example.com", Password: "secret1"})
	if err != nil {
		t.Fatalf("sign up: %v", err)
	}
	if v.State != "authenticated" || v.Identity.Email != "ann@example.com" {
		t.Fatalf("view = %+v", v)
	}

	b, err := a.AddBlock(workspace.Block{Type: workspace.TypeChecklist, Items: []workspace.ChecklistItem{{Text: "Buy milk"}}})
	if err != nil {
		t.Fatal(err)
	}
	if b.ID == "" || b.Items[0].ID == "" || b.Category != workspace.CategoryGeneral {
		t.Fatalf("block = %+v", b)
	}
	a.Flush(ctx)

	got, err := a.Sync.Load(ctx, v.Identity)
	if err != nil || got == nil || len(got.Blocks) != 1 {
		t.Fatalf("remote = %+v, %v", got, err)
	}

	loc, err := a.Backup(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(loc, cfg.BackupDir()) {
		t.Fatalf("backup at %s", loc)
	}
}

func TestApp_PersistedConfigBootstraps(t *testing.T) {
	cfg := testConfig(t)
	a, err := New(context.Background(), cfg, quiet)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.SubmitConfig(`{"apiKey":"key","projectId":"proj"}`); err != nil {
		t.Fatal(err)
	}
	a.Close()

	b := newTestApp(t, cfg)
	if b.Provider.Source() != cloudcfg.SourcePersisted || !b.Session.HasBackend() {
		t.Fatalf("source %q backend %v", b.Provider.Source(), b.Session.HasBackend())
	}
}

func TestApp_ExportImport(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	first, _ := a.AddBlock(workspace.Block{Type: workspace.TypeText, Text: "one"})
	second, _ := a.AddBlock(workspace.Block{Type: workspace.TypeText, Text: "two"})
	if _, err := a.Connect(first.ID, second.ID, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Connect(first.ID, "missing", ""); err == nil {
		t.Fatal("edge to a missing block accepted")
	}

	var buf bytes.Buffer
	if err := a.ExportBoard(&buf); err != nil {
		t.Fatal(err)
	}
	a.Board.Clear()

	snap, err := a.ImportBoard(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Blocks) != 2 || len(snap.Edges) != 1 {
		t.Fatalf("imported %d blocks %d edges", len(snap.Blocks), len(snap.Edges))
	}
}
