package cloud

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/noteboard/cloudcfg"
	"github.com/hazyhaar/noteboard/session"
)

var cfg = cloudcfg.BackendConfig{APIKey: "k", ProjectID: "p"}

// fakeIdentity emulates the identity and token endpoints.
type fakeIdentity struct {
	mu        sync.Mutex
	users     map[string]string // email -> password
	refreshes int
	revoked   bool
	lastBody  map[string]any
	origin    string
}

func (f *fakeIdentity) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r.URL.Query().Get("key") != "k" {
		apiFail(w, 400, "API key not valid. Please pass a valid API key.")
		return
	}
	raw, _ := io.ReadAll(r.Body)
	var body map[string]any
	json.Unmarshal(raw, &body)
	f.lastBody = body
	f.origin = r.Header.Get("Origin")

	email, _ := body["email"].(string)
	password, _ := body["password"].(string)
	switch {
	case strings.HasSuffix(r.URL.Path, "accounts:signUp"):
		if _, ok := f.users[email]; ok {
			apiFail(w, 400, "EMAIL_EXISTS")
			return
		}
		if len(password) < 6 {
			apiFail(w, 400, "WEAK_PASSWORD : Password should be at least 6 characters")
			return
		}
		f.users[email] = password
		ok(w, email)
	case strings.HasSuffix(r.URL.Path, "accounts:signInWithPassword"):
		if pw, found := f.users[email]; !found || pw != password {
			apiFail(w, 400, "INVALID_LOGIN_CREDENTIALS")
			return
		}
		ok(w, email)
	case strings.HasSuffix(r.URL.Path, "accounts:signInWithIdp"):
		if uri, _ := body["requestUri"].(string); strings.Contains(uri, "evil") {
			apiFail(w, 400, "UNAUTHORIZED_DOMAIN : Domain not whitelisted by project")
			return
		}
		ok(w, "g@example.com")
	case strings.HasSuffix(r.URL.Path, "/token"):
		f.refreshes++
		if f.revoked {
			apiFail(w, 400, "TOKEN_EXPIRED")
			return
		}
		json.NewEncoder(w).Encode(map[string]string{
			"id_token": "id-refreshed", "refresh_token": "rt-2", "expires_in": "3600", "user_id": "uid-x",
		})
	default:
		http.NotFound(w, r)
	}
}

func ok(w http.ResponseWriter, email string) {
	json.NewEncoder(w).Encode(map[string]string{
		"localId": "uid-" + email, "email": email, "idToken": "id-1",
		"refreshToken": "rt-1", "expiresIn": "3600",
	})
}

func apiFail(w http.ResponseWriter, code int, msg string) {
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": code, "message": msg}})
}

func setup(t *testing.T, opts ...Option) (*Backend, *fakeIdentity) {
	t.Helper()
	f := &fakeIdentity{users: map[string]string{}}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	base := []Option{
		WithEndpoints(srv.URL+"/v1", srv.URL+"/v1"),
		WithHTTPClient(srv.Client()),
		WithLogger(slog.New(slog.DiscardHandler)),
	}
	b, err := New(context.Background(), cfg, append(base, opts...)...)
	if err != nil {
		t.Fatal(err)
	}
	return b, f
}

func firstEvent(t *testing.T, b *Backend) session.Event {
	t.Helper()
	select {
	case ev := <-b.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
		return session.Event{}
	}
}

func TestSignUpSignIn(t *testing.T) {
	b, _ := setup(t)
	ctx := context.Background()
	if ev := firstEvent(t, b); ev.Identity != nil {
		t.Fatalf("restored %+v", ev.Identity)
	}

	id, err := b.SignIn(ctx, session.MethodSignUp, session.Credentials{Email: "a@b.co", Password: "secret1"})
	if err != nil {
		t.Fatal(err)
	}
	if id.ID != "uid-a@b.co" || id.Provider != "password" {
		t.Fatalf("identity = %+v", id)
	}
	if _, err := b.SignIn(ctx, session.MethodPassword, session.Credentials{Email: "a@b.co", Password: "secret1"}); err != nil {
		t.Fatal(err)
	}
}

func TestErrorMapping(t *testing.T) {
	b, f := setup(t)
	ctx := context.Background()
	f.users["taken@b.co"] = "secret1"

	cases := []struct {
		method session.Method
		creds  session.Credentials
		want   session.ErrorKind
		code   string
	}{
		{session.MethodSignUp, session.Credentials{Email: "taken@b.co", Password: "secret1"}, session.AccountExists, "EMAIL_EXISTS"},
		{session.MethodSignUp, session.Credentials{Email: "n@b.co", Password: "123"}, session.WeakCredential, "WEAK_PASSWORD"},
		{session.MethodPassword, session.Credentials{Email: "taken@b.co", Password: "bad"}, session.InvalidCredentials, "INVALID_LOGIN_CREDENTIALS"},
		{session.MethodGoogle, session.Credentials{AccessToken: "t", Origin: "https://evil.example"}, session.DomainNotAuthorized, "UNAUTHORIZED_DOMAIN"},
		{session.MethodGoogle, session.Credentials{}, session.InvalidCredentials, "auth/invalid-credential"},
	}
	for _, tc := range cases {
		_, err := b.SignIn(ctx, tc.method, tc.creds)
		ae, ok := err.(*session.AuthError)
		if !ok {
			t.Fatalf("%s: err = %v", tc.code, err)
		}
		if ae.Kind != tc.want || ae.Code != tc.code {
			t.Errorf("%s: kind=%v code=%q", tc.code, ae.Kind, ae.Code)
		}
		if ae.Message == "" {
			t.Errorf("%s: empty message", tc.code)
		}
	}
}

func TestBadAPIKeyIsMisconfigured(t *testing.T) {
	f := &fakeIdentity{users: map[string]string{}}
	srv := httptest.NewServer(f)
	defer srv.Close()
	b, err := New(context.Background(), cloudcfg.BackendConfig{APIKey: "wrong", ProjectID: "p"},
		WithEndpoints(srv.URL, srv.URL), WithLogger(slog.New(slog.DiscardHandler)))
	if err != nil {
		t.Fatal(err)
	}
	_, err = b.SignIn(context.Background(), session.MethodPassword, session.Credentials{Email: "a@b.co", Password: "x"})
	if session.KindOf(err) != session.BackendMisconfigured {
		t.Fatalf("err = %v", err)
	}
}

func TestGoogleForwardsOrigin(t *testing.T) {
	b, f := setup(t)
	id, err := b.SignIn(context.Background(), session.MethodGoogle,
		session.Credentials{AccessToken: "at", Origin: "https://board.example.com"})
	if err != nil {
		t.Fatal(err)
	}
	if id.Provider != "google" {
		t.Fatalf("provider = %q", id.Provider)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.origin != "https://board.example.com" {
		t.Errorf("origin header = %q", f.origin)
	}
	if pb, _ := f.lastBody["postBody"].(string); !strings.Contains(pb, "access_token=at") {
		t.Errorf("postBody = %q", pb)
	}
}

func TestRestoreAndRevoke(t *testing.T) {
	file := filepath.Join(t.TempDir(), "cloud-session.json")
	b, f := setup(t, WithSessionFile(file))
	firstEvent(t, b)
	if _, err := b.SignIn(context.Background(), session.MethodSignUp, session.Credentials{Email: "r@b.co", Password: "secret1"}); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(f)
	defer srv.Close()
	b2, err := New(context.Background(), cfg, WithEndpoints(srv.URL, srv.URL), WithSessionFile(file),
		WithLogger(slog.New(slog.DiscardHandler)))
	if err != nil {
		t.Fatal(err)
	}
	ev := firstEvent(t, b2)
	if ev.Identity == nil || ev.Identity.ID != "uid-r@b.co" {
		t.Fatalf("restore = %+v", ev)
	}
	tok, err := b2.TokenSource().Token()
	if err != nil || tok.AccessToken != "id-refreshed" {
		t.Fatalf("token = %+v %v", tok, err)
	}

	f.mu.Lock()
	f.revoked = true
	f.mu.Unlock()
	b3, _ := New(context.Background(), cfg, WithEndpoints(srv.URL, srv.URL), WithSessionFile(file),
		WithLogger(slog.New(slog.DiscardHandler)))
	if ev := firstEvent(t, b3); ev.Identity != nil || ev.Reason != session.ReasonRevoked {
		t.Fatalf("revoked restore = %+v", ev)
	}
	b4, _ := New(context.Background(), cfg, WithEndpoints(srv.URL, srv.URL), WithSessionFile(file),
		WithLogger(slog.New(slog.DiscardHandler)))
	if ev := firstEvent(t, b4); ev.Identity != nil {
		t.Fatal("revoked session file kept")
	}
}

func TestTokenSourceWithoutSession(t *testing.T) {
	b, _ := setup(t)
	if _, err := b.TokenSource().Token(); err != ErrNoSession {
		t.Fatalf("err = %v", err)
	}
}

func TestMessageCode(t *testing.T) {
	for in, want := range map[string]string{
		"EMAIL_EXISTS":                    "EMAIL_EXISTS",
		"WEAK_PASSWORD : Too short":       "WEAK_PASSWORD",
		"TOO_MANY_ATTEMPTS_TRY_LATER : x": "TOO_MANY_ATTEMPTS_TRY_LATER",
	} {
		if got := messageCode(in); got != want {
			t.Errorf("messageCode(%q) = %q", in, got)
		}
	}
}
