// Package cloud is the hosted session.Backend: email/password and Google
// sign-in through the Identity Toolkit REST API, with the refresh token
// kept on disk so a restart restores the session.
package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/hazyhaar/noteboard/cloudcfg"
	"github.com/hazyhaar/noteboard/connectivity"
	"github.com/hazyhaar/noteboard/session"
)

var _ session.Backend = (*Backend)(nil)

const (
	DefaultIdentityURL = "https://identitytoolkit.googleapis.com/v1"
	DefaultTokenURL    = "https://securetoken.googleapis.com/v1"
)

// Backend implements session.Backend over the REST API.
type Backend struct {
	cfg         cloudcfg.BackendConfig
	identityURL string
	tokenURL    string
	client      *http.Client
	breaker     *connectivity.Breaker
	sessionFile string
	now         func() time.Time
	logger      *slog.Logger

	signUp, signInPassword, signInIdp, refresh connectivity.Handler

	events chan session.Event

	mu   sync.Mutex
	sess *storedSession
}

// storedSession is what survives a restart.
type storedSession struct {
	Identity     session.Identity `json:"identity"`
	RefreshToken string           `json:"refreshToken"`
	IDToken      string           `json:"-"`
	Expiry       time.Time        `json:"-"`
}

// Option configures a Backend.
type Option func(*Backend)

func WithLogger(l *slog.Logger) Option { return func(b *Backend) { b.logger = l } }

// WithHTTPClient sets the client for API calls.
func WithHTTPClient(c *http.Client) Option { return func(b *Backend) { b.client = c } }

// WithEndpoints overrides the API base URLs.
func WithEndpoints(identityURL, tokenURL string) Option {
	return func(b *Backend) { b.identityURL, b.tokenURL = identityURL, tokenURL }
}

// WithSessionFile persists the refresh token at path.
func WithSessionFile(path string) Option { return func(b *Backend) { b.sessionFile = path } }

// WithClock overrides time.Now.
func WithClock(fn func() time.Time) Option { return func(b *Backend) { b.now = fn } }

// New returns a Backend for cfg. The restored session is looked up in the
// background and reported as the first event.
func New(ctx context.Context, cfg cloudcfg.BackendConfig, opts ...Option) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b := &Backend{
		cfg:         cfg,
		identityURL: DefaultIdentityURL,
		tokenURL:    DefaultTokenURL,
		client:      &http.Client{Timeout: 20 * time.Second},
		breaker:     connectivity.NewBreaker(5, 30*time.Second),
		now:         time.Now,
		logger:      slog.Default(),
		events:      make(chan session.Event, 8),
	}
	for _, o := range opts {
		o(b)
	}
	b.client = withOrigin(b.client)

	b.signUp = b.endpoint(b.identityURL + "/accounts:signUp")
	b.signInPassword = b.endpoint(b.identityURL + "/accounts:signInWithPassword")
	b.signInIdp = b.endpoint(b.identityURL + "/accounts:signInWithIdp")
	b.refresh = b.endpoint(b.tokenURL + "/token")

	go b.restore(context.WithoutCancel(ctx))
	return b, nil
}

func (b *Backend) endpoint(base string) connectivity.Handler {
	u := base + "?key=" + url.QueryEscape(b.cfg.APIKey)
	h := connectivity.HTTPHandler(b.client, u, nil)
	return connectivity.Chain(
		connectivity.Logging(b.logger, "identity"),
		connectivity.Retry(2, 200*time.Millisecond, b.logger),
		connectivity.WithBreaker(b.breaker, "identity"),
	)(h)
}

// Events implements session.Backend.
func (b *Backend) Events() <-chan session.Event { return b.events }

type authResponse struct {
	LocalID      string `json:"localId"`
	Email        string `json:"email"`
	DisplayName  string `json:"displayName"`
	FullName     string `json:"fullName"`
	IDToken      string `json:"idToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    string `json:"expiresIn"`
}

// SignIn implements session.Backend.
func (b *Backend) SignIn(ctx context.Context, method session.Method, creds session.Credentials) (session.Identity, error) {
	var (
		h       connectivity.Handler
		payload any
	)
	switch method {
	case session.MethodPassword:
		h = b.signInPassword
		payload = map[string]any{"email": creds.Email, "password": creds.Password, "returnSecureToken": true}
	case session.MethodSignUp:
		h = b.signUp
		payload = map[string]any{"email": creds.Email, "password": creds.Password, "returnSecureToken": true}
	case session.MethodGoogle:
		post := url.Values{"providerId": {"google.com"}}
		switch {
		case creds.IDToken != "":
			post.Set("id_token", creds.IDToken)
		case creds.AccessToken != "":
			post.Set("access_token", creds.AccessToken)
		default:
			return session.Identity{}, session.NewAuthError(session.InvalidCredentials, "auth/invalid-credential", "", nil)
		}
		requestURI := creds.Origin
		if requestURI == "" {
			requestURI = "http://localhost"
		}
		h = b.signInIdp
		payload = map[string]any{
			"postBody":            post.Encode(),
			"requestUri":          requestURI,
			"returnSecureToken":   true,
			"returnIdpCredential": true,
		}
	default:
		return session.Identity{}, session.NewAuthError(session.MethodDisabled, "auth/operation-not-allowed", "", nil)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return session.Identity{}, err
	}
	raw, err := h(contextWithOrigin(ctx, creds.Origin), body)
	if err != nil {
		return session.Identity{}, authError(err)
	}
	var resp authResponse
	if err := json.Unmarshal(raw, &resp); err != nil || resp.LocalID == "" {
		return session.Identity{}, session.NewAuthError(session.Unknown, "", "malformed sign-in response", err)
	}

	name := resp.DisplayName
	if name == "" {
		name = resp.FullName
	}
	provider := "password"
	if method == session.MethodGoogle {
		provider = "google"
	}
	id := session.Identity{ID: resp.LocalID, Email: resp.Email, DisplayName: name, Provider: provider}
	s := &storedSession{
		Identity:     id,
		RefreshToken: resp.RefreshToken,
		IDToken:      resp.IDToken,
		Expiry:       b.now().Add(expiresIn(resp.ExpiresIn)),
	}
	b.mu.Lock()
	b.sess = s
	b.mu.Unlock()
	b.persist(s)
	return id, nil
}

// SignOut implements session.Backend. The REST API keeps no server-side
// session, so only local state is cleared.
func (b *Backend) SignOut(ctx context.Context) error {
	b.mu.Lock()
	b.sess = nil
	b.mu.Unlock()
	return b.removeFile()
}

func (b *Backend) removeFile() error {
	if b.sessionFile == "" {
		return nil
	}
	if err := os.Remove(b.sessionFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("cloud: clear session: %w", err)
	}
	return nil
}

// TokenSource yields the signed-in user's ID token, refreshing it when it
// is about to expire. It fails when nobody is signed in.
func (b *Backend) TokenSource() oauth2.TokenSource { return tokenSource{b} }

type tokenSource struct{ b *Backend }

func (ts tokenSource) Token() (*oauth2.Token, error) {
	return ts.b.token(context.Background())
}

var ErrNoSession = errors.New("cloud: not signed in")

func (b *Backend) token(ctx context.Context) (*oauth2.Token, error) {
	b.mu.Lock()
	s := b.sess
	b.mu.Unlock()
	if s == nil {
		return nil, ErrNoSession
	}
	if s.IDToken != "" && b.now().Add(time.Minute).Before(s.Expiry) {
		return &oauth2.Token{AccessToken: s.IDToken, TokenType: "Bearer", Expiry: s.Expiry}, nil
	}
	fresh, err := b.refreshSession(ctx, s)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{AccessToken: fresh.IDToken, TokenType: "Bearer", Expiry: fresh.Expiry}, nil
}

type refreshResponse struct {
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    string `json:"expires_in"`
	UserID       string `json:"user_id"`
}

// refreshSession trades s's refresh token for a new ID token. A
// revocation answer ends the session and emits a signed-out event.
func (b *Backend) refreshSession(ctx context.Context, s *storedSession) (*storedSession, error) {
	body, _ := json.Marshal(map[string]string{"grant_type": "refresh_token", "refresh_token": s.RefreshToken})
	raw, err := b.refresh(ctx, body)
	if err != nil {
		if code, _ := apiCode(err); revocationCodes[code] {
			b.logger.Info("cloud: session revoked", "user", s.Identity.ID, "code", code)
			b.mu.Lock()
			current := b.sess == s
			if current {
				b.sess = nil
			}
			b.mu.Unlock()
			if current {
				b.removeFile()
				b.emit(session.Event{Reason: session.ReasonRevoked})
			}
		}
		return nil, authError(err)
	}
	var resp refreshResponse
	if err := json.Unmarshal(raw, &resp); err != nil || resp.IDToken == "" {
		return nil, fmt.Errorf("cloud: malformed refresh response: %w", err)
	}
	fresh := &storedSession{
		Identity:     s.Identity,
		RefreshToken: resp.RefreshToken,
		IDToken:      resp.IDToken,
		Expiry:       b.now().Add(expiresIn(resp.ExpiresIn)),
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = s.RefreshToken
	}
	b.mu.Lock()
	if b.sess == s {
		b.sess = fresh
	}
	b.mu.Unlock()
	b.persist(fresh)
	return fresh, nil
}

// restore reports the session found on disk as the first event. A network
// failure keeps the stored identity; the token is refreshed on first use.
func (b *Backend) restore(ctx context.Context) {
	s := b.load()
	b.mu.Lock()
	if b.sess != nil {
		// A sign-in completed first; it is the session to report.
		id := b.sess.Identity
		b.mu.Unlock()
		b.emit(session.Event{Identity: &id, Reason: session.ReasonRestored})
		return
	}
	b.sess = s
	b.mu.Unlock()
	if s == nil {
		b.emit(session.Event{Reason: session.ReasonRestored})
		return
	}

	fresh, err := b.refreshSession(ctx, s)
	if err != nil {
		if code, _ := apiCode(err); revocationCodes[code] {
			return
		}
		if session.KindOf(err) != session.NetworkUnavailable {
			b.logger.Warn("cloud: stored session unusable", "error", err)
			b.mu.Lock()
			b.sess = nil
			b.mu.Unlock()
			_ = b.SignOut(ctx)
			b.emit(session.Event{Reason: session.ReasonRestored})
			return
		}
		b.logger.Warn("cloud: restoring session offline", "user", s.Identity.ID, "error", err)
		fresh = s
	}
	id := fresh.Identity
	b.emit(session.Event{Identity: &id, Reason: session.ReasonRestored})
}

func (b *Backend) load() *storedSession {
	if b.sessionFile == "" {
		return nil
	}
	raw, err := os.ReadFile(b.sessionFile)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			b.logger.Warn("cloud: read session", "error", err)
		}
		return nil
	}
	var s storedSession
	if err := json.Unmarshal(raw, &s); err != nil || s.RefreshToken == "" || s.Identity.ID == "" {
		b.logger.Warn("cloud: stored session discarded", "error", err)
		return nil
	}
	return &s
}

func (b *Backend) persist(s *storedSession) {
	if b.sessionFile == "" || s.RefreshToken == "" {
		return
	}
	data, err := json.Marshal(s)
	if err == nil {
		err = writeFileAtomic(b.sessionFile, data)
	}
	if err != nil {
		b.logger.Warn("cloud: persist session", "error", err)
	}
}

func (b *Backend) emit(ev session.Event) {
	select {
	case b.events <- ev:
	default:
		b.logger.Warn("cloud: event dropped", "reason", ev.Reason)
	}
}

func expiresIn(s string) time.Duration {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return time.Hour
	}
	return time.Duration(n) * time.Second
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
