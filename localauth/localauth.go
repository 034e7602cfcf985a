// Package localauth is a self-hosted session.Backend: accounts live in a
// SQLite table, passwords are bcrypt hashes and a signed-in session is an
// HS256 token kept in a file so the next process start restores it.
package localauth

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/hazyhaar/noteboard/auth"
	"github.com/hazyhaar/noteboard/cloudcfg"
	"github.com/hazyhaar/noteboard/idgen"
	"github.com/hazyhaar/noteboard/session"
)

var _ session.Backend = (*Backend)(nil)

// MinPasswordLen is the shortest password accepted at sign-up.
const MinPasswordLen = 6

// Backend implements session.Backend.
type Backend struct {
	db          *sql.DB
	project     string
	secret      []byte
	allowed     []string
	tokenTTL    time.Duration
	sessionFile string
	googleOK    bool
	httpClient  *http.Client
	bcryptCost  int
	ids         idgen.Generator
	now         func() time.Time
	logger      *slog.Logger

	events chan session.Event

	mu     sync.Mutex
	expiry *time.Timer
	closed bool
}

// Option configures a Backend.
type Option func(*Backend)

func WithLogger(l *slog.Logger) Option { return func(b *Backend) { b.logger = l } }

// WithSessionFile persists the session token at path. Without it sessions
// do not survive a restart.
func WithSessionFile(path string) Option { return func(b *Backend) { b.sessionFile = path } }

// WithTokenTTL sets the session lifetime. Default 7 days.
func WithTokenTTL(d time.Duration) Option { return func(b *Backend) { b.tokenTTL = d } }

// WithAuthorizedDomains adds origins allowed to sign in, on top of
// localhost and the config's auth domain.
func WithAuthorizedDomains(domains ...string) Option {
	return func(b *Backend) { b.allowed = append(b.allowed, domains...) }
}

// WithGoogle enables Google sign-in, verifying access tokens with client.
func WithGoogle(client *http.Client) Option {
	return func(b *Backend) { b.googleOK, b.httpClient = true, client }
}

// WithBcryptCost overrides bcrypt.DefaultCost.
func WithBcryptCost(cost int) Option { return func(b *Backend) { b.bcryptCost = cost } }

// WithIDs overrides the user id generator.
func WithIDs(g idgen.Generator) Option { return func(b *Backend) { b.ids = g } }

// WithClock overrides time.Now.
func WithClock(fn func() time.Time) Option { return func(b *Backend) { b.now = fn } }

// New opens the backend for cfg on db (schema is created) and queues the
// restored-session event.
func New(ctx context.Context, db *sql.DB, cfg cloudcfg.BackendConfig, opts ...Option) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	sum := sha256.Sum256([]byte(cfg.ProjectID + "\x00" + cfg.APIKey))
	b := &Backend{
		db:         db,
		project:    cfg.ProjectID,
		secret:     sum[:],
		allowed:    []string{"localhost", "127.0.0.1", cfg.ResolvedAuthDomain()},
		tokenTTL:   7 * 24 * time.Hour,
		bcryptCost: bcrypt.DefaultCost,
		ids:        idgen.UUIDv7(),
		now:        time.Now,
		logger:     slog.Default(),
		events:     make(chan session.Event, 8),
	}
	for _, o := range opts {
		o(b)
	}
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return nil, fmt.Errorf("localauth: schema: %w", err)
	}
	b.emit(session.Event{Identity: b.restore(ctx), Reason: session.ReasonRestored})
	return b, nil
}

// Events implements session.Backend.
func (b *Backend) Events() <-chan session.Event { return b.events }

// Close stops the expiry timer. Pending events stay readable.
func (b *Backend) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	if b.expiry != nil {
		b.expiry.Stop()
	}
}

// SignIn implements session.Backend.
func (b *Backend) SignIn(ctx context.Context, method session.Method, creds session.Credentials) (session.Identity, error) {
	if !domainAllowed(creds.Origin, b.allowed) {
		return session.Identity{}, session.NewAuthError(session.DomainNotAuthorized, "auth/unauthorized-domain", "", nil)
	}
	var (
		a   *account
		err error
	)
	switch method {
	case session.MethodPassword:
		a, err = b.signInPassword(ctx, creds)
	case session.MethodSignUp:
		a, err = b.signUp(ctx, creds)
	case session.MethodGoogle:
		a, err = b.signInGoogle(ctx, creds)
	default:
		err = session.NewAuthError(session.MethodDisabled, "auth/operation-not-allowed", "", nil)
	}
	if err != nil {
		return session.Identity{}, err
	}
	b.touchLogin(ctx, a.ID)
	if err := b.startSession(a, string(method)); err != nil {
		return session.Identity{}, session.NewAuthError(session.Unknown, "", err.Error(), err)
	}
	return identityOf(a), nil
}

func (b *Backend) signInPassword(ctx context.Context, creds session.Credentials) (*account, error) {
	email := normalizeEmail(creds.Email)
	a, err := b.accountByEmail(ctx, email)
	if errors.Is(err, errNoAccount) {
		return nil, session.NewAuthError(session.InvalidCredentials, "auth/invalid-credential", "", nil)
	}
	if err != nil {
		return nil, session.NewAuthError(session.Unknown, "", err.Error(), err)
	}
	if a.PasswordHash == "" || bcrypt.CompareHashAndPassword([]byte(a.PasswordHash), []byte(creds.Password)) != nil {
		return nil, session.NewAuthError(session.InvalidCredentials, "auth/invalid-credential", "", nil)
	}
	return a, nil
}

func (b *Backend) signUp(ctx context.Context, creds session.Credentials) (*account, error) {
	email := normalizeEmail(creds.Email)
	if _, err := mail.ParseAddress(email); err != nil || !strings.Contains(email, "@") {
		return nil, session.NewAuthError(session.InvalidCredentials, "auth/invalid-email", "", err)
	}
	if len(creds.Password) < MinPasswordLen {
		return nil, session.NewAuthError(session.WeakCredential, "auth/weak-password", "", nil)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(creds.Password), b.bcryptCost)
	if err != nil {
		return nil, session.NewAuthError(session.Unknown, "", err.Error(), err)
	}
	a := account{ID: b.ids(), Email: email, Provider: string(session.MethodPassword), PasswordHash: string(hash)}
	if err := b.createAccount(ctx, a); err != nil {
		if errors.Is(err, errAccountExists) {
			return nil, session.NewAuthError(session.AccountExists, "auth/email-already-in-use", "", nil)
		}
		return nil, session.NewAuthError(session.Unknown, "", err.Error(), err)
	}
	b.logger.Info("localauth: account created", "user", a.ID, "project", b.project)
	return &a, nil
}

func (b *Backend) signInGoogle(ctx context.Context, creds session.Credentials) (*account, error) {
	if !b.googleOK {
		return nil, session.NewAuthError(session.MethodDisabled, "auth/operation-not-allowed", "", nil)
	}
	if creds.AccessToken == "" {
		return nil, session.NewAuthError(session.InvalidCredentials, "auth/invalid-credential", "", nil)
	}
	u, err := auth.FetchGoogleUserFromToken(ctx, b.httpClient, creds.AccessToken)
	if err != nil {
		var uie *auth.UserInfoError
		var nerr net.Error
		switch {
		case errors.As(err, &uie) && uie.Status < 500:
			return nil, session.NewAuthError(session.InvalidCredentials, "auth/invalid-credential", "", err)
		case errors.As(err, &nerr):
			return nil, session.NewAuthError(session.NetworkUnavailable, "auth/network-request-failed", "", err)
		}
		return nil, session.NewAuthError(session.Unknown, "", err.Error(), err)
	}
	a, err := b.linkGoogle(ctx, normalizeEmail(u.Email), u.Name)
	if err != nil {
		return nil, session.NewAuthError(session.Unknown, "", err.Error(), err)
	}
	return a, nil
}

// SignOut implements session.Backend.
func (b *Backend) SignOut(ctx context.Context) error {
	b.mu.Lock()
	if b.expiry != nil {
		b.expiry.Stop()
		b.expiry = nil
	}
	b.mu.Unlock()
	if b.sessionFile == "" {
		return nil
	}
	if err := os.Remove(b.sessionFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("localauth: clear session: %w", err)
	}
	return nil
}

func (b *Backend) startSession(a *account, provider string) error {
	now := b.now()
	claims := &auth.SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  a.ID,
			Audience: jwt.ClaimStrings{b.project},
			ID:       idgen.New(),
		},
		Email:       a.Email,
		DisplayName: a.DisplayName,
		Provider:    provider,
	}
	token, err := auth.IssueToken(b.secret, claims, b.tokenTTL, now)
	if err != nil {
		return err
	}
	if b.sessionFile != "" {
		if err := writeFileAtomic(b.sessionFile, []byte(token)); err != nil {
			return fmt.Errorf("localauth: persist session: %w", err)
		}
	}
	b.armExpiry(a.ID, b.tokenTTL)
	return nil
}

// restore reads the persisted token. Expired, forged or orphaned tokens
// are discarded.
func (b *Backend) restore(ctx context.Context) *session.Identity {
	if b.sessionFile == "" {
		return nil
	}
	raw, err := os.ReadFile(b.sessionFile)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			b.logger.Warn("localauth: read session", "error", err)
		}
		return nil
	}
	now := b.now()
	claims, err := auth.ParseToken(b.secret, strings.TrimSpace(string(raw)), b.project, now)
	if err != nil {
		b.logger.Info("localauth: stored session discarded", "error", err)
		_ = os.Remove(b.sessionFile)
		return nil
	}
	a, err := b.accountByID(ctx, claims.Subject)
	if err != nil {
		b.logger.Info("localauth: stored session has no account", "user", claims.Subject, "error", err)
		_ = os.Remove(b.sessionFile)
		return nil
	}
	b.armExpiry(a.ID, claims.ExpiresAt.Sub(now))
	id := identityOf(a)
	return &id
}

func (b *Backend) armExpiry(userID string, in time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if b.expiry != nil {
		b.expiry.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(in, func() {
		b.mu.Lock()
		current := b.expiry == t
		if current {
			b.expiry = nil
		}
		b.mu.Unlock()
		if !current {
			return
		}
		b.logger.Info("localauth: session expired", "user", userID)
		if b.sessionFile != "" {
			_ = os.Remove(b.sessionFile)
		}
		b.emit(session.Event{Reason: session.ReasonRevoked})
	})
	b.expiry = t
}

func (b *Backend) emit(ev session.Event) {
	select {
	case b.events <- ev:
	default:
		b.logger.Warn("localauth: event dropped", "reason", ev.Reason)
	}
}

func identityOf(a *account) session.Identity {
	return session.Identity{ID: a.ID, Email: a.Email, DisplayName: a.DisplayName, Provider: a.Provider}
}

func normalizeEmail(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

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
