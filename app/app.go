// Package app wires the noteboard components together: the session
// manager, the sync gateway, the board, the backend chosen once a cloud
// config is known, generation and backups.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/oauth2"
	"google.golang.org/api/option"

	"github.com/hazyhaar/noteboard/auth"
	"github.com/hazyhaar/noteboard/backup"
	"github.com/hazyhaar/noteboard/cloud"
	"github.com/hazyhaar/noteboard/cloudcfg"
	"github.com/hazyhaar/noteboard/dbopen"
	"github.com/hazyhaar/noteboard/docsync"
	"github.com/hazyhaar/noteboard/docsync/firestore"
	"github.com/hazyhaar/noteboard/docsync/sqlstore"
	"github.com/hazyhaar/noteboard/genai"
	"github.com/hazyhaar/noteboard/idgen"
	"github.com/hazyhaar/noteboard/localauth"
	"github.com/hazyhaar/noteboard/observability"
	"github.com/hazyhaar/noteboard/session"
	"github.com/hazyhaar/noteboard/workspace"
)

// App is the assembled process.
type App struct {
	Config   *Config
	Logger   *slog.Logger
	DB       *sql.DB
	Registry *prometheus.Registry
	Metrics  *observability.Metrics
	Events   *observability.EventLogger
	Provider *cloudcfg.Provider
	Session  *session.Manager
	Sync     *docsync.Gateway
	Board    *workspace.Store
	GenAI    *genai.Service
	Backups  backup.Sink
	// OAuth is the Google client registration, nil when disabled.
	OAuth *oauth2.Config

	binder   *Binder
	autosave *Autosaver
	newID    idgen.Generator
	ctx      context.Context

	mu         sync.Mutex
	installErr error
	closers    []func() error
	closeOnce  sync.Once
}

// New opens the local database and assembles every component. A cloud
// config found by Bootstrap is installed before New returns; otherwise
// the process stays guest-only until one is submitted.
func New(ctx context.Context, cfg *Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := dbopen.Open(cfg.path("noteboard.db"),
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(observability.EventsSchema),
		dbopen.WithSchema(localauth.Schema),
	)
	if err != nil {
		return nil, fmt.Errorf("app: open db: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(reg)

	events, err := observability.NewEventLogger(db, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("app: event log: %w", err)
	}

	sink, err := openSink(ctx, cfg)
	if err != nil {
		db.Close()
		return nil, err
	}

	gcfg := cfg.GenAI
	gcfg.Logger = logger
	a := &App{
		Config:   cfg,
		Logger:   logger,
		DB:       db,
		Registry: reg,
		Metrics:  metrics,
		Events:   events,
		Provider: cloudcfg.NewProvider(
			cloudcfg.WithPersistPath(cfg.path("cloud-config.json")),
			cloudcfg.WithLogger(logger),
		),
		Session: session.NewManager(
			session.WithLogger(logger),
			session.WithMetrics(metrics),
			session.WithEventLogger(events),
		),
		Sync: docsync.NewGateway(
			docsync.WithLogger(logger),
			docsync.WithMetrics(metrics),
			docsync.WithSaveTimeout(cfg.Sync.SaveTimeout),
		),
		Board:   workspace.NewStore(),
		GenAI:   genai.NewService(genai.NewGemini(gcfg), genai.WithLogger(logger), genai.WithMetrics(metrics)),
		Backups: sink,
		newID:   idgen.UUIDv7(),
		ctx:     context.WithoutCancel(ctx),
	}
	if cfg.Google.Enabled() {
		a.OAuth = auth.NewGoogleProvider(cfg.Google)
	}

	a.binder = NewBinder(a.Session, a.Sync, a.Board, logger)
	a.autosave = NewAutosaver(a.Session, a.Sync, a.Board, cfg.Sync.SaveDebounce, logger)
	a.binder.OnMissing(func(id session.Identity) {
		a.autosave.Schedule(id, a.Board.Snapshot())
	})

	a.Provider.OnReady(a.install)
	if a.Provider.Bootstrap() {
		logger.Info("app: cloud config loaded", "source", a.Provider.Source())
	} else {
		logger.Info("app: no cloud config, guest mode only")
	}
	return a, nil
}

func openSink(ctx context.Context, cfg *Config) (backup.Sink, error) {
	if cfg.Backup.S3.Bucket != "" {
		s, err := backup.NewS3Sink(ctx, cfg.Backup.S3)
		if err != nil {
			return nil, fmt.Errorf("app: backup sink: %w", err)
		}
		return s, nil
	}
	s, err := backup.NewDirSink(cfg.BackupDir())
	if err != nil {
		return nil, fmt.Errorf("app: backup sink: %w", err)
	}
	return s, nil
}

// install runs once, when the Provider accepts a config. The store goes
// in before the backend so the first signed-in identity finds it.
func (a *App) install(bc cloudcfg.BackendConfig) {
	err := a.installBackend(bc)
	a.mu.Lock()
	a.installErr = err
	a.mu.Unlock()

	ev := observability.Event{Type: "config", Action: "install", Success: err == nil}
	if err != nil {
		ev.Details = err.Error()
		a.Logger.Error("app: backend install failed", "project_id", bc.ProjectID, "error", err)
	}
	a.Events.Log(a.ctx, ev)
}

func (a *App) installBackend(bc cloudcfg.BackendConfig) error {
	var (
		backend session.Backend
		tokens  oauth2.TokenSource
	)
	switch a.Config.Backend.Kind {
	case "cloud":
		b, err := cloud.New(a.ctx, bc,
			cloud.WithLogger(a.Logger),
			cloud.WithSessionFile(a.Config.path("cloud-session.json")),
		)
		if err != nil {
			return err
		}
		backend, tokens = b, b.TokenSource()
	default:
		opts := []localauth.Option{
			localauth.WithLogger(a.Logger),
			localauth.WithSessionFile(a.Config.path("session.token")),
			localauth.WithTokenTTL(a.Config.Backend.SessionTTL),
			localauth.WithAuthorizedDomains(a.Config.Backend.AuthorizedDomains...),
		}
		if a.OAuth != nil {
			opts = append(opts, localauth.WithGoogle(&http.Client{Timeout: 15 * time.Second}))
		}
		b, err := localauth.New(a.ctx, a.DB, bc, opts...)
		if err != nil {
			return err
		}
		a.addCloser(func() error { b.Close(); return nil })
		backend = b
	}

	store, err := a.openStore(bc, tokens)
	if err != nil {
		return err
	}
	a.Sync.SetStore(store)
	a.Session.SetBackend(backend)
	a.binder.Rebind()
	return nil
}

func (a *App) openStore(bc cloudcfg.BackendConfig, tokens oauth2.TokenSource) (docsync.Store, error) {
	sc := a.Config.Store
	sqlOpts := []sqlstore.Option{
		sqlstore.WithLogger(a.Logger),
		sqlstore.WithPollInterval(sc.PollInterval),
	}
	switch sc.Driver {
	case "memory":
		return docsync.NewMemoryStore(), nil
	case "postgres":
		s, err := sqlstore.OpenPostgres(a.ctx, sc.DSN, sqlOpts...)
		if err != nil {
			return nil, err
		}
		a.addCloser(s.Close)
		return s, nil
	case "firestore":
		var clientOpts []option.ClientOption
		if tokens != nil {
			clientOpts = append(clientOpts, option.WithTokenSource(tokens))
		}
		s, err := firestore.New(a.ctx, bc.ProjectID, clientOpts, firestore.WithLogger(a.Logger))
		if err != nil {
			return nil, err
		}
		a.addCloser(s.Close)
		return s, nil
	default:
		if sc.DSN != "" {
			s, err := sqlstore.OpenSQLite(sc.DSN, sqlOpts...)
			if err != nil {
				return nil, err
			}
			a.addCloser(s.Close)
			return s, nil
		}
		return sqlstore.New(a.DB, sqlstore.SQLite, sqlOpts...)
	}
}

func (a *App) addCloser(fn func() error) {
	a.mu.Lock()
	a.closers = append(a.closers, fn)
	a.mu.Unlock()
}

// InstallErr reports why the submitted config could not be used, if it
// could not.
func (a *App) InstallErr() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.installErr
}

// SubmitConfig hands pasted config text to the Provider. It fails when a
// config is already installed, the text is invalid, or the backend could
// not be opened with it.
func (a *App) SubmitConfig(text string) (cloudcfg.BackendConfig, error) {
	cfg, err := a.Provider.Submit(text)
	if err != nil {
		return cloudcfg.BackendConfig{}, err
	}
	if err := a.InstallErr(); err != nil {
		return cfg, fmt.Errorf("app: install backend: %w", err)
	}
	return cfg, nil
}

// Run drives the session manager, autosave and event-log retention
// until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.autosave.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		a.retain(ctx)
	}()

	err := a.Session.Run(ctx)
	wg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) retain(ctx context.Context) {
	if a.Config.EventRetention <= 0 {
		return
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		if n, err := a.Events.Cleanup(ctx, a.Config.EventRetention); err != nil {
			a.Logger.Warn("app: event cleanup failed", "error", err)
		} else if n > 0 {
			a.Logger.Debug("app: event cleanup", "deleted", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Flush writes any pending autosave.
func (a *App) Flush(ctx context.Context) { a.autosave.Flush(ctx) }

// Backup writes the board to the backup sink under the active identity.
func (a *App) Backup(ctx context.Context) (string, error) {
	id, st := a.Session.Current()
	owner := id.ID
	if st == session.Unauthenticated {
		owner = "anonymous"
	}
	return backup.Write(ctx, a.Backups, owner, a.Board.Snapshot(), time.Now())
}

// Close flushes the pending save and releases every resource. It is
// idempotent.
func (a *App) Close() error {
	var errs []error
	a.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.Config.Sync.SaveTimeout)
		a.autosave.Flush(ctx)
		cancel()
		a.autosave.Close()
		a.binder.Close()

		a.mu.Lock()
		closers := a.closers
		a.closers = nil
		a.mu.Unlock()
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
		if err := a.DB.Close(); err != nil {
			errs = append(errs, err)
		}
	})
	return errors.Join(errs...)
}
