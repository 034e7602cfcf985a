package cloudcfg

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Embedded is a config baked in at build time:
//
//	go build -ldflags "-X github.com/hazyhaar/noteboard/cloudcfg.Embedded=$(cat config.json)"
var Embedded string

// EnvVar names the environment variable read by Bootstrap.
const EnvVar = "NOTEBOARD_BACKEND_CONFIG"

// ErrAlreadyConfigured is returned by Submit once a config is installed.
var ErrAlreadyConfigured = errors.New("cloudcfg: backend already configured")

// Source records where the active config came from.
type Source string

const (
	SourceNone      Source = ""
	SourceEmbedded  Source = "embedded"
	SourceEnv       Source = "env"
	SourcePersisted Source = "persisted"
	SourceUser      Source = "user"
)

// Provider holds at most one valid BackendConfig for the process
// lifetime. Failed submissions never touch the installed config.
type Provider struct {
	persistPath string
	logger      *slog.Logger

	mu     sync.Mutex
	cfg    *BackendConfig
	source Source
	hooks  []func(BackendConfig)
}

// Option configures a Provider.
type Option func(*Provider)

// WithPersistPath stores user-submitted configs at path and reads it back
// in Bootstrap.
func WithPersistPath(path string) Option { return func(p *Provider) { p.persistPath = path } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(p *Provider) { p.logger = l } }

// NewProvider returns an unconfigured Provider.
func NewProvider(opts ...Option) *Provider {
	p := &Provider{logger: slog.Default()}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Bootstrap installs the first valid config among Embedded, the EnvVar
// environment variable and the persisted file. Invalid candidates are
// logged and skipped. It reports whether a config is now installed.
func (p *Provider) Bootstrap() bool {
	candidates := []struct {
		src  Source
		text string
	}{
		{SourceEmbedded, Embedded},
		{SourceEnv, os.Getenv(EnvVar)},
	}
	if p.persistPath != "" {
		if data, err := os.ReadFile(p.persistPath); err == nil {
			candidates = append(candidates, struct {
				src  Source
				text string
			}{SourcePersisted, string(data)})
		}
	}
	for _, c := range candidates {
		if strings.TrimSpace(c.text) == "" {
			continue
		}
		cfg, err := Parse(c.text)
		if err != nil {
			p.logger.Warn("cloudcfg: ignoring invalid config", "source", c.src, "error", err)
			continue
		}
		if p.install(cfg, c.src) == nil {
			return true
		}
	}
	_, ok := p.Config()
	return ok
}

// Submit parses user-entered text. On success the config is installed,
// persisted when a path is set, and the OnReady hooks run.
func (p *Provider) Submit(text string) (BackendConfig, error) {
	cfg, err := Parse(text)
	if err != nil {
		return BackendConfig{}, err
	}
	if err := p.install(cfg, SourceUser); err != nil {
		return BackendConfig{}, err
	}
	if p.persistPath != "" {
		if err := persist(p.persistPath, cfg); err != nil {
			p.logger.Warn("cloudcfg: persist failed", "path", p.persistPath, "error", err)
		}
	}
	return cfg, nil
}

// Config returns the installed config.
func (p *Provider) Config() (BackendConfig, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cfg == nil {
		return BackendConfig{}, false
	}
	return *p.cfg, true
}

// Source returns where the installed config came from.
func (p *Provider) Source() Source {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.source
}

// OnReady runs fn with the config once one is installed, immediately if
// it already is.
func (p *Provider) OnReady(fn func(BackendConfig)) {
	p.mu.Lock()
	if p.cfg == nil {
		p.hooks = append(p.hooks, fn)
		p.mu.Unlock()
		return
	}
	cfg := *p.cfg
	p.mu.Unlock()
	fn(cfg)
}

func (p *Provider) install(cfg BackendConfig, src Source) error {
	p.mu.Lock()
	if p.cfg != nil {
		p.mu.Unlock()
		return ErrAlreadyConfigured
	}
	p.cfg, p.source = &cfg, src
	hooks := p.hooks
	p.hooks = nil
	p.mu.Unlock()

	p.logger.Info("cloudcfg: backend configured", "source", src, "project_id", cfg.ProjectID)
	for _, h := range hooks {
		h(cfg)
	}
	return nil
}

func persist(path string, cfg BackendConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
