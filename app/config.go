package app

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/noteboard/auth"
	"github.com/hazyhaar/noteboard/backup"
	"github.com/hazyhaar/noteboard/genai"
)

// Config holds the full noteboard configuration.
type Config struct {
	DataDir        string             `yaml:"data_dir"`
	LogLevel       string             `yaml:"log_level"`
	EventRetention time.Duration      `yaml:"event_retention"`
	HTTP           HTTPConfig         `yaml:"http"`
	Backend        BackendConfig      `yaml:"backend"`
	Store          StoreConfig        `yaml:"store"`
	Google         auth.OAuthConfig   `yaml:"google"`
	GenAI          genai.GeminiConfig `yaml:"genai"`
	Backup         BackupConfig       `yaml:"backup"`
	Sync           SyncConfig         `yaml:"sync"`
}

// HTTPConfig configures the HTTP bridge.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
	// APIToken, when set, is required as a bearer token on every API route.
	APIToken      string `yaml:"api_token"`
	PublicOrigin  string `yaml:"public_origin"`
	SecureCookies bool   `yaml:"secure_cookies"`
	// GenerateLimit caps generation calls per client per minute.
	GenerateLimit int `yaml:"generate_limit"`
}

// BackendConfig selects the auth backend installed once a cloud config
// is available.
type BackendConfig struct {
	Kind              string        `yaml:"kind"` // local | cloud
	AuthorizedDomains []string      `yaml:"authorized_domains"`
	SessionTTL        time.Duration `yaml:"session_ttl"`
}

// StoreConfig selects the document store.
type StoreConfig struct {
	Driver       string        `yaml:"driver"` // sqlite | postgres | firestore | memory
	DSN          string        `yaml:"dsn"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// BackupConfig selects where board backups go. S3 wins when a bucket is set.
type BackupConfig struct {
	Dir string          `yaml:"dir"`
	S3  backup.S3Config `yaml:"s3"`
}

// SyncConfig tunes autosave.
type SyncConfig struct {
	SaveDebounce time.Duration `yaml:"save_debounce"`
	SaveTimeout  time.Duration `yaml:"save_timeout"`
}

// DefaultConfig returns sane defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir:        "data",
		LogLevel:       "info",
		EventRetention: 30 * 24 * time.Hour,
		HTTP: HTTPConfig{
			Addr:          ":8090",
			GenerateLimit: 20,
		},
		Backend: BackendConfig{
			Kind:       "local",
			SessionTTL: 7 * 24 * time.Hour,
		},
		Store: StoreConfig{
			Driver:       "sqlite",
			PollInterval: 500 * time.Millisecond,
		},
		Sync: SyncConfig{
			SaveDebounce: time.Second,
			SaveTimeout:  10 * time.Second,
		},
	}
}

// LoadConfig reads a YAML config file over DefaultConfig. An empty path
// yields the defaults. Environment overrides are applied last.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv(os.Getenv)
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	set(&c.DataDir, "NOTEBOARD_DATA_DIR")
	set(&c.LogLevel, "LOG_LEVEL")
	set(&c.HTTP.Addr, "NOTEBOARD_ADDR")
	set(&c.HTTP.APIToken, "NOTEBOARD_API_TOKEN")
	set(&c.HTTP.PublicOrigin, "NOTEBOARD_PUBLIC_ORIGIN")
	set(&c.Backend.Kind, "NOTEBOARD_BACKEND")
	set(&c.Store.Driver, "NOTEBOARD_STORE")
	set(&c.Store.DSN, "NOTEBOARD_STORE_DSN")
	set(&c.GenAI.APIKey, "GEMINI_API_KEY")
	set(&c.Google.ClientID, "GOOGLE_CLIENT_ID")
	set(&c.Google.ClientSecret, "GOOGLE_CLIENT_SECRET")
	set(&c.Google.RedirectURL, "GOOGLE_REDIRECT_URL")
	set(&c.Backup.S3.Bucket, "NOTEBOARD_BACKUP_BUCKET")
}

// Validate checks that required fields are present and values are sane.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	switch c.Backend.Kind {
	case "local", "cloud":
	default:
		return fmt.Errorf("backend.kind must be local or cloud, got %q", c.Backend.Kind)
	}
	switch c.Store.Driver {
	case "sqlite", "memory", "firestore":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("store.driver must be sqlite, postgres, firestore or memory, got %q", c.Store.Driver)
	}
	if c.Backend.SessionTTL <= 0 {
		return fmt.Errorf("backend.session_ttl must be > 0")
	}
	if c.Sync.SaveDebounce < 0 {
		return fmt.Errorf("sync.save_debounce must be >= 0")
	}
	if c.Sync.SaveTimeout <= 0 {
		return fmt.Errorf("sync.save_timeout must be > 0")
	}
	if c.Store.PollInterval <= 0 {
		return fmt.Errorf("store.poll_interval must be > 0")
	}
	if c.Google.Enabled() && c.Google.RedirectURL == "" {
		return fmt.Errorf("google.redirect_url is required when google.client_id is set")
	}
	return nil
}

// path resolves name inside DataDir.
func (c *Config) path(name string) string {
	return filepath.Join(c.DataDir, name)
}

// BackupDir is Backup.Dir, defaulting to DataDir/backups.
func (c *Config) BackupDir() string {
	if c.Backup.Dir != "" {
		return c.Backup.Dir
	}
	return c.path("backups")
}
