// Package config loads calhub's YAML configuration and applies environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"calhub/internal/dedup"
	"calhub/internal/secret"
)

// DefaultPath is the config file used when none is given.
const DefaultPath = "calhub.yaml"

// OAuthClient holds the OAuth application registered with a provider.
type OAuthClient struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RedirectURL  string `yaml:"redirect_url"`
}

// Configured reports whether the client id and secret are set.
func (o OAuthClient) Configured() bool {
	return o.ClientID != "" && o.ClientSecret != ""
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address of the API.
	Listen string `yaml:"listen"`

	// Database is the SQLite file path.
	Database string `yaml:"database"`

	// LogLevel is one of debug, info, warn or error.
	LogLevel string `yaml:"log_level"`

	// EncryptionKey is a base64 AES-256 key for stored credentials. When
	// empty, credentials are stored unencrypted.
	EncryptionKey string `yaml:"encryption_key,omitempty"`

	// RedisURL, when set, shares sync locks across processes.
	RedisURL string `yaml:"redis_url,omitempty"`

	// SyncSchedule is a five-field cron spec for background syncs.
	SyncSchedule string `yaml:"sync_schedule"`

	Workers             int `yaml:"workers"`
	QueueSize           int `yaml:"queue_size"`
	CalendarConcurrency int `yaml:"calendar_concurrency"`

	// DuplicatePolicy is skip, keep-both or link.
	DuplicatePolicy string `yaml:"duplicate_policy"`

	// RateLimitBackoff is how long an account is left alone after the
	// provider rate-limits it.
	RateLimitBackoff time.Duration `yaml:"rate_limit_backoff"`

	CORSOrigins []string `yaml:"cors_origins"`

	Google    OAuthClient `yaml:"google"`
	Microsoft OAuthClient `yaml:"microsoft"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:              "127.0.0.1:8080",
		Database:            "calhub.db",
		LogLevel:            "info",
		SyncSchedule:        "*/15 * * * *",
		Workers:             4,
		QueueSize:           64,
		CalendarConcurrency: 4,
		DuplicatePolicy:     string(dedup.DefaultPolicy),
		RateLimitBackoff:    60 * time.Second,
		CORSOrigins:         []string{"http://localhost:3000"},
		Google:              OAuthClient{RedirectURL: "http://127.0.0.1:8085/oauth2/callback"},
		Microsoft:           OAuthClient{RedirectURL: "http://localhost:8080/oauth/microsoft/callback"},
	}
}

// Normalize fills zero values with defaults.
func (c *Config) Normalize() {
	d := DefaultConfig()
	if c.Listen == "" {
		c.Listen = d.Listen
	}
	if c.Database == "" {
		c.Database = d.Database
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.SyncSchedule == "" {
		c.SyncSchedule = d.SyncSchedule
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.CalendarConcurrency <= 0 {
		c.CalendarConcurrency = d.CalendarConcurrency
	}
	if c.DuplicatePolicy == "" {
		c.DuplicatePolicy = d.DuplicatePolicy
	}
	if c.RateLimitBackoff <= 0 {
		c.RateLimitBackoff = d.RateLimitBackoff
	}
	if c.Google.RedirectURL == "" {
		c.Google.RedirectURL = d.Google.RedirectURL
	}
	if c.Microsoft.RedirectURL == "" {
		c.Microsoft.RedirectURL = d.Microsoft.RedirectURL
	}
}

// Load reads the YAML file at path, creating it with defaults on first run,
// then applies environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	cfg, err := readFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv(os.Getenv)
	cfg.Normalize()
	return cfg, nil
}

func readFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg := DefaultConfig()
		if err := Save(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	cfg.Normalize()
	return &cfg, nil
}

// ApplyEnv overrides fields from the environment. Secrets are usually
// supplied this way, often through a .env file.
func (c *Config) ApplyEnv(getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&c.Google.ClientID, "GOOGLE_CLIENT_ID")
	set(&c.Google.ClientSecret, "GOOGLE_CLIENT_SECRET")
	set(&c.Microsoft.ClientID, "MICROSOFT_CLIENT_ID")
	set(&c.Microsoft.ClientSecret, "MICROSOFT_CLIENT_SECRET")
	set(&c.Database, "CALHUB_DATABASE")
	set(&c.EncryptionKey, "CALHUB_ENCRYPTION_KEY")
	set(&c.RedisURL, "REDIS_URL")
	set(&c.LogLevel, "LOG_LEVEL")
	set(&c.Listen, "CALHUB_LISTEN")
	set(&c.SyncSchedule, "CALHUB_SYNC_SCHEDULE")
	set(&c.DuplicatePolicy, "CALHUB_DUPLICATE_POLICY")

	if v := getenv("CALHUB_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Workers = n
		}
	}
}

// Validate checks the configuration for values that would fail at runtime.
func (c *Config) Validate() error {
	var errs []error

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log level %q", c.LogLevel))
	}
	if _, err := dedup.ParsePolicy(c.DuplicatePolicy); err != nil {
		errs = append(errs, err)
	}
	if _, err := cron.ParseStandard(c.SyncSchedule); err != nil {
		errs = append(errs, fmt.Errorf("invalid sync schedule %q: %w", c.SyncSchedule, err))
	}
	if c.EncryptionKey != "" {
		if _, err := secret.NewAESBoxFromBase64Key(c.EncryptionKey); err != nil {
			errs = append(errs, fmt.Errorf("invalid encryption key: %w", err))
		}
	}
	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("workers must be positive"))
	}
	if (c.Google.ClientID == "") != (c.Google.ClientSecret == "") {
		errs = append(errs, fmt.Errorf("google client id and secret must be set together"))
	}
	if (c.Microsoft.ClientID == "") != (c.Microsoft.ClientSecret == "") {
		errs = append(errs, fmt.Errorf("microsoft client id and secret must be set together"))
	}
	return errors.Join(errs...)
}

// Save writes cfg to path atomically with 0600 permissions.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".calhub-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
