// Package config loads the threadsync YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/floegence/threadsync/internal/retry"
)

const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

const envPrefix = "THREADSYNC_"

// Config is the on-disk configuration. API keys never live here; see settings.SecretsStore.
type Config struct {
	User       UserConfig       `yaml:"user"`
	Store      StoreConfig      `yaml:"store"`
	Generation GenerationConfig `yaml:"generation"`
	Search     SearchConfig     `yaml:"search"`
	Sync       SyncConfig       `yaml:"sync"`

	// LogFormat is "json" or "console". Empty picks console on a terminal.
	LogFormat string `yaml:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `yaml:"log_level,omitempty"`
}

// UserConfig is the local identity the CLI signs in as.
type UserConfig struct {
	ID           string `yaml:"id"`
	Email        string `yaml:"email,omitempty"`
	DisplayName  string `yaml:"display_name,omitempty"`
	Personalized bool   `yaml:"personalized,omitempty"`
}

type StoreConfig struct {
	// Driver is one of sqlite, postgres or memory.
	Driver string `yaml:"driver"`
	// Path is the sqlite database file.
	Path string `yaml:"path,omitempty"`
	// DSN is the postgres connection string.
	DSN string `yaml:"dsn,omitempty"`
}

type SearchConfig struct {
	Disabled bool `yaml:"disabled,omitempty"`
	// Providers lists the search backends to fan out to (brave, tavily).
	Providers []string `yaml:"providers,omitempty"`
	// RatePerSecond throttles each provider; 0 disables throttling.
	RatePerSecond float64 `yaml:"rate_per_second,omitempty"`
	Burst         int     `yaml:"burst,omitempty"`
	TopN          int     `yaml:"top_n,omitempty"`
}

type SyncConfig struct {
	ThreadPageSize   int           `yaml:"thread_page_size,omitempty"`
	MessagePageSize  int           `yaml:"message_page_size,omitempty"`
	CacheCapacity    int           `yaml:"cache_capacity,omitempty"`
	OperationTimeout time.Duration `yaml:"operation_timeout,omitempty"`
	Retry            retry.Policy  `yaml:"retry,omitempty"`
}

// Default returns a config that runs locally against sqlite in the default directory.
func Default() *Config {
	return &Config{
		User:  UserConfig{ID: "local"},
		Store: StoreConfig{Driver: StoreSQLite, Path: filepath.Join(DefaultDir(), "threads.db")},
		Generation: GenerationConfig{Providers: []GenerationProvider{{
			ID:     "openai",
			Name:   "OpenAI",
			Type:   "openai",
			Models: []GenerationModel{{ModelName: "gpt-5-mini", IsDefault: true}},
		}}},
		Search: SearchConfig{Providers: []string{"brave", "tavily"}, RatePerSecond: 1, Burst: 2, TopN: 5},
		Sync: SyncConfig{
			ThreadPageSize:   20,
			MessagePageSize:  25,
			CacheCapacity:    20,
			OperationTimeout: 30 * time.Second,
			Retry:            retry.DefaultPolicy(),
		},
		LogLevel: "info",
	}
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if strings.TrimSpace(c.User.ID) == "" {
		return errors.New("missing user.id")
	}
	switch strings.TrimSpace(c.Store.Driver) {
	case StoreSQLite:
		if strings.TrimSpace(c.Store.Path) == "" {
			return errors.New("missing store.path for sqlite")
		}
	case StorePostgres:
		if strings.TrimSpace(c.Store.DSN) == "" {
			return errors.New("missing store.dsn for postgres")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("invalid store.driver %q", c.Store.Driver)
	}
	if err := c.Generation.Validate(); err != nil {
		return fmt.Errorf("invalid generation: %w", err)
	}
	if !c.Search.Disabled {
		seen := make(map[string]struct{}, len(c.Search.Providers))
		for i, p := range c.Search.Providers {
			p = strings.ToLower(strings.TrimSpace(p))
			switch p {
			case "brave", "tavily":
			default:
				return fmt.Errorf("search.providers[%d]: unsupported provider %q", i, p)
			}
			if _, ok := seen[p]; ok {
				return fmt.Errorf("search.providers[%d]: duplicate provider %q", i, p)
			}
			seen[p] = struct{}{}
		}
		if len(seen) < 2 {
			return errors.New("search needs at least two providers (or search.disabled: true)")
		}
	}
	if c.Search.RatePerSecond < 0 {
		return fmt.Errorf("invalid search.rate_per_second %v", c.Search.RatePerSecond)
	}
	if c.Sync.ThreadPageSize < 0 || c.Sync.MessagePageSize < 0 || c.Sync.CacheCapacity < 0 {
		return errors.New("sync sizes must not be negative")
	}
	if c.Sync.OperationTimeout < 0 {
		return fmt.Errorf("invalid sync.operation_timeout %s", c.Sync.OperationTimeout)
	}
	if c.Sync.Retry.MaxAttempts < 0 || c.Sync.Retry.MaxAttempts > 10 {
		return fmt.Errorf("invalid sync.retry.max_attempts %d (must be in [0,10])", c.Sync.Retry.MaxAttempts)
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "", "json", "console":
	default:
		return fmt.Errorf("invalid log_format %q", c.LogFormat)
	}
	return nil
}

// DefaultDir is ~/.threadsync.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return ".threadsync"
	}
	return filepath.Join(home, ".threadsync")
}

// DefaultConfigPath returns the default config path:
//
//	~/.threadsync/config.yaml
func DefaultConfigPath() string {
	return filepath.Join(DefaultDir(), "config.yaml")
}

// Load reads path over the defaults, applies THREADSYNC_* environment overrides and validates.
// A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, err
	}
	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from THREADSYNC_USER_ID, THREADSYNC_STORE_DRIVER,
// THREADSYNC_STORE_PATH, THREADSYNC_STORE_DSN, THREADSYNC_MODEL and THREADSYNC_LOG_LEVEL.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	get := func(name string) (string, bool) {
		v, ok := lookup(envPrefix + name)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	if v, ok := get("USER_ID"); ok {
		c.User.ID = v
	}
	if v, ok := get("STORE_DRIVER"); ok {
		c.Store.Driver = strings.ToLower(v)
	}
	if v, ok := get("STORE_PATH"); ok {
		c.Store.Path = v
	}
	if v, ok := get("STORE_DSN"); ok {
		c.Store.DSN = v
	}
	if v, ok := get("MODEL"); ok {
		c.Generation.Model = v
	}
	if v, ok := get("LOG_LEVEL"); ok {
		c.LogLevel = v
	}
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// RetryPolicy is the configured retry policy with defaults filled in.
func (c *Config) RetryPolicy() retry.Policy {
	p := c.Sync.Retry
	d := retry.DefaultPolicy()
	if p.MaxAttempts == 0 {
		p = d
	}
	return p
}
