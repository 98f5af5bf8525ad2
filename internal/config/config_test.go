package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	t.Parallel()

	cfg := Default()
	require.NoError(t, cfg.Validate())
	p, model, ok := cfg.Generation.Selected()
	require.True(t, ok)
	assert.Equal(t, "openai", p.ID)
	assert.Equal(t, "gpt-5-mini", model)
	assert.Equal(t, 3, cfg.RetryPolicy().MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Sync.OperationTimeout)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, StoreSQLite, cfg.Store.Driver)
}

func TestLoad_MergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
user:
  id: alice
  personalized: true
store:
  driver: memory
generation:
  providers:
    - id: claude
      type: anthropic
      models:
        - model_name: claude-sonnet
          is_default: true
        - model_name: claude-haiku
  model: claude/claude-haiku
sync:
  operation_timeout: 5s
  retry:
    max_attempts: 4
    base_delay: 250ms
log_format: json
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "alice", cfg.User.ID)
	assert.True(t, cfg.User.Personalized)
	assert.Equal(t, StoreMemory, cfg.Store.Driver)
	assert.Equal(t, 5*time.Second, cfg.Sync.OperationTimeout)
	assert.Equal(t, 25, cfg.Sync.MessagePageSize)

	policy := cfg.RetryPolicy()
	assert.Equal(t, 4, policy.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, policy.BaseDelay)
	assert.Equal(t, 4*time.Second, policy.MaxDelay)

	p, model, ok := cfg.Generation.Selected()
	require.True(t, ok)
	assert.Equal(t, "anthropic", p.Type)
	assert.Equal(t, "claude-haiku", model)
}

func TestLoad_RejectsInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("user: [oops"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	t.Parallel()

	env := map[string]string{
		"THREADSYNC_USER_ID":      "bob",
		"THREADSYNC_STORE_DRIVER": "POSTGRES",
		"THREADSYNC_STORE_DSN":    "postgres://localhost/db",
		"THREADSYNC_MODEL":        "openai/gpt-5-mini",
		"THREADSYNC_LOG_LEVEL":    " debug ",
		"THREADSYNC_STORE_PATH":   "   ",
	}
	cfg := Default()
	before := cfg.Store.Path
	cfg.ApplyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})

	assert.Equal(t, "bob", cfg.User.ID)
	assert.Equal(t, StorePostgres, cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/db", cfg.Store.DSN)
	assert.Equal(t, before, cfg.Store.Path)
	assert.Equal(t, "debug", cfg.LogLevel)
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cases := map[string]func(c *Config){
		"missing user":         func(c *Config) { c.User.ID = " " },
		"bad driver":           func(c *Config) { c.Store.Driver = "mysql" },
		"postgres without dsn": func(c *Config) { c.Store.Driver = StorePostgres },
		"one search provider":  func(c *Config) { c.Search.Providers = []string{"brave"} },
		"unknown search":       func(c *Config) { c.Search.Providers = []string{"brave", "bing"} },
		"duplicate search":     func(c *Config) { c.Search.Providers = []string{"brave", "Brave"} },
		"too many attempts":    func(c *Config) { c.Sync.Retry.MaxAttempts = 11 },
		"bad log format":       func(c *Config) { c.LogFormat = "xml" },
		"unknown model":        func(c *Config) { c.Generation.Model = "openai/gpt-9" },
		"no default model":     func(c *Config) { c.Generation.Providers[0].Models[0].IsDefault = false },
		"compatible no url":    func(c *Config) { c.Generation.Providers[0].Type = "openai_compatible" },
		"bad base url scheme":  func(c *Config) { c.Generation.Providers[0].BaseURL = "ftp://x" },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(cfg)
		assert.Error(t, cfg.Validate(), name)
	}

	disabled := Default()
	disabled.Search = SearchConfig{Disabled: true}
	assert.NoError(t, disabled.Validate())
}

func TestSave_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := Default()
	cfg.User.ID = "carol"
	cfg.Store.Driver = StoreMemory
	require.NoError(t, Save(path, cfg))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "carol", loaded.User.ID)
	assert.Equal(t, cfg.Sync, loaded.Sync)
}
