package settings

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noEnv(string) (string, bool) { return "", false }

func TestSecretsStore_SetGetClear(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "secrets.json")
	s := NewSecretsStore(path).WithEnv(noEnv)

	_, ok, err := s.GetAPIKey(ScopeGeneration, "openai")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetAPIKey(ScopeGeneration, "openai", "  sk-1  "))
	require.NoError(t, s.SetAPIKey(ScopeSearch, "brave", "bk"))

	v, ok, err := s.GetAPIKey(ScopeGeneration, "openai")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "sk-1", v)

	_, ok, err = s.GetAPIKey(ScopeSearch, "openai")
	require.NoError(t, err)
	assert.False(t, ok, "scopes are separate")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	set, err := s.KeySet(ScopeSearch, []string{"brave", "tavily", " "})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"brave": true, "tavily": false}, set)

	require.NoError(t, s.ClearAPIKey(ScopeGeneration, "openai"))
	_, ok, err = s.GetAPIKey(ScopeGeneration, "openai")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSecretsStore_ResolveFallsBackToEnv(t *testing.T) {
	t.Parallel()

	env := map[string]string{"ANTHROPIC_API_KEY": "ant-env", "TAVILY_API_KEY": " "}
	s := NewSecretsStore(filepath.Join(t.TempDir(), "secrets.json")).WithEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})

	v, ok, err := s.ResolveAPIKey(ScopeGeneration, "claude", "anthropic")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "ant-env", v)

	_, ok, err = s.ResolveAPIKey(ScopeSearch, "tavily", "tavily")
	require.NoError(t, err)
	assert.False(t, ok, "blank env values do not count")

	require.NoError(t, s.SetAPIKey(ScopeGeneration, "claude", "ant-file"))
	v, _, err = s.ResolveAPIKey(ScopeGeneration, "claude", "anthropic")
	require.NoError(t, err)
	assert.Equal(t, "ant-file", v, "stored keys win over the environment")
}

func TestSecretsStore_Validation(t *testing.T) {
	t.Parallel()

	s := NewSecretsStore(filepath.Join(t.TempDir(), "secrets.json"))
	assert.Error(t, s.SetAPIKey(ScopeGeneration, "openai", " "))
	assert.Error(t, s.SetAPIKey(ScopeGeneration, " ", "k"))
	assert.Error(t, s.SetAPIKey(Scope("other"), "openai", "k"))
	assert.NoError(t, s.ApplyPatches(ScopeGeneration, nil))

	var nilStore *SecretsStore
	_, _, err := nilStore.GetAPIKey(ScopeGeneration, "x")
	assert.Error(t, err)
}
