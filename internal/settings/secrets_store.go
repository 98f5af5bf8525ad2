// Package settings holds user-managed secrets (provider API keys) outside the YAML config.
package settings

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Scope separates generation provider keys from search provider keys.
type Scope string

const (
	ScopeGeneration Scope = "generation"
	ScopeSearch     Scope = "search"
)

// envFallbacks maps a provider type (generation) or provider name (search) to the environment
// variable consulted when the secrets file has no key.
var envFallbacks = map[Scope]map[string]string{
	ScopeGeneration: {
		"openai":            "OPENAI_API_KEY",
		"openai_compatible": "OPENAI_API_KEY",
		"anthropic":         "ANTHROPIC_API_KEY",
	},
	ScopeSearch: {
		"brave":  "BRAVE_API_KEY",
		"tavily": "TAVILY_API_KEY",
	},
}

// SecretsStore persists API keys to a local JSON file with 0600 permissions.
//
// Keys are never printed; callers that need to show status use KeySet.
type SecretsStore struct {
	path   string
	lookup func(string) (string, bool)
	mu     sync.Mutex
}

func NewSecretsStore(path string) *SecretsStore {
	return &SecretsStore{path: filepath.Clean(strings.TrimSpace(path)), lookup: os.LookupEnv}
}

// WithEnv replaces the environment lookup used for fallbacks.
func (s *SecretsStore) WithEnv(lookup func(string) (string, bool)) *SecretsStore {
	if lookup != nil {
		s.lookup = lookup
	}
	return s
}

func (s *SecretsStore) Path() string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(s.path)
}

type secretsFile struct {
	SchemaVersion int           `json:"schema_version"`
	Generation    *providerKeys `json:"generation,omitempty"`
	Search        *providerKeys `json:"search,omitempty"`
}

type providerKeys struct {
	APIKeys map[string]string `json:"api_keys,omitempty"`
}

func (sf *secretsFile) section(scope Scope, create bool) (*providerKeys, error) {
	var slot **providerKeys
	switch scope {
	case ScopeGeneration:
		slot = &sf.Generation
	case ScopeSearch:
		slot = &sf.Search
	default:
		return nil, errors.New("unknown secrets scope")
	}
	if *slot == nil && create {
		*slot = &providerKeys{}
	}
	if *slot != nil && (*slot).APIKeys == nil && create {
		(*slot).APIKeys = make(map[string]string)
	}
	return *slot, nil
}

func (s *SecretsStore) getKeyLocked(scope Scope, id string) (string, bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", false, errors.New("missing provider id")
	}
	sf, err := s.loadLocked()
	if err != nil {
		return "", false, err
	}
	sec, err := sf.section(scope, false)
	if err != nil || sec == nil {
		return "", false, err
	}
	v := strings.TrimSpace(sec.APIKeys[id])
	return v, v != "", nil
}

func (s *SecretsStore) GetAPIKey(scope Scope, id string) (string, bool, error) {
	if s == nil {
		return "", false, errors.New("nil secrets store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getKeyLocked(scope, id)
}

// ResolveAPIKey returns the stored key for id, falling back to the environment variable for
// kind (the provider type for generation, the provider name for search).
func (s *SecretsStore) ResolveAPIKey(scope Scope, id string, kind string) (string, bool, error) {
	v, ok, err := s.GetAPIKey(scope, id)
	if err != nil || ok {
		return v, ok, err
	}
	name := envFallbacks[scope][strings.ToLower(strings.TrimSpace(kind))]
	if name == "" || s.lookup == nil {
		return "", false, nil
	}
	env, found := s.lookup(name)
	env = strings.TrimSpace(env)
	return env, found && env != "", nil
}

func (s *SecretsStore) SetAPIKey(scope Scope, id string, apiKey string) error {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return errors.New("missing api key")
	}
	return s.ApplyPatches(scope, []KeyPatch{{ProviderID: id, APIKey: &apiKey}})
}

func (s *SecretsStore) ClearAPIKey(scope Scope, id string) error {
	return s.ApplyPatches(scope, []KeyPatch{{ProviderID: id}})
}

type KeyPatch struct {
	ProviderID string
	// APIKey is the new key to set. If nil, the key is cleared.
	APIKey *string
}

func (s *SecretsStore) ApplyPatches(scope Scope, patches []KeyPatch) error {
	if s == nil {
		return errors.New("nil secrets store")
	}
	if len(patches) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sf, err := s.loadLocked()
	if err != nil {
		return err
	}
	sec, err := sf.section(scope, true)
	if err != nil {
		return err
	}
	for _, p := range patches {
		id := strings.TrimSpace(p.ProviderID)
		if id == "" {
			return errors.New("missing provider id")
		}
		if p.APIKey == nil {
			delete(sec.APIKeys, id)
			continue
		}
		key := strings.TrimSpace(*p.APIKey)
		if key == "" {
			return errors.New("missing api key")
		}
		sec.APIKeys[id] = key
	}
	if len(sec.APIKeys) == 0 {
		sec.APIKeys = nil
	}
	return s.saveLocked(sf)
}

// KeySet reports which of ids have a stored key.
func (s *SecretsStore) KeySet(scope Scope, ids []string) (map[string]bool, error) {
	if s == nil {
		return nil, errors.New("nil secrets store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sf, err := s.loadLocked()
	if err != nil {
		return nil, err
	}
	sec, err := sf.section(scope, false)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		out[id] = sec != nil && strings.TrimSpace(sec.APIKeys[id]) != ""
	}
	return out, nil
}

func (s *SecretsStore) loadLocked() (*secretsFile, error) {
	path := strings.TrimSpace(s.path)
	if path == "" || path == "." {
		return nil, errors.New("missing secrets path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &secretsFile{SchemaVersion: 1}, nil
		}
		return nil, err
	}
	var sf secretsFile
	if err := json.Unmarshal(b, &sf); err != nil {
		return nil, err
	}
	if sf.SchemaVersion == 0 {
		sf.SchemaVersion = 1
	}
	return &sf, nil
}

func (s *SecretsStore) saveLocked(sf *secretsFile) error {
	path := strings.TrimSpace(s.path)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
