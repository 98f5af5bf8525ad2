package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// GenerationConfig is the registry of text generation providers.
//
// Exactly one providers[].models[].is_default must be true. Model, when set, overrides the
// default with a "<provider_id>/<model_name>" id and must name an allowed model.
type GenerationConfig struct {
	Providers []GenerationProvider `yaml:"providers"`
	Model     string               `yaml:"model,omitempty"`

	MaxOutputTokens int `yaml:"max_output_tokens,omitempty"`
}

type GenerationProvider struct {
	// ID is a stable id, also the secrets key for the provider's API key.
	ID   string `yaml:"id"`
	Name string `yaml:"name,omitempty"`

	// Type is one of: "openai" | "anthropic" | "openai_compatible".
	Type string `yaml:"type"`

	// BaseURL overrides the provider endpoint. Required for openai_compatible.
	BaseURL string `yaml:"base_url,omitempty"`

	Models []GenerationModel `yaml:"models"`
}

type GenerationModel struct {
	ModelName string `yaml:"model_name"`
	IsDefault bool   `yaml:"is_default,omitempty"`
}

func (c *GenerationConfig) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if len(c.Providers) == 0 {
		return errors.New("missing providers")
	}
	if c.MaxOutputTokens < 0 {
		return fmt.Errorf("invalid max_output_tokens %d", c.MaxOutputTokens)
	}
	seen := make(map[string]struct{}, len(c.Providers))
	defaultCount := 0
	for i := range c.Providers {
		p := c.Providers[i]
		id := strings.TrimSpace(p.ID)
		if id == "" {
			return fmt.Errorf("providers[%d]: missing id", i)
		}
		if strings.Contains(id, "/") {
			return fmt.Errorf("providers[%d]: invalid id %q (must not contain /)", i, id)
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("providers[%d]: duplicate id %q", i, id)
		}
		seen[id] = struct{}{}

		t := strings.TrimSpace(p.Type)
		switch t {
		case "openai", "anthropic", "openai_compatible":
		default:
			return fmt.Errorf("providers[%d]: invalid type %q", i, t)
		}

		baseURL := strings.TrimSpace(p.BaseURL)
		if t == "openai_compatible" && baseURL == "" {
			return fmt.Errorf("providers[%d]: base_url is required for openai_compatible", i)
		}
		if baseURL != "" {
			u, err := url.Parse(baseURL)
			if err != nil || u == nil {
				return fmt.Errorf("providers[%d]: invalid base_url: %w", i, err)
			}
			scheme := strings.ToLower(strings.TrimSpace(u.Scheme))
			if scheme != "http" && scheme != "https" {
				return fmt.Errorf("providers[%d]: invalid base_url scheme %q", i, u.Scheme)
			}
			if strings.TrimSpace(u.Host) == "" {
				return fmt.Errorf("providers[%d]: invalid base_url host", i)
			}
		}

		if len(p.Models) == 0 {
			return fmt.Errorf("providers[%d]: missing models", i)
		}
		names := make(map[string]struct{}, len(p.Models))
		for j, m := range p.Models {
			name := strings.TrimSpace(m.ModelName)
			if name == "" {
				return fmt.Errorf("providers[%d].models[%d]: missing model_name", i, j)
			}
			if _, ok := names[name]; ok {
				return fmt.Errorf("providers[%d].models[%d]: duplicate model_name %q", i, j, name)
			}
			names[name] = struct{}{}
			if m.IsDefault {
				defaultCount++
			}
		}
	}
	if defaultCount == 0 {
		return errors.New("missing default model (providers[].models[].is_default)")
	}
	if defaultCount > 1 {
		return errors.New("multiple default models (providers[].models[].is_default)")
	}
	if m := strings.TrimSpace(c.Model); m != "" {
		if _, _, ok := c.Resolve(m); !ok {
			return fmt.Errorf("model %q is not an allowed <provider_id>/<model_name>", m)
		}
	}
	return nil
}

// Selected returns the provider and model to use: Model when set, otherwise the default.
// It assumes Validate has passed.
func (c *GenerationConfig) Selected() (GenerationProvider, string, bool) {
	if m := strings.TrimSpace(c.Model); m != "" {
		return c.Resolve(m)
	}
	for _, p := range c.Providers {
		for _, m := range p.Models {
			if m.IsDefault {
				return p, strings.TrimSpace(m.ModelName), true
			}
		}
	}
	return GenerationProvider{}, "", false
}

// Resolve looks up a "<provider_id>/<model_name>" id.
func (c *GenerationConfig) Resolve(modelID string) (GenerationProvider, string, bool) {
	pid, name, ok := strings.Cut(strings.TrimSpace(modelID), "/")
	if !ok {
		return GenerationProvider{}, "", false
	}
	pid, name = strings.TrimSpace(pid), strings.TrimSpace(name)
	for _, p := range c.Providers {
		if strings.TrimSpace(p.ID) != pid {
			continue
		}
		for _, m := range p.Models {
			if strings.TrimSpace(m.ModelName) == name {
				return p, name, true
			}
		}
	}
	return GenerationProvider{}, "", false
}
