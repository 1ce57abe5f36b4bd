// Package catalog exposes the provider and model registry: the built-in model
// catalog plus user-defined custom models layered on top of it.
package catalog

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
)

// KnownProviders lists the providers the evaluator can dispatch to, in
// display order.
var KnownProviders = []string{ProviderOpenAI, ProviderAnthropic, ProviderGemini}

// ModelMetadata describes one model a provider can run. Prices are USD per
// one million tokens, kept as decimal strings so cost math never goes through
// binary floating point.
type ModelMetadata struct {
	ID             string   `json:"id"`
	Provider       string   `json:"provider"`
	DisplayName    string   `json:"displayName"`
	ContextWindow  int      `json:"contextWindow"`
	InputUSDPer1M  string   `json:"inputUsdPer1M"`
	OutputUSDPer1M string   `json:"outputUsdPer1M"`
	Capabilities   []string `json:"capabilities,omitempty"`
	Custom         bool     `json:"custom"`
}

// Provider groups the models available under one upstream provider id.
type Provider struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Models []ModelMetadata `json:"models"`
}

func IsKnownProvider(id string) bool {
	for _, known := range KnownProviders {
		if known == id {
			return true
		}
	}
	return false
}

// builtinModels is the static catalog. Custom models extend it per scope.
var builtinModels = []ModelMetadata{
	{
		ID:             "gpt-4o",
		Provider:       ProviderOpenAI,
		DisplayName:    "GPT-4o",
		ContextWindow:  128000,
		InputUSDPer1M:  "2.5",
		OutputUSDPer1M: "10",
		Capabilities:   []string{"chat", "vision", "tools"},
	},
	{
		ID:             "gpt-4o-mini",
		Provider:       ProviderOpenAI,
		DisplayName:    "GPT-4o mini",
		ContextWindow:  128000,
		InputUSDPer1M:  "0.15",
		OutputUSDPer1M: "0.6",
		Capabilities:   []string{"chat", "vision", "tools"},
	},
	{
		ID:             "gpt-4.1",
		Provider:       ProviderOpenAI,
		DisplayName:    "GPT-4.1",
		ContextWindow:  1047576,
		InputUSDPer1M:  "2",
		OutputUSDPer1M: "8",
		Capabilities:   []string{"chat", "vision", "tools"},
	},
	{
		ID:             "o3-mini",
		Provider:       ProviderOpenAI,
		DisplayName:    "o3-mini",
		ContextWindow:  200000,
		InputUSDPer1M:  "1.1",
		OutputUSDPer1M: "4.4",
		Capabilities:   []string{"chat", "reasoning"},
	},
	{
		ID:             "claude-opus-4-20250514",
		Provider:       ProviderAnthropic,
		DisplayName:    "Claude Opus 4",
		ContextWindow:  200000,
		InputUSDPer1M:  "15",
		OutputUSDPer1M: "75",
		Capabilities:   []string{"chat", "vision", "tools"},
	},
	{
		ID:             "claude-sonnet-4-20250514",
		Provider:       ProviderAnthropic,
		DisplayName:    "Claude Sonnet 4",
		ContextWindow:  200000,
		InputUSDPer1M:  "3",
		OutputUSDPer1M: "15",
		Capabilities:   []string{"chat", "vision", "tools"},
	},
	{
		ID:             "claude-3-5-haiku-20241022",
		Provider:       ProviderAnthropic,
		DisplayName:    "Claude 3.5 Haiku",
		ContextWindow:  200000,
		InputUSDPer1M:  "0.8",
		OutputUSDPer1M: "4",
		Capabilities:   []string{"chat", "vision", "tools"},
	},
	{
		ID:             "gemini-2.5-pro",
		Provider:       ProviderGemini,
		DisplayName:    "Gemini 2.5 Pro",
		ContextWindow:  1048576,
		InputUSDPer1M:  "1.25",
		OutputUSDPer1M: "10",
		Capabilities:   []string{"chat", "vision", "tools", "reasoning"},
	},
	{
		ID:             "gemini-2.5-flash",
		Provider:       ProviderGemini,
		DisplayName:    "Gemini 2.5 Flash",
		ContextWindow:  1048576,
		InputUSDPer1M:  "0.3",
		OutputUSDPer1M: "2.5",
		Capabilities:   []string{"chat", "vision", "tools"},
	},
	{
		ID:             "gemini-2.0-flash",
		Provider:       ProviderGemini,
		DisplayName:    "Gemini 2.0 Flash",
		ContextWindow:  1048576,
		InputUSDPer1M:  "0.1",
		OutputUSDPer1M: "0.4",
		Capabilities:   []string{"chat", "vision", "tools"},
	},
}

var providerDisplayNames = map[string]string{
	ProviderOpenAI:    "OpenAI",
	ProviderAnthropic: "Anthropic",
	ProviderGemini:    "Google Gemini",
}

// Registry answers model lookups against the built-in catalog merged with a
// scope's custom models.
type Registry struct {
	custom CustomModelStore
}

func NewRegistry(custom CustomModelStore) *Registry {
	return &Registry{custom: custom}
}

// Providers returns every known provider with its models, built-in first and
// the scope's custom models appended.
func (r *Registry) Providers(ctx context.Context, scope Scope) ([]Provider, error) {
	byProvider := make(map[string][]ModelMetadata, len(KnownProviders))
	for _, model := range builtinModels {
		byProvider[model.Provider] = append(byProvider[model.Provider], model)
	}

	customModels, err := r.customModels(ctx, scope)
	if err != nil {
		return nil, err
	}
	for _, model := range customModels {
		byProvider[model.Provider] = append(byProvider[model.Provider], model)
	}

	out := make([]Provider, 0, len(KnownProviders))
	for _, id := range KnownProviders {
		out = append(out, Provider{
			ID:     id,
			Name:   providerDisplayNames[id],
			Models: byProvider[id],
		})
	}
	return out, nil
}

// Provider returns one provider with its models by provider id.
func (r *Registry) Provider(ctx context.Context, scope Scope, id string) (*Provider, error) {
	id = strings.TrimSpace(id)
	if !IsKnownProvider(id) {
		return nil, fmt.Errorf("provider %q: %w", id, ErrNotFound)
	}

	providers, err := r.Providers(ctx, scope)
	if err != nil {
		return nil, err
	}
	for _, provider := range providers {
		if provider.ID == id {
			out := provider
			return &out, nil
		}
	}
	return nil, fmt.Errorf("provider %q: %w", id, ErrNotFound)
}

// SearchProviders matches providers whose id or display name contains the
// query, case-insensitively. Matched providers come back with their full
// model lists; an empty query returns every provider.
func (r *Registry) SearchProviders(ctx context.Context, scope Scope, query string) ([]Provider, error) {
	providers, err := r.Providers(ctx, scope)
	if err != nil {
		return nil, err
	}

	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return providers, nil
	}

	out := make([]Provider, 0, len(providers))
	for _, provider := range providers {
		if strings.Contains(strings.ToLower(provider.ID), query) ||
			strings.Contains(strings.ToLower(provider.Name), query) {
			out = append(out, provider)
		}
	}
	return out, nil
}

// Get resolves a model by id within one provider. Custom models shadow
// built-in models with the same id.
func (r *Registry) Get(ctx context.Context, scope Scope, provider, modelID string) (*ModelMetadata, error) {
	provider = strings.TrimSpace(provider)
	modelID = strings.TrimSpace(modelID)
	if provider == "" || modelID == "" {
		return nil, ErrNotFound
	}

	customModels, err := r.customModels(ctx, scope)
	if err != nil {
		return nil, err
	}
	for _, model := range customModels {
		if model.Provider == provider && model.ID == modelID {
			out := model
			return &out, nil
		}
	}

	for _, model := range builtinModels {
		if model.Provider == provider && model.ID == modelID {
			out := model
			return &out, nil
		}
	}
	return nil, fmt.Errorf("model %s/%s: %w", provider, modelID, ErrNotFound)
}

// Search matches models whose id or display name contains the query,
// case-insensitively. An empty query returns every model.
func (r *Registry) Search(ctx context.Context, scope Scope, query string) ([]ModelMetadata, error) {
	query = strings.ToLower(strings.TrimSpace(query))

	customModels, err := r.customModels(ctx, scope)
	if err != nil {
		return nil, err
	}

	candidates := make([]ModelMetadata, 0, len(builtinModels)+len(customModels))
	candidates = append(candidates, builtinModels...)
	candidates = append(candidates, customModels...)

	out := make([]ModelMetadata, 0, len(candidates))
	for _, model := range candidates {
		if query == "" ||
			strings.Contains(strings.ToLower(model.ID), query) ||
			strings.Contains(strings.ToLower(model.DisplayName), query) {
			out = append(out, model)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *Registry) customModels(ctx context.Context, scope Scope) ([]ModelMetadata, error) {
	if r == nil || r.custom == nil {
		return nil, nil
	}
	records, err := r.custom.ListCustomModels(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("list custom models: %w", err)
	}
	out := make([]ModelMetadata, 0, len(records))
	for _, record := range records {
		out = append(out, record.Metadata())
	}
	return out, nil
}
