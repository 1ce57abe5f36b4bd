// Package evaluate fans a resolved prompt out to provider SDKs and collects
// per-provider results. A branch failure is data, not an error: every
// requested provider produces exactly one Result.
package evaluate

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// GenerationConfig carries the optional sampling parameters for one branch.
// Nil fields are left out of the provider call so the SDK's own defaults
// apply.
type GenerationConfig struct {
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"maxTokens,omitempty"`
	TopP        *float64 `json:"topP,omitempty"`
}

// CompletionRequest carries everything one SDK call needs, including the
// caller's credential for the provider.
type CompletionRequest struct {
	Model   string
	Prompt  string
	System  string
	APIKey  string
	BaseURL string
	Config  GenerationConfig
}

// Usage is the token accounting a provider reported for one completion.
type Usage struct {
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
	TotalTokens  int64 `json:"totalTokens"`
}

// Completion is the successful outcome of one SDK call. Raw holds the
// provider's response body as the SDK reported it.
type Completion struct {
	Text         string
	FinishReason string
	Usage        Usage
	Raw          json.RawMessage
}

// Client adapts one provider SDK to the evaluator.
type Client interface {
	// Provider returns the provider id this client serves.
	Provider() string
	// Complete runs a single prompt completion against the provider.
	Complete(ctx context.Context, req CompletionRequest) (*Completion, error)
}

// ClientRegistry resolves provider ids to SDK clients. Lookups for providers
// without a registered client fail rather than falling through.
type ClientRegistry struct {
	clients map[string]Client
}

func NewClientRegistry(clients ...Client) *ClientRegistry {
	registry := &ClientRegistry{clients: make(map[string]Client, len(clients))}
	for _, client := range clients {
		if client == nil {
			continue
		}
		registry.clients[client.Provider()] = client
	}
	return registry
}

// Register adds or replaces the client for a provider.
func (r *ClientRegistry) Register(client Client) {
	if r == nil || client == nil {
		return
	}
	r.clients[client.Provider()] = client
}

// Get returns the client for a provider id.
func (r *ClientRegistry) Get(provider string) (Client, error) {
	provider = strings.TrimSpace(provider)
	if r == nil {
		return nil, fmt.Errorf("no client registered for provider %q", provider)
	}
	client, ok := r.clients[provider]
	if !ok {
		return nil, fmt.Errorf("no client registered for provider %q", provider)
	}
	return client, nil
}

// Providers lists the registered provider ids in stable order.
func (r *ClientRegistry) Providers() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.clients))
	for provider := range r.clients {
		out = append(out, provider)
	}
	sort.Strings(out)
	return out
}
