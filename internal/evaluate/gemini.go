package evaluate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/openground/openground/internal/catalog"
)

// GeminiClient runs completions through the Google genai SDK.
type GeminiClient struct {
	DefaultBaseURL string
	HTTPClient     *http.Client
}

var _ Client = (*GeminiClient)(nil)

func (c *GeminiClient) Provider() string {
	return catalog.ProviderGemini
}

func (c *GeminiClient) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	clientConfig := &genai.ClientConfig{
		APIKey:     req.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: c.HTTPClient,
	}
	if baseURL := firstNonEmpty(req.BaseURL, c.DefaultBaseURL); baseURL != "" {
		clientConfig.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}
	client, err := genai.NewClient(ctx, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}

	contents := []*genai.Content{
		{
			Role:  genai.RoleUser,
			Parts: []*genai.Part{{Text: req.Prompt}},
		},
	}
	generateConfig := &genai.GenerateContentConfig{
		CandidateCount: 1,
	}
	if req.System != "" {
		generateConfig.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.System}},
		}
	}
	if req.Config.MaxTokens != nil && *req.Config.MaxTokens > 0 {
		generateConfig.MaxOutputTokens = int32(*req.Config.MaxTokens)
	}
	if req.Config.Temperature != nil {
		generateConfig.Temperature = genai.Ptr(float32(*req.Config.Temperature))
	}
	if req.Config.TopP != nil {
		generateConfig.TopP = genai.Ptr(float32(*req.Config.TopP))
	}

	result, err := client.Models.GenerateContent(ctx, req.Model, contents, generateConfig)
	if err != nil {
		return nil, fmt.Errorf("gemini completion: %w", err)
	}
	if len(result.Candidates) == 0 {
		return nil, fmt.Errorf("gemini completion: response has no candidates")
	}
	choice := result.Candidates[0]

	var text strings.Builder
	if choice.Content != nil {
		for _, part := range choice.Content.Parts {
			if part != nil && part.Text != "" {
				text.WriteString(part.Text)
			}
		}
	}

	var usage Usage
	if result.UsageMetadata != nil {
		usage = Usage{
			InputTokens:  int64(result.UsageMetadata.PromptTokenCount),
			OutputTokens: int64(result.UsageMetadata.CandidatesTokenCount),
			TotalTokens:  int64(result.UsageMetadata.TotalTokenCount),
		}
	}

	// The genai SDK exposes no raw body accessor; re-encoding the response
	// struct is the closest equivalent.
	raw, err := json.Marshal(result)
	if err != nil {
		raw = nil
	}

	return &Completion{
		Text:         text.String(),
		FinishReason: string(choice.FinishReason),
		Usage:        usage,
		Raw:          raw,
	}, nil
}
