package evaluate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	anth_opt "github.com/anthropics/anthropic-sdk-go/option"

	"github.com/openground/openground/internal/catalog"
)

// Messages longer than this are unusual for playground evaluations; the cap
// keeps a runaway completion from holding a fan-out branch open.
const anthropicDefaultMaxTokens = 4096

// AnthropicClient runs completions through the official Anthropic SDK.
type AnthropicClient struct {
	DefaultBaseURL string
	HTTPClient     *http.Client
}

var _ Client = (*AnthropicClient)(nil)

func (c *AnthropicClient) Provider() string {
	return catalog.ProviderAnthropic
}

func (c *AnthropicClient) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	options := []anth_opt.RequestOption{anth_opt.WithAPIKey(req.APIKey)}
	if baseURL := firstNonEmpty(req.BaseURL, c.DefaultBaseURL); baseURL != "" {
		options = append(options, anth_opt.WithBaseURL(baseURL))
	}
	if c.HTTPClient != nil {
		options = append(options, anth_opt.WithHTTPClient(c.HTTPClient))
	}
	client := anthropic.NewClient(options...)

	maxTokens := int64(anthropicDefaultMaxTokens)
	if req.Config.MaxTokens != nil && *req.Config.MaxTokens > 0 {
		maxTokens = int64(*req.Config.MaxTokens)
	}

	params := anthropic.MessageNewParams{
		MaxTokens: maxTokens,
		Model:     anthropic.Model(req.Model),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Config.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Config.Temperature)
	}
	if req.Config.TopP != nil {
		params.TopP = anthropic.Float(*req.Config.TopP)
	}

	result, err := client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic completion: %w", err)
	}

	var text strings.Builder
	for _, block := range result.Content {
		if block.Type == "text" {
			text.WriteString(block.AsText().Text)
		}
	}

	totalInput := result.Usage.InputTokens + result.Usage.CacheCreationInputTokens + result.Usage.CacheReadInputTokens
	return &Completion{
		Text:         text.String(),
		FinishReason: string(result.StopReason),
		Usage: Usage{
			InputTokens:  totalInput,
			OutputTokens: result.Usage.OutputTokens,
			TotalTokens:  totalInput + result.Usage.OutputTokens,
		},
		Raw: json.RawMessage(result.RawJSON()),
	}, nil
}
