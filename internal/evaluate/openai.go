package evaluate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/openai/openai-go"
	openai_opt "github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/openground/openground/internal/catalog"
)

// OpenAIClient runs completions through the official OpenAI SDK.
type OpenAIClient struct {
	// DefaultBaseURL overrides the SDK endpoint for every call unless the
	// credential carries its own base URL.
	DefaultBaseURL string
	// HTTPClient, when set, carries instrumentation for outbound SDK calls.
	HTTPClient *http.Client
}

var _ Client = (*OpenAIClient)(nil)

func (c *OpenAIClient) Provider() string {
	return catalog.ProviderOpenAI
}

func (c *OpenAIClient) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	options := []openai_opt.RequestOption{openai_opt.WithAPIKey(req.APIKey)}
	if baseURL := firstNonEmpty(req.BaseURL, c.DefaultBaseURL); baseURL != "" {
		options = append(options, openai_opt.WithBaseURL(baseURL))
	}
	if c.HTTPClient != nil {
		options = append(options, openai_opt.WithHTTPClient(c.HTTPClient))
	}
	client := openai.NewClient(options...)

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessageParamUnion{
			OfSystem: &openai.ChatCompletionSystemMessageParam{
				Content: openai.ChatCompletionSystemMessageParamContentUnion{
					OfString: param.NewOpt(req.System),
				},
			},
		})
	}
	messages = append(messages, openai.ChatCompletionMessageParamUnion{
		OfUser: &openai.ChatCompletionUserMessageParam{
			Content: openai.ChatCompletionUserMessageParamContentUnion{
				OfString: param.NewOpt(req.Prompt),
			},
		},
	})

	params := openai.ChatCompletionNewParams{
		Model:    req.Model,
		Messages: messages,
		N:        param.NewOpt(int64(1)),
	}
	if req.Config.MaxTokens != nil && *req.Config.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(*req.Config.MaxTokens))
	}
	if req.Config.Temperature != nil {
		params.Temperature = param.NewOpt(*req.Config.Temperature)
	}
	if req.Config.TopP != nil {
		params.TopP = param.NewOpt(*req.Config.TopP)
	}

	result, err := client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai completion: %w", err)
	}
	if len(result.Choices) == 0 {
		return nil, fmt.Errorf("openai completion: response has no choices")
	}
	firstChoice := result.Choices[0]

	return &Completion{
		Text:         firstChoice.Message.Content,
		FinishReason: string(firstChoice.FinishReason),
		Usage: Usage{
			InputTokens:  result.Usage.PromptTokens,
			OutputTokens: result.Usage.CompletionTokens,
			TotalTokens:  result.Usage.TotalTokens,
		},
		Raw: json.RawMessage(result.RawJSON()),
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
