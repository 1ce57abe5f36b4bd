package evaluate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/openground/openground/internal/catalog"
	"github.com/openground/openground/internal/vault"
)

// FinishReasonError marks branches that failed before or during the SDK
// call. Callers can tell failures apart from truncation or stop sequences.
const FinishReasonError = "error"

const errProviderNotConfigured = "Provider not configured"

// Scope identifies whose credentials and custom pricing apply to a run.
type Scope struct {
	UserID     string
	DBConfigID string
}

// Request names one provider branch of a fan-out. Config is optional;
// absent sampling parameters fall back to the provider SDK's defaults.
type Request struct {
	Provider string            `json:"provider"`
	Model    string            `json:"model"`
	System   string            `json:"system,omitempty"`
	Config   *GenerationConfig `json:"config,omitempty"`
}

// Result is the outcome of one provider branch. Failures are encoded in
// Error and FinishReason; a Result is produced for every Request no matter
// what happened on the branch. Config echoes the request's sampling
// parameters and RawResponse carries the provider's response verbatim.
type Result struct {
	Provider     string            `json:"provider"`
	Model        string            `json:"model"`
	Config       *GenerationConfig `json:"config,omitempty"`
	Response     string            `json:"response"`
	Error        string            `json:"error,omitempty"`
	FinishReason string            `json:"finishReason"`
	LatencyMS    int64             `json:"latencyMs"`
	Usage        Usage             `json:"usage"`
	CostUSD      float64           `json:"costUsd"`
	RawResponse  json.RawMessage   `json:"rawProviderResponse,omitempty"`
}

// Failed reports whether the branch produced an error instead of a
// completion.
func (r Result) Failed() bool {
	return r.Error != ""
}

// Evaluator runs provider branches: credential lookup, SDK call, latency and
// cost accounting.
type Evaluator struct {
	clients     *ClientRegistry
	credentials vault.Store
	models      *catalog.Registry
	logger      *slog.Logger
}

func NewEvaluator(clients *ClientRegistry, credentials vault.Store, models *catalog.Registry, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{
		clients:     clients,
		credentials: credentials,
		models:      models,
		logger:      logger,
	}
}

// Evaluate runs every request concurrently against one resolved prompt and
// returns results in request order. Branches are independent: a failure or
// panic on one never disturbs the others.
func (e *Evaluator) Evaluate(ctx context.Context, scope Scope, prompt string, requests []Request) []Result {
	results := make([]Result, len(requests))
	var wg sync.WaitGroup

	for idx, request := range requests {
		idx, request := idx, request
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("provider evaluation panicked",
						"provider", request.Provider,
						"model", request.Model,
						"panic", fmt.Sprint(r),
						"stack", string(debug.Stack()))
					results[idx] = Result{
						Provider:     request.Provider,
						Model:        request.Model,
						Error:        fmt.Sprintf("internal error: %v", r),
						FinishReason: FinishReasonError,
					}
				}
			}()
			results[idx] = e.EvaluateProvider(ctx, scope, prompt, request)
		}()
	}

	wg.Wait()
	return results
}

// EvaluateProvider runs a single branch. It never returns an error: every
// failure mode is encoded into the Result.
func (e *Evaluator) EvaluateProvider(ctx context.Context, scope Scope, prompt string, request Request) Result {
	result := Result{
		Provider: strings.TrimSpace(request.Provider),
		Model:    strings.TrimSpace(request.Model),
		Config:   request.Config,
	}

	// The clock starts before credential resolution so failed branches still
	// report the elapsed time up to the point of failure.
	start := time.Now()

	client, err := e.clients.Get(result.Provider)
	if err != nil {
		result.Error = fmt.Sprintf("Unknown provider: %s", result.Provider)
		result.FinishReason = FinishReasonError
		result.LatencyMS = time.Since(start).Milliseconds()
		return result
	}

	credential, err := e.credentials.GetCredential(ctx, vault.Scope(scope), result.Provider)
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			result.Error = errProviderNotConfigured
		} else {
			e.logger.Error("credential lookup failed",
				"provider", result.Provider,
				"error", err)
			result.Error = errProviderNotConfigured
		}
		result.FinishReason = FinishReasonError
		result.LatencyMS = time.Since(start).Milliseconds()
		return result
	}

	completionRequest := CompletionRequest{
		Model:   result.Model,
		Prompt:  prompt,
		System:  request.System,
		APIKey:  credential.APIKey,
		BaseURL: credential.BaseURL,
	}
	if request.Config != nil {
		completionRequest.Config = *request.Config
	}

	completion, err := client.Complete(ctx, completionRequest)
	result.LatencyMS = time.Since(start).Milliseconds()

	if err != nil {
		result.Error = err.Error()
		result.FinishReason = FinishReasonError
		return result
	}

	result.Response = completion.Text
	result.FinishReason = completion.FinishReason
	result.Usage = completion.Usage
	result.RawResponse = completion.Raw
	result.CostUSD = e.estimateCost(ctx, scope, result.Provider, result.Model, completion.Usage)
	return result
}

// estimateCost prices the branch from catalog metadata. Models without
// pricing cost zero and log a warning instead of failing the branch.
func (e *Evaluator) estimateCost(ctx context.Context, scope Scope, provider, model string, usage Usage) float64 {
	if e.models == nil {
		return 0
	}

	metadata, err := e.models.Get(ctx, catalog.Scope(scope), provider, model)
	if err != nil {
		e.logger.Warn("no pricing for model, recording zero cost",
			"provider", provider,
			"model", model)
		return 0
	}

	cost, err := EstimateCostUSD(usage, metadata.InputUSDPer1M, metadata.OutputUSDPer1M)
	if err != nil {
		e.logger.Warn("model pricing unparsable, recording zero cost",
			"provider", provider,
			"model", model,
			"error", err)
		return 0
	}
	return cost
}

// TotalCostUSD sums branch costs for one fan-out.
func TotalCostUSD(results []Result) float64 {
	total := 0.0
	for _, result := range results {
		total += result.CostUSD
	}
	return total
}
