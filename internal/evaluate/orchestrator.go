package evaluate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/openground/openground/internal/history"
	"github.com/openground/openground/internal/prompt"
)

// ErrNoProviders rejects evaluation requests with an empty provider list.
var ErrNoProviders = errors.New("at least one provider is required")

// Run is one full evaluation request: a prompt source fanned out to a set of
// provider branches.
type Run struct {
	Source   prompt.Source `json:"promptSource"`
	Requests []Request     `json:"providers"`
}

// Outcome is what the caller gets back from a fan-out.
type Outcome struct {
	EvaluationID string   `json:"evaluationId"`
	Prompt       string   `json:"prompt"`
	Results      []Result `json:"providerResults"`
	TotalCostUSD float64  `json:"totalCostUsd"`
}

// BranchObserver receives one callback per finished provider branch, e.g. to
// feed metrics. It must not block.
type BranchObserver func(provider string, failed bool)

// Orchestrator resolves the prompt once, fans it out to every requested
// provider, and records the run in history.
type Orchestrator struct {
	resolver      *prompt.Resolver
	evaluator     *Evaluator
	writer        *history.Writer
	logger        *slog.Logger
	observeBranch BranchObserver
	skipRawOnDisk bool
}

// SetBranchObserver installs the per-branch callback. Call before serving.
func (o *Orchestrator) SetBranchObserver(fn BranchObserver) {
	if o == nil {
		return
	}
	o.observeBranch = fn
}

// SetRawResponseCapture controls whether persisted history records keep the
// raw provider response payloads. The caller's Outcome always carries them.
func (o *Orchestrator) SetRawResponseCapture(enabled bool) {
	if o == nil {
		return
	}
	o.skipRawOnDisk = !enabled
}

func NewOrchestrator(resolver *prompt.Resolver, evaluator *Evaluator, writer *history.Writer, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		resolver:  resolver,
		evaluator: evaluator,
		writer:    writer,
		logger:    logger,
	}
}

// Evaluate runs one fan-out. It errors only on prompt resolution failure or
// an empty provider list; branch failures come back inside Outcome.Results,
// and history persistence problems are logged but never surfaced.
func (o *Orchestrator) Evaluate(ctx context.Context, scope Scope, run Run) (*Outcome, error) {
	if len(run.Requests) == 0 {
		return nil, ErrNoProviders
	}

	resolved, err := o.resolver.Resolve(ctx, prompt.Scope(scope), run.Source)
	if err != nil {
		return nil, fmt.Errorf("resolve prompt: %w", err)
	}

	results := o.evaluator.Evaluate(ctx, scope, resolved, run.Requests)
	if o.observeBranch != nil {
		for _, result := range results {
			o.observeBranch(result.Provider, result.Failed())
		}
	}

	outcome := &Outcome{
		EvaluationID: uuid.NewString(),
		Prompt:       resolved,
		Results:      results,
		TotalCostUSD: TotalCostUSD(results),
	}
	o.record(scope, run, outcome)
	return outcome, nil
}

// record enqueues the run for async persistence. History is best-effort: a
// full queue or stopped writer drops the record with a warning.
func (o *Orchestrator) record(scope Scope, run Run, outcome *Outcome) {
	if o.writer == nil {
		return
	}

	results := outcome.Results
	if o.skipRawOnDisk {
		trimmed := make([]Result, len(results))
		copy(trimmed, results)
		for idx := range trimmed {
			trimmed[idx].RawResponse = nil
		}
		results = trimmed
	}

	resultsJSON, err := json.Marshal(results)
	if err != nil {
		o.logger.Warn("evaluation results not recordable",
			"evaluation_id", outcome.EvaluationID,
			"error", err)
		return
	}

	accepted := o.writer.Enqueue(&history.Evaluation{
		ID:            outcome.EvaluationID,
		UserID:        scope.UserID,
		DBConfigID:    scope.DBConfigID,
		Prompt:        outcome.Prompt,
		SourceType:    run.Source.Type,
		PromptID:      run.Source.PromptID,
		PromptVersion: run.Source.Version,
		Variables:     run.Source.Variables,
		Results:       json.RawMessage(resultsJSON),
		ProviderCount: len(outcome.Results),
		TotalCostUSD:  outcome.TotalCostUSD,
	})
	if !accepted {
		o.logger.Warn("history queue full, evaluation record dropped",
			"evaluation_id", outcome.EvaluationID,
			"providers", len(outcome.Results))
	}
}
