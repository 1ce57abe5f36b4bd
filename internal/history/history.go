// Package history is the append-only record of finished evaluations. Records
// are written asynchronously; a persistence failure never fails the
// evaluation that produced it.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var ErrNotFound = errors.New("evaluation not found")
var ErrInvalidCursor = errors.New("invalid pagination cursor")

// Scope identifies whose evaluation history is visible.
type Scope struct {
	UserID     string
	DBConfigID string
}

// Evaluation is one fan-out run: the resolved prompt, where it came from,
// and the per-provider results as they were returned to the caller.
type Evaluation struct {
	ID            string
	UserID        string
	DBConfigID    string
	Prompt        string
	SourceType    string
	PromptID      string
	PromptVersion string
	Variables     map[string]string
	Results       json.RawMessage
	ProviderCount int
	TotalCostUSD  float64
	CreatedAt     time.Time
}

// Filter narrows ListEvaluations. Cursor pages backwards through time.
type Filter struct {
	Scope  Scope
	From   time.Time
	To     time.Time
	Limit  int
	Cursor string
}

// Result is one page of evaluations plus the cursor for the next page.
type Result struct {
	Items      []*Evaluation
	NextCursor string
}

// CostSummary aggregates spend over a window.
type CostSummary struct {
	TotalCostUSD float64
	Evaluations  int64
}

// Store persists evaluation records.
type Store interface {
	WriteEvaluation(ctx context.Context, evaluation *Evaluation) error
	WriteBatch(ctx context.Context, evaluations []*Evaluation) error
	GetEvaluation(ctx context.Context, scope Scope, id string) (*Evaluation, error)
	ListEvaluations(ctx context.Context, filter Filter) (*Result, error)
	GetCostSummary(ctx context.Context, scope Scope, from, to time.Time) (*CostSummary, error)
}
