package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/openground/openground/internal/evaluate"
	"github.com/openground/openground/internal/history"
	"github.com/openground/openground/internal/limits"
	"github.com/openground/openground/internal/prompt"
)

const maxEvaluationBodyBytes = 1 << 20

type evaluationsResponse struct {
	Items      []evaluationSummary `json:"items"`
	NextCursor string              `json:"nextCursor,omitempty"`
}

type evaluationSummary struct {
	ID            string    `json:"id"`
	SourceType    string    `json:"sourceType"`
	PromptID      string    `json:"promptId,omitempty"`
	PromptVersion string    `json:"promptVersion,omitempty"`
	Prompt        string    `json:"prompt"`
	ProviderCount int       `json:"providerCount"`
	TotalCostUSD  float64   `json:"totalCostUsd"`
	CreatedAt     time.Time `json:"createdAt"`
}

type evaluationDetail struct {
	evaluationSummary
	Variables map[string]string `json:"variables,omitempty"`
	Results   json.RawMessage   `json:"providerResults"`
}

// EvaluationsHandler runs prompt fan-outs on POST and pages recorded history
// on GET.
func EvaluationsHandler(orchestrator *evaluate.Orchestrator, store history.Store, limiter *limits.Limiter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			handleEvaluate(w, r, orchestrator, limiter)
		case http.MethodGet:
			handleListEvaluations(w, r, store)
		default:
			w.Header().Set("Allow", "GET, POST, OPTIONS")
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	})
}

func handleEvaluate(w http.ResponseWriter, r *http.Request, orchestrator *evaluate.Orchestrator, limiter *limits.Limiter) {
	if orchestrator == nil {
		writeError(w, http.StatusServiceUnavailable, "evaluation service unavailable")
		return
	}

	userID, dbConfigID := requestScope(r)
	scope := evaluate.Scope{UserID: userID, DBConfigID: dbConfigID}

	if limiter != nil {
		decision, err := limiter.Check(r.Context(), authIdentity(r))
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "usage limit check unavailable")
			return
		}
		if decision != nil {
			if decision.RetryAfterSeconds > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(decision.RetryAfterSeconds))
			}
			writeError(w, http.StatusTooManyRequests, decision.Message)
			return
		}
	}

	var run evaluate.Run
	body := http.MaxBytesReader(w, r.Body, maxEvaluationBodyBytes)
	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&run); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		writeError(w, http.StatusBadRequest, "request body must contain a single JSON object")
		return
	}

	outcome, err := orchestrator.Evaluate(r.Context(), scope, run)
	if err != nil {
		switch {
		case errors.Is(err, evaluate.ErrNoProviders):
			writeError(w, http.StatusBadRequest, "at least one provider is required")
		case errors.Is(err, prompt.ErrEmptyPrompt), errors.Is(err, prompt.ErrNotFound):
			writeError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "evaluation failed")
		}
		return
	}

	writeSuccess(w, http.StatusOK, outcome)
}

func handleListEvaluations(w http.ResponseWriter, r *http.Request, store history.Store) {
	if store == nil {
		writeError(w, http.StatusServiceUnavailable, "history unavailable")
		return
	}

	userID, dbConfigID := requestScope(r)
	filter := history.Filter{
		Scope:  history.Scope{UserID: userID, DBConfigID: dbConfigID},
		Cursor: strings.TrimSpace(r.URL.Query().Get("cursor")),
	}

	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}
	var err error
	if filter.From, err = parseTimeParam(r, "from"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if filter.To, err = parseTimeParam(r, "to"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := store.ListEvaluations(r.Context(), filter)
	if err != nil {
		if errors.Is(err, history.ErrInvalidCursor) {
			writeError(w, http.StatusBadRequest, "invalid cursor")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to list evaluations")
		return
	}

	items := make([]evaluationSummary, 0, len(result.Items))
	for _, item := range result.Items {
		items = append(items, summarizeEvaluation(item))
	}
	writeSuccess(w, http.StatusOK, evaluationsResponse{
		Items:      items,
		NextCursor: result.NextCursor,
	})
}

// EvaluationDetailHandler serves one recorded evaluation by id.
func EvaluationDetailHandler(store history.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if store == nil {
			writeError(w, http.StatusServiceUnavailable, "history unavailable")
			return
		}

		id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/openground/evaluations/"), "/")
		if id == "" || strings.Contains(id, "/") {
			writeError(w, http.StatusNotFound, "evaluation not found")
			return
		}

		userID, dbConfigID := requestScope(r)
		record, err := store.GetEvaluation(r.Context(), history.Scope{UserID: userID, DBConfigID: dbConfigID}, id)
		if err != nil {
			if errors.Is(err, history.ErrNotFound) {
				writeError(w, http.StatusNotFound, "evaluation not found")
				return
			}
			writeError(w, http.StatusInternalServerError, "failed to load evaluation")
			return
		}

		writeSuccess(w, http.StatusOK, evaluationDetail{
			evaluationSummary: summarizeEvaluation(record),
			Variables:         record.Variables,
			Results:           record.Results,
		})
	})
}

func summarizeEvaluation(record *history.Evaluation) evaluationSummary {
	return evaluationSummary{
		ID:            record.ID,
		SourceType:    record.SourceType,
		PromptID:      record.PromptID,
		PromptVersion: record.PromptVersion,
		Prompt:        record.Prompt,
		ProviderCount: record.ProviderCount,
		TotalCostUSD:  record.TotalCostUSD,
		CreatedAt:     record.CreatedAt,
	}
}

func parseTimeParam(r *http.Request, name string) (time.Time, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return time.Time{}, nil
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, errors.New(name + " must be an RFC 3339 timestamp")
	}
	return parsed, nil
}
