package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openground/openground/internal/catalog"
	"github.com/openground/openground/internal/evaluate"
	"github.com/openground/openground/internal/history"
	"github.com/openground/openground/internal/limits"
	"github.com/openground/openground/internal/prompt"
	"github.com/openground/openground/internal/vault"
)

type stubClient struct {
	provider   string
	completion *evaluate.Completion
	err        error

	mu          sync.Mutex
	lastRequest evaluate.CompletionRequest
}

func (c *stubClient) Provider() string { return c.provider }

func (c *stubClient) Complete(_ context.Context, req evaluate.CompletionRequest) (*evaluate.Completion, error) {
	c.mu.Lock()
	c.lastRequest = req
	c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	return c.completion, nil
}

func (c *stubClient) received() evaluate.CompletionRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRequest
}

type stubHistory struct {
	evaluations map[string]*history.Evaluation
	listResult  *history.Result
}

func (s *stubHistory) WriteEvaluation(_ context.Context, evaluation *history.Evaluation) error {
	if s.evaluations == nil {
		s.evaluations = map[string]*history.Evaluation{}
	}
	s.evaluations[evaluation.ID] = evaluation
	return nil
}

func (s *stubHistory) WriteBatch(ctx context.Context, evaluations []*history.Evaluation) error {
	for _, evaluation := range evaluations {
		if err := s.WriteEvaluation(ctx, evaluation); err != nil {
			return err
		}
	}
	return nil
}

func (s *stubHistory) GetEvaluation(_ context.Context, scope history.Scope, id string) (*history.Evaluation, error) {
	record, ok := s.evaluations[id]
	if !ok || record.UserID != scope.UserID {
		return nil, history.ErrNotFound
	}
	return record, nil
}

func (s *stubHistory) ListEvaluations(_ context.Context, filter history.Filter) (*history.Result, error) {
	if filter.Cursor == "broken" {
		return nil, history.ErrInvalidCursor
	}
	if s.listResult != nil {
		return s.listResult, nil
	}
	return &history.Result{}, nil
}

func (s *stubHistory) GetCostSummary(context.Context, history.Scope, time.Time, time.Time) (*history.CostSummary, error) {
	return &history.CostSummary{}, nil
}

func newTestRouter(t *testing.T, limiter *limits.Limiter, hist history.Store) http.Handler {
	t.Helper()
	router, _ := newTestRouterWithClient(t, limiter, hist)
	return router
}

func newTestRouterWithClient(t *testing.T, limiter *limits.Limiter, hist history.Store) (http.Handler, *stubClient) {
	t.Helper()

	registry := catalog.NewRegistry(catalog.NewStaticCustomModelStore(nil))
	credentials := vault.NewStaticStore([]vault.Credential{
		{UserID: "default", DBConfigID: "default", Provider: catalog.ProviderOpenAI, APIKey: "sk-proj-abcd1234efgh5678"},
	})
	prompts := prompt.NewStaticStore([]prompt.Prompt{
		{UserID: "default", DBConfigID: "default", Name: "greeting", Version: "1", Content: "Hello {{ name }}!"},
	})

	client := &stubClient{
		provider: catalog.ProviderOpenAI,
		completion: &evaluate.Completion{
			Text:         "stubbed response",
			FinishReason: "stop",
			Usage:        evaluate.Usage{InputTokens: 1_000_000, OutputTokens: 500_000, TotalTokens: 1_500_000},
		},
	}
	evaluator := evaluate.NewEvaluator(evaluate.NewClientRegistry(client), credentials, registry, nil)
	orchestrator := evaluate.NewOrchestrator(prompt.NewResolver(prompts), evaluator, nil, nil)

	return NewRouter(RouterOptions{
		AppVersion:    "test",
		StorageDriver: "sqlite",
		Orchestrator:  orchestrator,
		History:       hist,
		Catalog:       registry,
		CustomModels:  catalog.NewStaticCustomModelStore(nil),
		Prompts:       prompts,
		Credentials:   credentials,
		Limiter:       limiter,
	}), client
}

func decodeSuccess(t *testing.T, body *bytes.Buffer) map[string]any {
	t.Helper()
	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   string          `json:"error"`
	}
	if err := json.Unmarshal(body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, body.String())
	}
	if !envelope.Success {
		t.Fatalf("success=false, error=%q", envelope.Error)
	}
	var data map[string]any
	if err := json.Unmarshal(envelope.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	return data
}

func TestEvaluateEndpoint(t *testing.T) {
	t.Parallel()

	router := newTestRouter(t, nil, &stubHistory{})

	payload := `{
		"promptSource": {"type": "custom", "content": "Summarize: {{ topic }}", "variables": {"topic": "go"}},
		"providers": [{"provider": "openai", "model": "gpt-4o"}]
	}`
	request := httptest.NewRequest(http.MethodPost, "/api/openground/evaluations", strings.NewReader(payload))
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", recorder.Code, recorder.Body.String())
	}
	data := decodeSuccess(t, recorder.Body)
	if data["prompt"] != "Summarize: go" {
		t.Errorf("prompt = %v, want substituted text", data["prompt"])
	}
	results, ok := data["providerResults"].([]any)
	if !ok || len(results) != 1 {
		t.Fatalf("providerResults = %v, want one result", data["providerResults"])
	}
	result := results[0].(map[string]any)
	if result["response"] != "stubbed response" {
		t.Errorf("response = %v, want stubbed response", result["response"])
	}
	if data["totalCostUsd"].(float64) != 7.5 {
		t.Errorf("totalCostUsd = %v, want 7.5", data["totalCostUsd"])
	}
}

func TestEvaluateEndpointPassesGenerationConfig(t *testing.T) {
	t.Parallel()

	router, client := newTestRouterWithClient(t, nil, &stubHistory{})

	payload := `{
		"promptSource": {"type": "custom", "content": "hi"},
		"providers": [{"provider": "openai", "model": "gpt-4o", "config": {"temperature": 0.7, "maxTokens": 256, "topP": 0.9}}]
	}`
	request := httptest.NewRequest(http.MethodPost, "/api/openground/evaluations", strings.NewReader(payload))
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", recorder.Code, recorder.Body.String())
	}

	received := client.received().Config
	if received.Temperature == nil || *received.Temperature != 0.7 {
		t.Errorf("temperature passed to client = %v, want 0.7", received.Temperature)
	}
	if received.MaxTokens == nil || *received.MaxTokens != 256 {
		t.Errorf("maxTokens passed to client = %v, want 256", received.MaxTokens)
	}
	if received.TopP == nil || *received.TopP != 0.9 {
		t.Errorf("topP passed to client = %v, want 0.9", received.TopP)
	}

	data := decodeSuccess(t, recorder.Body)
	results := data["providerResults"].([]any)
	result := results[0].(map[string]any)
	config, ok := result["config"].(map[string]any)
	if !ok {
		t.Fatalf("result config = %v, want echoed object", result["config"])
	}
	if config["temperature"] != 0.7 || config["maxTokens"] != float64(256) || config["topP"] != 0.9 {
		t.Errorf("echoed config = %v, want the request's parameters", config)
	}
}

func TestEvaluateEndpointConfigOptional(t *testing.T) {
	t.Parallel()

	router, client := newTestRouterWithClient(t, nil, &stubHistory{})

	payload := `{"promptSource": {"type": "custom", "content": "hi"}, "providers": [{"provider": "openai", "model": "gpt-4o"}]}`
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/api/openground/evaluations", strings.NewReader(payload)))

	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", recorder.Code, recorder.Body.String())
	}
	received := client.received().Config
	if received.Temperature != nil || received.MaxTokens != nil || received.TopP != nil {
		t.Errorf("client received config %+v, want all parameters unset", received)
	}
	data := decodeSuccess(t, recorder.Body)
	results := data["providerResults"].([]any)
	result := results[0].(map[string]any)
	if _, present := result["config"]; present {
		t.Errorf("result carries config %v, want field omitted", result["config"])
	}
}

func TestEvaluateEndpointValidation(t *testing.T) {
	t.Parallel()

	router := newTestRouter(t, nil, &stubHistory{})

	tests := []struct {
		name       string
		payload    string
		wantStatus int
	}{
		{
			name:       "empty providers",
			payload:    `{"promptSource": {"type": "custom", "content": "hi"}, "providers": []}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "malformed json",
			payload:    `{"promptSource": `,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unknown field",
			payload:    `{"promptSource": {"type": "custom", "content": "hi"}, "providers": [{"provider": "openai", "model": "gpt-4o"}], "extra": 1}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "missing stored prompt",
			payload:    `{"promptSource": {"type": "prompt-hub", "promptId": "nope"}, "providers": [{"provider": "openai", "model": "gpt-4o"}]}`,
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name:       "blank prompt",
			payload:    `{"promptSource": {"type": "custom", "content": "   "}, "providers": [{"provider": "openai", "model": "gpt-4o"}]}`,
			wantStatus: http.StatusUnprocessableEntity,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			request := httptest.NewRequest(http.MethodPost, "/api/openground/evaluations", strings.NewReader(tt.payload))
			recorder := httptest.NewRecorder()
			router.ServeHTTP(recorder, request)
			if recorder.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", recorder.Code, tt.wantStatus, recorder.Body.String())
			}
		})
	}
}

func TestEvaluateEndpointRateLimited(t *testing.T) {
	t.Parallel()

	limiter := limits.NewLimiter(nil, limits.Policy{RequestsPerMinute: 1})
	router := newTestRouter(t, limiter, &stubHistory{})

	payload := `{"promptSource": {"type": "custom", "content": "hi"}, "providers": [{"provider": "openai", "model": "gpt-4o"}]}`
	first := httptest.NewRecorder()
	router.ServeHTTP(first, httptest.NewRequest(http.MethodPost, "/api/openground/evaluations", strings.NewReader(payload)))
	if first.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", first.Code)
	}

	second := httptest.NewRecorder()
	router.ServeHTTP(second, httptest.NewRequest(http.MethodPost, "/api/openground/evaluations", strings.NewReader(payload)))
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", second.Code)
	}
	if second.Header().Get("Retry-After") == "" {
		t.Error("429 response missing Retry-After header")
	}
}

func TestListEvaluationsEndpoint(t *testing.T) {
	t.Parallel()

	hist := &stubHistory{
		listResult: &history.Result{
			Items: []*history.Evaluation{
				{
					ID:            "eval-1",
					UserID:        "default",
					Prompt:        "hello",
					SourceType:    "custom",
					ProviderCount: 2,
					TotalCostUSD:  0.42,
					CreatedAt:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
				},
			},
			NextCursor: "next-page",
		},
	}
	router := newTestRouter(t, nil, hist)

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/api/openground/evaluations?limit=10", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", recorder.Code)
	}
	data := decodeSuccess(t, recorder.Body)
	items := data["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("items = %v, want one", items)
	}
	if data["nextCursor"] != "next-page" {
		t.Errorf("nextCursor = %v, want next-page", data["nextCursor"])
	}

	bad := httptest.NewRecorder()
	router.ServeHTTP(bad, httptest.NewRequest(http.MethodGet, "/api/openground/evaluations?cursor=broken", nil))
	if bad.Code != http.StatusBadRequest {
		t.Fatalf("bad cursor status = %d, want 400", bad.Code)
	}

	badLimit := httptest.NewRecorder()
	router.ServeHTTP(badLimit, httptest.NewRequest(http.MethodGet, "/api/openground/evaluations?limit=zero", nil))
	if badLimit.Code != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d, want 400", badLimit.Code)
	}
}

func TestEvaluationDetailEndpoint(t *testing.T) {
	t.Parallel()

	hist := &stubHistory{
		evaluations: map[string]*history.Evaluation{
			"eval-1": {
				ID:            "eval-1",
				UserID:        "default",
				Prompt:        "hello",
				SourceType:    "custom",
				Variables:     map[string]string{"name": "Ada"},
				Results:       json.RawMessage(`[{"provider":"openai"}]`),
				ProviderCount: 1,
				CreatedAt:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
			},
		},
	}
	router := newTestRouter(t, nil, hist)

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/api/openground/evaluations/eval-1", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", recorder.Code)
	}
	data := decodeSuccess(t, recorder.Body)
	if data["id"] != "eval-1" {
		t.Errorf("id = %v, want eval-1", data["id"])
	}
	if _, ok := data["providerResults"].([]any); !ok {
		t.Errorf("providerResults = %v, want decoded array", data["providerResults"])
	}

	missing := httptest.NewRecorder()
	router.ServeHTTP(missing, httptest.NewRequest(http.MethodGet, "/api/openground/evaluations/nope", nil))
	if missing.Code != http.StatusNotFound {
		t.Fatalf("missing evaluation status = %d, want 404", missing.Code)
	}
}

func TestProvidersEndpoint(t *testing.T) {
	t.Parallel()

	router := newTestRouter(t, nil, &stubHistory{})

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/api/providers", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", recorder.Code)
	}
	data := decodeSuccess(t, recorder.Body)
	providers := data["providers"].([]any)
	if len(providers) != 3 {
		t.Fatalf("providers = %d, want 3", len(providers))
	}

	search := httptest.NewRecorder()
	router.ServeHTTP(search, httptest.NewRequest(http.MethodGet, "/api/providers/search?q=claude", nil))
	if search.Code != http.StatusOK {
		t.Fatalf("search status = %d, want 200", search.Code)
	}
	searchData := decodeSuccess(t, search.Body)
	models := searchData["models"].([]any)
	if len(models) == 0 {
		t.Fatal("search returned no models for claude")
	}
	for _, raw := range models {
		model := raw.(map[string]any)
		if !strings.Contains(fmt.Sprint(model["id"]), "claude") {
			t.Errorf("unexpected search hit %v", model["id"])
		}
	}

	byName := httptest.NewRecorder()
	router.ServeHTTP(byName, httptest.NewRequest(http.MethodGet, "/api/providers/search?q=anthropic", nil))
	if byName.Code != http.StatusOK {
		t.Fatalf("provider search status = %d, want 200", byName.Code)
	}
	byNameData := decodeSuccess(t, byName.Body)
	matched := byNameData["providers"].([]any)
	if len(matched) != 1 {
		t.Fatalf("provider search matched %d providers, want 1", len(matched))
	}
	if provider := matched[0].(map[string]any); provider["id"] != "anthropic" {
		t.Errorf("matched provider = %v, want anthropic", provider["id"])
	}
}

func TestProviderDetailEndpoint(t *testing.T) {
	t.Parallel()

	router := newTestRouter(t, nil, &stubHistory{})

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/api/providers/openai", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", recorder.Code, recorder.Body.String())
	}
	data := decodeSuccess(t, recorder.Body)
	if data["id"] != "openai" || data["name"] != "OpenAI" {
		t.Errorf("provider = %v/%v, want openai metadata", data["id"], data["name"])
	}
	if models, ok := data["models"].([]any); !ok || len(models) == 0 {
		t.Errorf("models = %v, want built-in catalog entries", data["models"])
	}

	missing := httptest.NewRecorder()
	router.ServeHTTP(missing, httptest.NewRequest(http.MethodGet, "/api/providers/mistral", nil))
	if missing.Code != http.StatusNotFound {
		t.Fatalf("unknown provider status = %d, want 404", missing.Code)
	}
}

func TestCustomModelDetailMethods(t *testing.T) {
	t.Parallel()

	router := newTestRouter(t, nil, &stubHistory{})
	const id = "7a0f3c62-9f1f-4a39-9a41-0a0c6f4d8f11"
	body := `{"provider": "openai", "modelId": "ft:gpt-4o:acme", "displayName": "Acme"}`

	// The static store is read-only, so a routed PUT surfaces 501 rather
	// than 405.
	put := httptest.NewRecorder()
	router.ServeHTTP(put, httptest.NewRequest(http.MethodPut, "/api/providers/custom/"+id, strings.NewReader(body)))
	if put.Code != http.StatusNotImplemented {
		t.Fatalf("PUT status = %d, want 501 (body %s)", put.Code, put.Body.String())
	}

	get := httptest.NewRecorder()
	router.ServeHTTP(get, httptest.NewRequest(http.MethodGet, "/api/providers/custom/"+id, nil))
	if get.Code != http.StatusNotFound {
		t.Fatalf("GET status = %d, want 404 for unknown id", get.Code)
	}

	patch := httptest.NewRecorder()
	router.ServeHTTP(patch, httptest.NewRequest(http.MethodPatch, "/api/providers/custom/"+id, strings.NewReader(body)))
	if patch.Code != http.StatusMethodNotAllowed {
		t.Fatalf("PATCH status = %d, want 405", patch.Code)
	}
}

func TestCredentialsEndpointMasksKeys(t *testing.T) {
	t.Parallel()

	router := newTestRouter(t, nil, &stubHistory{})

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/api/credentials", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", recorder.Code)
	}
	data := decodeSuccess(t, recorder.Body)
	credentials := data["credentials"].([]any)
	if len(credentials) != 1 {
		t.Fatalf("credentials = %d, want 1", len(credentials))
	}
	credential := credentials[0].(map[string]any)
	if credential["maskedKey"] != "sk-p...5678" {
		t.Errorf("maskedKey = %v, want sk-p...5678", credential["maskedKey"])
	}
	if strings.Contains(recorder.Body.String(), "sk-proj-abcd1234efgh5678") {
		t.Error("raw API key leaked in credentials listing")
	}
}

func TestPromptsEndpoint(t *testing.T) {
	t.Parallel()

	router := newTestRouter(t, nil, &stubHistory{})

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/api/prompts/greeting", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", recorder.Code)
	}
	data := decodeSuccess(t, recorder.Body)
	if data["content"] != "Hello {{ name }}!" {
		t.Errorf("content = %v, want raw template", data["content"])
	}

	missing := httptest.NewRecorder()
	router.ServeHTTP(missing, httptest.NewRequest(http.MethodGet, "/api/prompts/nope", nil))
	if missing.Code != http.StatusNotFound {
		t.Fatalf("missing prompt status = %d, want 404", missing.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()

	router := newTestRouter(t, nil, &stubHistory{})

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", recorder.Code)
	}
	var health map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health["status"] != "ok" {
		t.Errorf("status = %v, want ok", health["status"])
	}
}

func TestCORSPreflight(t *testing.T) {
	t.Parallel()

	router := newTestRouter(t, nil, &stubHistory{})

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodOptions, "/api/openground/evaluations", nil))
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d, want 204", recorder.Code)
	}
	if !strings.Contains(recorder.Header().Get("Access-Control-Allow-Headers"), "X-Openground-Key") {
		t.Error("preflight response missing service key header in Access-Control-Allow-Headers")
	}
}

func TestMethodNotAllowed(t *testing.T) {
	t.Parallel()

	router := newTestRouter(t, nil, &stubHistory{})

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodDelete, "/api/providers", nil))
	if recorder.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", recorder.Code)
	}
	if recorder.Header().Get("Allow") == "" {
		t.Error("405 response missing Allow header")
	}
}
