// Package api wires the HTTP surface: evaluation fan-out, the model
// catalog, prompt and credential management, and evaluation history.
package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/openground/openground/internal/auth"
	"github.com/openground/openground/internal/catalog"
	"github.com/openground/openground/internal/evaluate"
	"github.com/openground/openground/internal/history"
	"github.com/openground/openground/internal/limits"
	"github.com/openground/openground/internal/prompt"
	"github.com/openground/openground/internal/vault"
)

type RouterOptions struct {
	AppVersion    string
	StorageDriver string
	StoragePath   string
	AuthHeader    string

	Orchestrator *evaluate.Orchestrator
	History      history.Store
	Catalog      *catalog.Registry
	CustomModels catalog.CustomModelStore
	Prompts      prompt.Store
	Credentials  vault.Store
	Limiter      *limits.Limiter
}

func NewRouter(options RouterOptions) http.Handler {
	startedAt := time.Now().UTC()
	mux := http.NewServeMux()

	mux.Handle("/api/health", HealthHandler(HealthOptions{
		Version:       options.AppVersion,
		StartedAt:     startedAt,
		StorageDriver: options.StorageDriver,
		StoragePath:   options.StoragePath,
	}))
	mux.Handle("/api/openground/evaluations", EvaluationsHandler(options.Orchestrator, options.History, options.Limiter))
	mux.Handle("/api/openground/evaluations/", EvaluationDetailHandler(options.History))
	mux.Handle("/api/providers", ProvidersHandler(options.Catalog))
	// The longer /api/providers/search and /api/providers/custom patterns
	// take precedence over the provider-by-id fallback.
	mux.Handle("/api/providers/", ProviderDetailHandler(options.Catalog))
	mux.Handle("/api/providers/search", ProviderSearchHandler(options.Catalog))
	mux.Handle("/api/providers/custom", CustomModelsHandler(options.CustomModels))
	mux.Handle("/api/providers/custom/", CustomModelDetailHandler(options.CustomModels))
	mux.Handle("/api/prompts", PromptsHandler(options.Prompts))
	mux.Handle("/api/prompts/", PromptDetailHandler(options.Prompts))
	mux.Handle("/api/credentials", CredentialsHandler(options.Credentials))
	mux.Handle("/api/credentials/", CredentialDetailHandler(options.Credentials))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"name":    "openground",
			"version": options.AppVersion,
			"status":  "ok",
		})
	})

	return withCORS(mux, options.AuthHeader)
}

// requestScope derives every store's scope from the authenticated caller.
func requestScope(r *http.Request) (string, string) {
	identity := auth.IdentityFromContext(r.Context())
	return identity.UserID, identity.DBConfigID
}

func authIdentity(r *http.Request) *auth.Identity {
	return auth.IdentityFromContext(r.Context())
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	var body bytes.Buffer
	if err := json.NewEncoder(&body).Encode(payload); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("{\"success\":false,\"error\":\"internal server error\"}\n"))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body.Bytes())
}

type successEnvelope struct {
	Success bool `json:"success"`
	Data    any  `json:"data"`
}

type errorEnvelope struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func writeSuccess(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, successEnvelope{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorEnvelope{Success: false, Error: message})
}

func requireMethod(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, method := range methods {
		if r.Method == method {
			return true
		}
	}
	w.Header().Set("Allow", strings.Join(methods, ", ")+", OPTIONS")
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	return false
}

func withCORS(next http.Handler, authHeader string) http.Handler {
	allowedHeaders := []string{"Content-Type", "Authorization", "X-Openground-Key"}
	customHeader := strings.TrimSpace(authHeader)
	if customHeader != "" {
		alreadyAllowed := false
		for _, header := range allowedHeaders {
			if strings.EqualFold(header, customHeader) {
				alreadyAllowed = true
				break
			}
		}
		if !alreadyAllowed {
			allowedHeaders = append(allowedHeaders, customHeader)
		}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", strings.Join(allowedHeaders, ", "))

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
