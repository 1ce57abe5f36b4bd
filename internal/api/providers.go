package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/openground/openground/internal/catalog"
)

type providersResponse struct {
	Providers []catalog.Provider `json:"providers"`
}

type providerSearchResponse struct {
	Providers []catalog.Provider      `json:"providers"`
	Models    []catalog.ModelMetadata `json:"models,omitempty"`
}

// ProvidersHandler lists every provider with built-in and custom models.
func ProvidersHandler(registry *catalog.Registry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if registry == nil {
			writeError(w, http.StatusServiceUnavailable, "catalog unavailable")
			return
		}

		userID, dbConfigID := requestScope(r)
		providers, err := registry.Providers(r.Context(), catalog.Scope{UserID: userID, DBConfigID: dbConfigID})
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to load providers")
			return
		}
		writeSuccess(w, http.StatusOK, providersResponse{Providers: providers})
	})
}

// ProviderDetailHandler serves one provider with its models by id.
func ProviderDetailHandler(registry *catalog.Registry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if registry == nil {
			writeError(w, http.StatusServiceUnavailable, "catalog unavailable")
			return
		}

		id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/providers/"), "/")
		if id == "" || strings.Contains(id, "/") {
			writeError(w, http.StatusNotFound, "provider not found")
			return
		}

		userID, dbConfigID := requestScope(r)
		provider, err := registry.Provider(r.Context(), catalog.Scope{UserID: userID, DBConfigID: dbConfigID}, id)
		if err != nil {
			if errors.Is(err, catalog.ErrNotFound) {
				writeError(w, http.StatusNotFound, "provider not found")
				return
			}
			writeError(w, http.StatusInternalServerError, "failed to load provider")
			return
		}
		writeSuccess(w, http.StatusOK, provider)
	})
}

// ProviderSearchHandler matches providers by id or display name, and models
// by id or display name alongside.
func ProviderSearchHandler(registry *catalog.Registry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if registry == nil {
			writeError(w, http.StatusServiceUnavailable, "catalog unavailable")
			return
		}

		userID, dbConfigID := requestScope(r)
		scope := catalog.Scope{UserID: userID, DBConfigID: dbConfigID}
		query := r.URL.Query().Get("q")

		providers, err := registry.SearchProviders(r.Context(), scope, query)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to search providers")
			return
		}
		models, err := registry.Search(r.Context(), scope, query)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to search models")
			return
		}
		writeSuccess(w, http.StatusOK, providerSearchResponse{Providers: providers, Models: models})
	})
}

type customModelRequest struct {
	Provider       string   `json:"provider"`
	ModelID        string   `json:"modelId"`
	DisplayName    string   `json:"displayName"`
	ContextWindow  int      `json:"contextWindow"`
	InputUSDPer1M  string   `json:"inputUsdPer1M"`
	OutputUSDPer1M string   `json:"outputUsdPer1M"`
	Capabilities   []string `json:"capabilities"`
}

type customModelResponse struct {
	ID             string   `json:"id"`
	Provider       string   `json:"provider"`
	ModelID        string   `json:"modelId"`
	DisplayName    string   `json:"displayName"`
	ContextWindow  int      `json:"contextWindow"`
	InputUSDPer1M  string   `json:"inputUsdPer1M"`
	OutputUSDPer1M string   `json:"outputUsdPer1M"`
	Capabilities   []string `json:"capabilities,omitempty"`
}

// CustomModelsHandler lists and creates a scope's custom models.
func CustomModelsHandler(store catalog.CustomModelStore) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			writeError(w, http.StatusServiceUnavailable, "custom models unavailable")
			return
		}
		userID, dbConfigID := requestScope(r)
		scope := catalog.Scope{UserID: userID, DBConfigID: dbConfigID}

		switch r.Method {
		case http.MethodGet:
			models, err := store.ListCustomModels(r.Context(), scope)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "failed to list custom models")
				return
			}
			items := make([]customModelResponse, 0, len(models))
			for _, model := range models {
				items = append(items, customModelView(model))
			}
			writeSuccess(w, http.StatusOK, map[string][]customModelResponse{"models": items})
		case http.MethodPost:
			var payload customModelRequest
			if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
				return
			}
			created, err := store.CreateCustomModel(r.Context(), catalog.CustomModel{
				UserID:         userID,
				DBConfigID:     dbConfigID,
				Provider:       strings.TrimSpace(payload.Provider),
				ModelID:        strings.TrimSpace(payload.ModelID),
				DisplayName:    strings.TrimSpace(payload.DisplayName),
				ContextWindow:  payload.ContextWindow,
				InputUSDPer1M:  strings.TrimSpace(payload.InputUSDPer1M),
				OutputUSDPer1M: strings.TrimSpace(payload.OutputUSDPer1M),
				Capabilities:   payload.Capabilities,
			})
			if err != nil {
				switch {
				case errors.Is(err, catalog.ErrConflict):
					writeError(w, http.StatusConflict, "custom model already exists")
				case errors.Is(err, catalog.ErrNotImplemented):
					writeError(w, http.StatusNotImplemented, "custom model store is read-only")
				default:
					writeError(w, http.StatusBadRequest, err.Error())
				}
				return
			}
			writeSuccess(w, http.StatusCreated, customModelView(*created))
		default:
			w.Header().Set("Allow", "GET, POST, OPTIONS")
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	})
}

// CustomModelDetailHandler reads, updates, and deletes one custom model by id.
func CustomModelDetailHandler(store catalog.CustomModelStore) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet, http.MethodPut, http.MethodDelete) {
			return
		}
		if store == nil {
			writeError(w, http.StatusServiceUnavailable, "custom models unavailable")
			return
		}

		id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/providers/custom/"), "/")
		if id == "" || strings.Contains(id, "/") {
			writeError(w, http.StatusNotFound, "custom model not found")
			return
		}

		userID, dbConfigID := requestScope(r)
		scope := catalog.Scope{UserID: userID, DBConfigID: dbConfigID}

		switch r.Method {
		case http.MethodGet:
			model, err := store.GetCustomModel(r.Context(), scope, id)
			if err != nil {
				writeCustomModelError(w, err, "failed to load custom model")
				return
			}
			writeSuccess(w, http.StatusOK, customModelView(*model))
		case http.MethodPut:
			var payload customModelRequest
			if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
				return
			}
			updated, err := store.UpdateCustomModel(r.Context(), scope, id, catalog.CustomModel{
				UserID:         userID,
				DBConfigID:     dbConfigID,
				Provider:       strings.TrimSpace(payload.Provider),
				ModelID:        strings.TrimSpace(payload.ModelID),
				DisplayName:    strings.TrimSpace(payload.DisplayName),
				ContextWindow:  payload.ContextWindow,
				InputUSDPer1M:  strings.TrimSpace(payload.InputUSDPer1M),
				OutputUSDPer1M: strings.TrimSpace(payload.OutputUSDPer1M),
				Capabilities:   payload.Capabilities,
			})
			if err != nil {
				switch {
				case errors.Is(err, catalog.ErrNotFound):
					writeError(w, http.StatusNotFound, "custom model not found")
				case errors.Is(err, catalog.ErrConflict):
					writeError(w, http.StatusConflict, "custom model already exists")
				case errors.Is(err, catalog.ErrNotImplemented):
					writeError(w, http.StatusNotImplemented, "custom model store is read-only")
				default:
					writeError(w, http.StatusBadRequest, err.Error())
				}
				return
			}
			writeSuccess(w, http.StatusOK, customModelView(*updated))
		case http.MethodDelete:
			if err := store.DeleteCustomModel(r.Context(), scope, id); err != nil {
				writeCustomModelError(w, err, "failed to delete custom model")
				return
			}
			writeSuccess(w, http.StatusOK, map[string]string{"id": id})
		}
	})
}

func writeCustomModelError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		writeError(w, http.StatusNotFound, "custom model not found")
	case errors.Is(err, catalog.ErrNotImplemented):
		writeError(w, http.StatusNotImplemented, "custom model store is read-only")
	default:
		writeError(w, http.StatusInternalServerError, fallback)
	}
}

func customModelView(model catalog.CustomModel) customModelResponse {
	return customModelResponse{
		ID:             model.ID,
		Provider:       model.Provider,
		ModelID:        model.ModelID,
		DisplayName:    model.DisplayName,
		ContextWindow:  model.ContextWindow,
		InputUSDPer1M:  model.InputUSDPer1M,
		OutputUSDPer1M: model.OutputUSDPer1M,
		Capabilities:   model.Capabilities,
	}
}
