package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/openground/openground/internal/prompt"
)

type promptRequest struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Content string `json:"content"`
}

type promptResponse struct {
	Name      string    `json:"name"`
	Version   string    `json:"version"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// PromptsHandler lists and upserts stored prompts.
func PromptsHandler(store prompt.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			writeError(w, http.StatusServiceUnavailable, "prompt store unavailable")
			return
		}
		userID, dbConfigID := requestScope(r)
		scope := prompt.Scope{UserID: userID, DBConfigID: dbConfigID}

		switch r.Method {
		case http.MethodGet:
			prompts, err := store.ListPrompts(r.Context(), scope)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "failed to list prompts")
				return
			}
			items := make([]promptResponse, 0, len(prompts))
			for _, p := range prompts {
				items = append(items, promptView(p))
			}
			writeSuccess(w, http.StatusOK, map[string][]promptResponse{"prompts": items})
		case http.MethodPost:
			var payload promptRequest
			if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
				return
			}
			stored, err := store.PutPrompt(r.Context(), prompt.Prompt{
				UserID:     userID,
				DBConfigID: dbConfigID,
				Name:       strings.TrimSpace(payload.Name),
				Version:    strings.TrimSpace(payload.Version),
				Content:    payload.Content,
			})
			if err != nil {
				if errors.Is(err, prompt.ErrNotImplemented) {
					writeError(w, http.StatusNotImplemented, "prompt store is read-only")
					return
				}
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			writeSuccess(w, http.StatusCreated, promptView(*stored))
		default:
			w.Header().Set("Allow", "GET, POST, OPTIONS")
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	})
}

// PromptDetailHandler fetches or deletes one prompt by name. The version
// query parameter pins a version; without it GET resolves the latest version
// and DELETE removes every version.
func PromptDetailHandler(store prompt.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			writeError(w, http.StatusServiceUnavailable, "prompt store unavailable")
			return
		}

		name := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/prompts/"), "/")
		if name == "" || strings.Contains(name, "/") {
			writeError(w, http.StatusNotFound, "prompt not found")
			return
		}
		version := strings.TrimSpace(r.URL.Query().Get("version"))

		userID, dbConfigID := requestScope(r)
		scope := prompt.Scope{UserID: userID, DBConfigID: dbConfigID}

		switch r.Method {
		case http.MethodGet:
			stored, err := store.GetPrompt(r.Context(), scope, name, version)
			if err != nil {
				if errors.Is(err, prompt.ErrNotFound) {
					writeError(w, http.StatusNotFound, "prompt not found")
					return
				}
				writeError(w, http.StatusInternalServerError, "failed to load prompt")
				return
			}
			writeSuccess(w, http.StatusOK, promptView(*stored))
		case http.MethodDelete:
			if err := store.DeletePrompt(r.Context(), scope, name, version); err != nil {
				switch {
				case errors.Is(err, prompt.ErrNotFound):
					writeError(w, http.StatusNotFound, "prompt not found")
				case errors.Is(err, prompt.ErrNotImplemented):
					writeError(w, http.StatusNotImplemented, "prompt store is read-only")
				default:
					writeError(w, http.StatusInternalServerError, "failed to delete prompt")
				}
				return
			}
			writeSuccess(w, http.StatusOK, map[string]string{"name": name})
		default:
			w.Header().Set("Allow", "GET, DELETE, OPTIONS")
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	})
}

func promptView(p prompt.Prompt) promptResponse {
	return promptResponse{
		Name:      p.Name,
		Version:   p.Version,
		Content:   p.Content,
		CreatedAt: p.CreatedAt,
	}
}
