package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/openground/openground/internal/vault"
)

type credentialRequest struct {
	APIKey  string `json:"apiKey"`
	BaseURL string `json:"baseUrl"`
}

// credentialResponse never carries the raw API key; listings show the
// masked form only.
type credentialResponse struct {
	Provider  string    `json:"provider"`
	MaskedKey string    `json:"maskedKey"`
	BaseURL   string    `json:"baseUrl,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CredentialsHandler lists the caller's provider credentials in masked form.
func CredentialsHandler(store vault.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if store == nil {
			writeError(w, http.StatusServiceUnavailable, "credential store unavailable")
			return
		}

		userID, dbConfigID := requestScope(r)
		credentials, err := store.ListCredentials(r.Context(), vault.Scope{UserID: userID, DBConfigID: dbConfigID})
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to list credentials")
			return
		}

		items := make([]credentialResponse, 0, len(credentials))
		for _, credential := range credentials {
			items = append(items, credentialView(credential))
		}
		writeSuccess(w, http.StatusOK, map[string][]credentialResponse{"credentials": items})
	})
}

// CredentialDetailHandler stores or removes one provider's credential.
func CredentialDetailHandler(store vault.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			writeError(w, http.StatusServiceUnavailable, "credential store unavailable")
			return
		}

		provider := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/credentials/"), "/")
		if provider == "" || strings.Contains(provider, "/") {
			writeError(w, http.StatusNotFound, "credential not found")
			return
		}

		userID, dbConfigID := requestScope(r)
		scope := vault.Scope{UserID: userID, DBConfigID: dbConfigID}

		switch r.Method {
		case http.MethodPut:
			var payload credentialRequest
			if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
				return
			}
			stored, err := store.PutCredential(r.Context(), vault.Credential{
				UserID:     userID,
				DBConfigID: dbConfigID,
				Provider:   provider,
				APIKey:     strings.TrimSpace(payload.APIKey),
				BaseURL:    strings.TrimSpace(payload.BaseURL),
			})
			if err != nil {
				if errors.Is(err, vault.ErrNotImplemented) {
					writeError(w, http.StatusNotImplemented, "credential store is read-only")
					return
				}
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			writeSuccess(w, http.StatusOK, credentialView(*stored))
		case http.MethodDelete:
			if err := store.DeleteCredential(r.Context(), scope, provider); err != nil {
				switch {
				case errors.Is(err, vault.ErrNotFound):
					writeError(w, http.StatusNotFound, "credential not found")
				case errors.Is(err, vault.ErrNotImplemented):
					writeError(w, http.StatusNotImplemented, "credential store is read-only")
				default:
					writeError(w, http.StatusInternalServerError, "failed to delete credential")
				}
				return
			}
			writeSuccess(w, http.StatusOK, map[string]string{"provider": provider})
		default:
			w.Header().Set("Allow", "PUT, DELETE, OPTIONS")
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	})
}

func credentialView(credential vault.Credential) credentialResponse {
	return credentialResponse{
		Provider:  credential.Provider,
		MaskedKey: credential.MaskedKey(),
		BaseURL:   credential.BaseURL,
		UpdatedAt: credential.UpdatedAt,
	}
}
