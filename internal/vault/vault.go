// Package vault stores per-user provider credentials. Lookups are scoped to
// the authenticated user and their target database configuration; API keys
// never leave the package unmasked except to sign provider SDK calls.
package vault

import (
	"context"
	"errors"
	"strings"
	"time"
)

var ErrNotFound = errors.New("provider credential not found")
var ErrNotImplemented = errors.New("credential store method not implemented")

// Scope identifies whose credentials are visible.
type Scope struct {
	UserID     string
	DBConfigID string
}

// Credential holds a provider API key and an optional per-credential
// endpoint override.
type Credential struct {
	UserID     string
	DBConfigID string
	Provider   string
	APIKey     string
	BaseURL    string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// MaskedKey renders the API key for listings: first four and last four
// characters with the middle elided. Short keys mask entirely.
func (c Credential) MaskedKey() string {
	key := strings.TrimSpace(c.APIKey)
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + "..." + key[len(key)-4:]
}

// Store persists provider credentials.
type Store interface {
	GetCredential(ctx context.Context, scope Scope, provider string) (*Credential, error)
	ListCredentials(ctx context.Context, scope Scope) ([]Credential, error)
	PutCredential(ctx context.Context, credential Credential) (*Credential, error)
	DeleteCredential(ctx context.Context, scope Scope, provider string) error
}

func validateCredential(credential Credential) error {
	if strings.TrimSpace(credential.Provider) == "" {
		return errors.New("credential provider is required")
	}
	if strings.TrimSpace(credential.APIKey) == "" {
		return errors.New("credential api key is required")
	}
	return nil
}

// StaticStore serves credentials loaded from configuration.
type StaticStore struct {
	credentials []Credential
}

var _ Store = (*StaticStore)(nil)

func NewStaticStore(credentials []Credential) *StaticStore {
	return &StaticStore{credentials: append([]Credential(nil), credentials...)}
}

func (s *StaticStore) GetCredential(_ context.Context, scope Scope, provider string) (*Credential, error) {
	if s == nil {
		return nil, ErrNotFound
	}
	provider = strings.TrimSpace(provider)
	for _, credential := range s.credentials {
		if credential.Provider != provider || !staticScopeMatches(scope, credential) {
			continue
		}
		out := credential
		return &out, nil
	}
	return nil, ErrNotFound
}

func (s *StaticStore) ListCredentials(_ context.Context, scope Scope) ([]Credential, error) {
	if s == nil {
		return nil, nil
	}
	out := make([]Credential, 0, len(s.credentials))
	for _, credential := range s.credentials {
		if staticScopeMatches(scope, credential) {
			out = append(out, credential)
		}
	}
	return out, nil
}

func (s *StaticStore) PutCredential(_ context.Context, _ Credential) (*Credential, error) {
	return nil, ErrNotImplemented
}

func (s *StaticStore) DeleteCredential(_ context.Context, _ Scope, _ string) error {
	return ErrNotImplemented
}

func staticScopeMatches(scope Scope, credential Credential) bool {
	if strings.TrimSpace(scope.UserID) != "" && credential.UserID != scope.UserID {
		return false
	}
	if strings.TrimSpace(scope.DBConfigID) != "" && credential.DBConfigID != scope.DBConfigID {
		return false
	}
	return true
}
