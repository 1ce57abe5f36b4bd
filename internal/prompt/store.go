package prompt

import (
	"context"
	"errors"
	"strings"
	"time"
)

var ErrNotFound = errors.New("prompt not found")
var ErrNotImplemented = errors.New("prompt store method not implemented")

// Scope identifies whose stored prompts are visible.
type Scope struct {
	UserID     string
	DBConfigID string
}

// Prompt is one stored, versioned prompt.
type Prompt struct {
	UserID     string
	DBConfigID string
	Name       string
	Version    string
	Content    string
	CreatedAt  time.Time
}

// Store persists versioned prompts. An empty version on GetPrompt resolves
// to the most recently created version.
type Store interface {
	GetPrompt(ctx context.Context, scope Scope, name, version string) (*Prompt, error)
	ListPrompts(ctx context.Context, scope Scope) ([]Prompt, error)
	PutPrompt(ctx context.Context, p Prompt) (*Prompt, error)
	DeletePrompt(ctx context.Context, scope Scope, name, version string) error
}

func validatePrompt(p Prompt) error {
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("prompt name is required")
	}
	if strings.TrimSpace(p.Content) == "" {
		return errors.New("prompt content is required")
	}
	return nil
}

// StaticStore serves prompts from memory, for tests and store-less setups.
type StaticStore struct {
	prompts []Prompt
}

var _ Store = (*StaticStore)(nil)

func NewStaticStore(prompts []Prompt) *StaticStore {
	return &StaticStore{prompts: append([]Prompt(nil), prompts...)}
}

func (s *StaticStore) GetPrompt(_ context.Context, scope Scope, name, version string) (*Prompt, error) {
	if s == nil {
		return nil, ErrNotFound
	}
	name = strings.TrimSpace(name)
	version = strings.TrimSpace(version)

	var latest *Prompt
	for idx := range s.prompts {
		candidate := s.prompts[idx]
		if candidate.Name != name || !staticScopeMatches(scope, candidate) {
			continue
		}
		if version != "" {
			if candidate.Version == version {
				out := candidate
				return &out, nil
			}
			continue
		}
		if latest == nil || candidate.CreatedAt.After(latest.CreatedAt) {
			out := candidate
			latest = &out
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return latest, nil
}

func (s *StaticStore) ListPrompts(_ context.Context, scope Scope) ([]Prompt, error) {
	if s == nil {
		return nil, nil
	}
	out := make([]Prompt, 0, len(s.prompts))
	for _, candidate := range s.prompts {
		if staticScopeMatches(scope, candidate) {
			out = append(out, candidate)
		}
	}
	return out, nil
}

func (s *StaticStore) PutPrompt(_ context.Context, _ Prompt) (*Prompt, error) {
	return nil, ErrNotImplemented
}

func (s *StaticStore) DeletePrompt(_ context.Context, _ Scope, _, _ string) error {
	return ErrNotImplemented
}

func staticScopeMatches(scope Scope, p Prompt) bool {
	if strings.TrimSpace(scope.UserID) != "" && p.UserID != scope.UserID {
		return false
	}
	if strings.TrimSpace(scope.DBConfigID) != "" && p.DBConfigID != scope.DBConfigID {
		return false
	}
	return true
}
