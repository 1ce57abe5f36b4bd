// Package prompt resolves a prompt source into the final text sent to every
// provider branch of an evaluation.
package prompt

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const (
	SourceTypeCustom    = "custom"
	SourceTypePromptHub = "prompt-hub"
)

var ErrEmptyPrompt = errors.New("prompt source resolved to empty content")

// Source describes where the prompt text comes from. Inline content wins;
// otherwise the named stored prompt is fetched.
type Source struct {
	Type      string            `json:"type"`
	Content   string            `json:"content,omitempty"`
	PromptID  string            `json:"promptId,omitempty"`
	Version   string            `json:"version,omitempty"`
	Variables map[string]string `json:"variables,omitempty"`
}

// Resolver turns a Source into final prompt text, exactly once per
// evaluation. Every provider branch receives the same resolved text.
type Resolver struct {
	store Store
}

func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve fetches or takes the inline prompt text and substitutes variables.
func (r *Resolver) Resolve(ctx context.Context, scope Scope, source Source) (string, error) {
	text := source.Content
	if strings.TrimSpace(text) == "" {
		if strings.TrimSpace(source.PromptID) == "" {
			return "", ErrEmptyPrompt
		}
		if r == nil || r.store == nil {
			return "", fmt.Errorf("resolve prompt %q: no prompt store configured", source.PromptID)
		}
		stored, err := r.store.GetPrompt(ctx, scope, source.PromptID, source.Version)
		if err != nil {
			return "", fmt.Errorf("resolve prompt %q: %w", source.PromptID, err)
		}
		text = stored.Content
	}

	resolved := Substitute(text, source.Variables)
	if strings.TrimSpace(resolved) == "" {
		return "", ErrEmptyPrompt
	}
	return resolved, nil
}

var placeholderPattern = regexp.MustCompile(`\{\{\s*([^{}\s][^{}]*?)\s*\}\}`)

// Substitute replaces every {{ key }} placeholder with its variable value.
// Keys are case-sensitive; placeholders without a matching variable are left
// in the text untouched. Substitution is a single pass, so values containing
// placeholder syntax are not expanded again.
func Substitute(text string, variables map[string]string) string {
	if len(variables) == 0 || !strings.Contains(text, "{{") {
		return text
	}
	return placeholderPattern.ReplaceAllStringFunc(text, func(match string) string {
		key := strings.TrimSpace(match[2 : len(match)-2])
		if value, ok := variables[key]; ok {
			return value
		}
		return match
	})
}
