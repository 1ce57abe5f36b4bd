package prompt

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSubstitute(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		text      string
		variables map[string]string
		want      string
	}{
		{
			name:      "single placeholder",
			text:      "Summarize {{ topic }} briefly.",
			variables: map[string]string{"topic": "quantum computing"},
			want:      "Summarize quantum computing briefly.",
		},
		{
			name:      "no surrounding whitespace",
			text:      "Hello {{name}}!",
			variables: map[string]string{"name": "Ada"},
			want:      "Hello Ada!",
		},
		{
			name:      "repeated placeholder replaced globally",
			text:      "{{ x }} and {{ x }} again",
			variables: map[string]string{"x": "one"},
			want:      "one and one again",
		},
		{
			name:      "missing key left literal",
			text:      "Known {{ a }} unknown {{ b }}",
			variables: map[string]string{"a": "yes"},
			want:      "Known yes unknown {{ b }}",
		},
		{
			name:      "keys are case sensitive",
			text:      "{{ Topic }}",
			variables: map[string]string{"topic": "nope"},
			want:      "{{ Topic }}",
		},
		{
			name:      "value containing placeholder syntax is not re-expanded",
			text:      "{{ a }}",
			variables: map[string]string{"a": "{{ b }}", "b": "deep"},
			want:      "{{ b }}",
		},
		{
			name:      "empty value erases placeholder",
			text:      "before {{ gap }} after",
			variables: map[string]string{"gap": ""},
			want:      "before  after",
		},
		{
			name:      "nil variables pass through",
			text:      "keep {{ this }}",
			variables: nil,
			want:      "keep {{ this }}",
		},
		{
			name:      "text without placeholders untouched",
			text:      "plain text",
			variables: map[string]string{"plain": "x"},
			want:      "plain text",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := Substitute(tt.text, tt.variables)
			if got != tt.want {
				t.Fatalf("Substitute(%q)=%q, want %q", tt.text, got, tt.want)
			}
			// A second pass over fully-resolved text must change nothing.
			again := Substitute(got, tt.variables)
			if tt.name != "value containing placeholder syntax is not re-expanded" && again != got {
				t.Fatalf("Substitute() not idempotent: %q -> %q", got, again)
			}
		})
	}
}

func TestResolverInlineContentWins(t *testing.T) {
	t.Parallel()

	store := NewStaticStore([]Prompt{
		{UserID: "u", DBConfigID: "d", Name: "greet", Version: "1", Content: "stored text"},
	})
	resolver := NewResolver(store)

	got, err := resolver.Resolve(context.Background(), Scope{UserID: "u", DBConfigID: "d"}, Source{
		Type:      SourceTypeCustom,
		Content:   "inline {{ name }}",
		PromptID:  "greet",
		Variables: map[string]string{"name": "text"},
	})
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if got != "inline text" {
		t.Fatalf("Resolve()=%q, want inline content resolved", got)
	}
}

func TestResolverFetchesStoredPrompt(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	store := NewStaticStore([]Prompt{
		{UserID: "u", DBConfigID: "d", Name: "greet", Version: "1", Content: "v1 {{ who }}", CreatedAt: now.Add(-time.Hour)},
		{UserID: "u", DBConfigID: "d", Name: "greet", Version: "2", Content: "v2 {{ who }}", CreatedAt: now},
	})
	resolver := NewResolver(store)
	scope := Scope{UserID: "u", DBConfigID: "d"}

	got, err := resolver.Resolve(context.Background(), scope, Source{
		Type:      SourceTypePromptHub,
		PromptID:  "greet",
		Version:   "1",
		Variables: map[string]string{"who": "world"},
	})
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if got != "v1 world" {
		t.Fatalf("Resolve()=%q, want pinned version", got)
	}

	// Empty version resolves to the newest one.
	got, err = resolver.Resolve(context.Background(), scope, Source{
		Type:      SourceTypePromptHub,
		PromptID:  "greet",
		Variables: map[string]string{"who": "world"},
	})
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if got != "v2 world" {
		t.Fatalf("Resolve()=%q, want latest version", got)
	}

	if _, err := resolver.Resolve(context.Background(), scope, Source{
		Type:     SourceTypePromptHub,
		PromptID: "no-such-prompt",
	}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Resolve() error=%v, want ErrNotFound", err)
	}
}

func TestResolverEmptyPrompt(t *testing.T) {
	t.Parallel()

	resolver := NewResolver(nil)
	if _, err := resolver.Resolve(context.Background(), Scope{}, Source{Type: SourceTypeCustom}); !errors.Is(err, ErrEmptyPrompt) {
		t.Fatalf("Resolve() error=%v, want ErrEmptyPrompt", err)
	}
	if _, err := resolver.Resolve(context.Background(), Scope{}, Source{Type: SourceTypeCustom, Content: "   "}); !errors.Is(err, ErrEmptyPrompt) {
		t.Fatalf("Resolve() error=%v, want ErrEmptyPrompt for blank content", err)
	}
}
