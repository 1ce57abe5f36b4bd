// Package auth authenticates API requests with pre-shared service keys and
// attaches the caller's identity to the request context. Every store scopes
// its rows by that identity.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/openground/openground/internal/pathutil"
)

const defaultHeaderName = "X-Openground-Key"

var ErrMissingServiceKey = errors.New("missing service key")
var ErrInvalidServiceKey = errors.New("invalid service key")

// KeyConfig is one configured service key. Either the raw token or its
// sha256 hex hash may be supplied; the raw token is never stored.
type KeyConfig struct {
	ID         string
	Token      string
	TokenHash  string
	UserID     string
	DBConfigID string
}

type Options struct {
	Enabled bool
	Header  string
	Keys    []KeyConfig
}

// Identity is the authenticated caller. UserID and DBConfigID scope every
// credential, prompt, custom model and history lookup.
type Identity struct {
	KeyID      string
	UserID     string
	DBConfigID string
}

// DefaultIdentity is attached to requests when auth is disabled, so scoped
// stores still have a consistent key to partition by.
func DefaultIdentity() *Identity {
	return &Identity{UserID: "default", DBConfigID: "default"}
}

type Authorizer struct {
	enabled bool
	header  string
	keys    map[string]*Identity
}

func NewAuthorizer(options Options) (*Authorizer, error) {
	header := normalizeHeaderName(options.Header)
	if header == "" {
		header = defaultHeaderName
	}

	authorizer := &Authorizer{
		enabled: options.Enabled,
		header:  header,
		keys:    map[string]*Identity{},
	}
	if !options.Enabled {
		return authorizer, nil
	}
	if len(options.Keys) == 0 {
		return nil, errors.New("auth is enabled but no service keys are configured")
	}

	for _, key := range options.Keys {
		tokenHash := strings.TrimSpace(strings.ToLower(key.TokenHash))
		if tokenHash == "" {
			token := strings.TrimSpace(key.Token)
			if token == "" {
				return nil, errors.New("service key token cannot be empty")
			}
			tokenHash = hashToken(token)
		}
		if _, exists := authorizer.keys[tokenHash]; exists {
			return nil, errors.New("duplicate service key token in auth config")
		}

		authorizer.keys[tokenHash] = &Identity{
			KeyID:      strings.TrimSpace(key.ID),
			UserID:     nonEmpty(strings.TrimSpace(key.UserID), "default"),
			DBConfigID: nonEmpty(strings.TrimSpace(key.DBConfigID), "default"),
		}
	}

	return authorizer, nil
}

func (a *Authorizer) Enabled() bool {
	return a != nil && a.enabled
}

func (a *Authorizer) HeaderName() string {
	if a == nil || strings.TrimSpace(a.header) == "" {
		return defaultHeaderName
	}
	return a.header
}

// Authenticate resolves the request's service key to an identity. When auth
// is disabled it returns the default identity.
func (a *Authorizer) Authenticate(r *http.Request) (*Identity, error) {
	if !a.Enabled() {
		return DefaultIdentity(), nil
	}

	token := strings.TrimSpace(r.Header.Get(a.HeaderName()))
	if token == "" {
		return nil, ErrMissingServiceKey
	}

	identity, ok := a.keys[hashToken(token)]
	if !ok {
		return nil, ErrInvalidServiceKey
	}
	out := *identity
	return &out, nil
}

// Middleware enforces authentication on every API route except health checks
// and CORS preflight. The service key header is stripped before the request
// reaches handlers.
func Middleware(authorizer *Authorizer, apiPrefix string, next http.Handler) http.Handler {
	if next == nil {
		next = http.NotFoundHandler()
	}
	prefix := pathutil.NormalizePrefix(apiPrefix)
	if prefix == "/" {
		prefix = "/api"
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !pathutil.HasPathPrefix(r.URL.Path, prefix) || isBypassed(r.Method, r.URL.Path, prefix) {
			next.ServeHTTP(w, r)
			return
		}

		identity, err := authorizer.Authenticate(r)
		if err != nil {
			writeAuthError(w, http.StatusUnauthorized, "missing or invalid service key")
			return
		}

		request := r.Clone(WithIdentity(r.Context(), identity))
		request.Header = r.Header.Clone()
		request.Header.Del(authorizer.HeaderName())
		next.ServeHTTP(w, request)
	})
}

func isBypassed(method, path, prefix string) bool {
	if strings.EqualFold(strings.TrimSpace(method), http.MethodOptions) {
		return true
	}
	return path == prefix+"/health"
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

func normalizeHeaderName(header string) string {
	value := strings.TrimSpace(header)
	if value == "" {
		return ""
	}
	return textproto.CanonicalMIMEHeaderKey(value)
}

func nonEmpty(value, fallback string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback
	}
	return value
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

type contextIdentityKey struct{}

func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if identity == nil {
		return ctx
	}
	return context.WithValue(ctx, contextIdentityKey{}, identity)
}

// IdentityFromContext returns the authenticated identity, or the default
// identity when none was attached.
func IdentityFromContext(ctx context.Context) *Identity {
	if ctx == nil {
		return DefaultIdentity()
	}
	if identity, ok := ctx.Value(contextIdentityKey{}).(*Identity); ok && identity != nil {
		return identity
	}
	return DefaultIdentity()
}
