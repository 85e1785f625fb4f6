package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/kiranshivaraju/mailpilot/internal/api/response"
	"github.com/kiranshivaraju/mailpilot/pkg/models"
)

const keyPrefixLen = 8

// KeyStore is the slice of the store the authenticator needs.
type KeyStore interface {
	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
}

// Auth authenticates tenant API keys and checks their scopes.
type Auth struct {
	keys KeyStore
}

func NewAuth(keys KeyStore) *Auth {
	return &Auth{keys: keys}
}

// Authenticate resolves the Bearer key to its tenant. The tenant id, key prefix and
// scopes are stored in the request context for the handlers.
func (a *Auth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawKey := extractBearerToken(r)
		if rawKey == "" {
			response.Error(w, response.CodeInvalidToken, "Missing or invalid Authorization header", nil)
			return
		}
		if len(rawKey) < keyPrefixLen {
			response.Error(w, response.CodeInvalidToken, "Invalid API key format", nil)
			return
		}

		prefix := rawKey[:keyPrefixLen]
		candidates, err := a.keys.GetAPIKeyByPrefix(r.Context(), prefix)
		if err != nil {
			slog.Error("api key lookup failed", "key_prefix", prefix, "error", err)
			response.Error(w, response.CodeInternal, "Failed to validate API key", nil)
			return
		}

		key := matchKey(candidates, rawKey)
		if key == nil {
			response.Error(w, response.CodeInvalidToken, "Invalid API key", nil)
			return
		}

		go func(id uuid.UUID) {
			if err := a.keys.UpdateAPIKeyLastUsed(context.Background(), id); err != nil {
				slog.Warn("failed to touch api key", "key_id", id, "error", err)
			}
		}(key.ID)

		ctx := SetTenantID(r.Context(), key.TenantID)
		ctx = setKeyPrefix(ctx, prefix)
		ctx = setScopes(ctx, key.Scopes)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Prefixes may collide, so every candidate is compared.
func matchKey(candidates []*models.APIKey, rawKey string) *models.APIKey {
	for _, k := range candidates {
		if bcrypt.CompareHashAndPassword([]byte(k.KeyHash), []byte(rawKey)) == nil {
			return k
		}
	}
	return nil
}

// RequireScope rejects keys without the given scope. Admin keys pass every check.
func (a *Auth) RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scopes := getScopes(r)
			if slices.Contains(scopes, scope) || slices.Contains(scopes, models.ScopeAdmin) {
				next.ServeHTTP(w, r)
				return
			}
			response.Error(w, response.CodeForbidden, "API key lacks the "+scope+" scope", nil)
		})
	}
}

func extractBearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
