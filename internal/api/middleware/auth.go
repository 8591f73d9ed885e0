package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/kiranshivaraju/clausewatch/internal/api/response"
	"github.com/kiranshivaraju/clausewatch/internal/store"
	"github.com/kiranshivaraju/clausewatch/pkg/models"
)

const (
	keyPrefixLen = 8
	touchTimeout = 5 * time.Second
)

// Auth resolves bearer tokens to API keys and gates routes by scope.
type Auth struct {
	store store.Store
}

func NewAuth(s store.Store) *Auth {
	return &Auth{store: s}
}

// Authenticate matches the bearer token against the keys sharing its prefix
// and stores the matched key in the request context.
func (a *Auth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawKey := extractBearerToken(r)
		if rawKey == "" {
			unauthorized(w, "Missing or invalid Authorization header")
			return
		}
		if len(rawKey) < keyPrefixLen {
			unauthorized(w, "Invalid API key format")
			return
		}

		key, err := a.match(r.Context(), rawKey)
		if err != nil {
			slog.Error("api key lookup failed", "error", err)
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "Failed to validate API key", nil)
			return
		}
		if key == nil {
			unauthorized(w, "Invalid API key")
			return
		}

		go a.touch(key)

		ctx := setKey(r.Context(), key)
		ctx = setKeyPrefix(ctx, rawKey[:keyPrefixLen])
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// match returns the live key whose hash accepts rawKey, or nil.
func (a *Auth) match(ctx context.Context, rawKey string) (*models.APIKey, error) {
	candidates, err := a.store.GetAPIKeyByPrefix(ctx, rawKey[:keyPrefixLen])
	if err != nil {
		return nil, err
	}
	for _, key := range candidates {
		if key.DeletedAt != nil {
			continue
		}
		if bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(rawKey)) == nil {
			return key, nil
		}
	}
	return nil, nil
}

// RequireScope rejects requests whose key lacks scope.
func (a *Auth) RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, ok := getKey(r)
			if !ok || !key.HasScope(scope) {
				response.Error(w, http.StatusForbidden,
					"FORBIDDEN", "Insufficient permissions", map[string]string{"required_scope": scope})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (a *Auth) touch(key *models.APIKey) {
	ctx, cancel := context.WithTimeout(context.Background(), touchTimeout)
	defer cancel()
	if err := a.store.UpdateAPIKeyLastUsed(ctx, key.ID); err != nil {
		slog.Warn("updating api key last use failed", "key_id", key.ID, "error", err)
	}
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="clausewatch"`)
	response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", message, nil)
}

func extractBearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
