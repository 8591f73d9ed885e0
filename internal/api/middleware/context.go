package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/clausewatch/pkg/models"
)

type contextKey string

const (
	apiKeyKey    contextKey = "api_key"
	keyPrefixKey contextKey = "key_prefix"
)

func setKey(ctx context.Context, key *models.APIKey) context.Context {
	return context.WithValue(ctx, apiKeyKey, key)
}

func getKey(r *http.Request) (*models.APIKey, bool) {
	key, ok := r.Context().Value(apiKeyKey).(*models.APIKey)
	return key, ok && key != nil
}

// SetKey stores an authenticated key; handlers under test use it to bypass
// Authenticate.
func SetKey(ctx context.Context, key *models.APIKey) context.Context {
	return setKey(ctx, key)
}

// GetKeyID returns the id of the API key that authenticated the request.
func GetKeyID(r *http.Request) (uuid.UUID, bool) {
	key, ok := getKey(r)
	if !ok {
		return uuid.Nil, false
	}
	return key.ID, true
}

func setKeyPrefix(ctx context.Context, prefix string) context.Context {
	return context.WithValue(ctx, keyPrefixKey, prefix)
}

func getKeyPrefix(r *http.Request) (string, bool) {
	prefix, ok := r.Context().Value(keyPrefixKey).(string)
	return prefix, ok
}

// ExportedKeyPrefixKey returns the context key for key_prefix (for testing).
func ExportedKeyPrefixKey() contextKey {
	return keyPrefixKey
}
