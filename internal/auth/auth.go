// Package auth authenticates callers of the HTTP API with bearer API keys and
// scopes each key to the organization it may bill.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	ErrKeyNotFound = errors.New("api key not found")
	ErrKeyExists   = errors.New("api key already exists")
)

type APIKey struct {
	ID        string    `json:"id"`
	OrgID     string    `json:"org_id"` // empty: every organization
	KeyHash   string    `json:"key_hash"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis
func (a *APIKey) MarshalBinary() ([]byte, error) {
	return json.Marshal(a)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for Redis
func (a *APIKey) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, a)
}

// Allows reports whether the key may act on orgID.
func (a *APIKey) Allows(orgID string) bool {
	return a.OrgID == "" || a.OrgID == orgID
}

type Store interface {
	GetByKey(ctx context.Context, key string) (*APIKey, error)
	Create(ctx context.Context, apiKey *APIKey) error
	Revoke(ctx context.Context, keyID string) error
}

func HashKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

type contextKey string

const apiKeyCtxKey contextKey = "api_key"

func WithAPIKey(ctx context.Context, k *APIKey) context.Context {
	return context.WithValue(ctx, apiKeyCtxKey, k)
}

func FromContext(ctx context.Context) *APIKey {
	k, _ := ctx.Value(apiKeyCtxKey).(*APIKey)
	return k
}

// Allows reports whether the caller in ctx may act on orgID. A context without
// a key was not routed through the middleware, which means auth is disabled.
func Allows(ctx context.Context, orgID string) bool {
	k := FromContext(ctx)
	return k == nil || k.Allows(orgID)
}

const cacheTTL = 5 * time.Minute

func cacheKey(keyHash string) string {
	return fmt.Sprintf("auth:%s", keyHash)
}

func writeError(w http.ResponseWriter, status int, kind, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]map[string]any{
		"error": {"kind": kind, "message": msg, "retryable": false},
	})
}

// NewMiddleware resolves the bearer key on every request. Keys are cached in
// Redis for five minutes when cache is non-nil, so a revoked key can stay
// usable until its cache entry expires.
func NewMiddleware(store Store, cache redis.Cmdable, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid Authorization header")
				return
			}
			key := strings.TrimPrefix(header, "Bearer ")
			keyHash := HashKey(key)

			if cache != nil {
				var k APIKey
				err := cache.Get(ctx, cacheKey(keyHash)).Scan(&k)
				if err == nil {
					next.ServeHTTP(w, r.WithContext(WithAPIKey(ctx, &k)))
					return
				} else if !errors.Is(err, redis.Nil) {
					logger.Warn("auth cache unavailable", zap.Error(err))
				}
			}

			k, err := store.GetByKey(ctx, key)
			if err != nil {
				if errors.Is(err, ErrKeyNotFound) {
					writeError(w, http.StatusUnauthorized, "unauthorized", "invalid API key")
					return
				}
				logger.Error("api key lookup failed", zap.Error(err))
				writeError(w, http.StatusInternalServerError, "unexpected", "internal error")
				return
			}

			if cache != nil {
				if err := cache.Set(ctx, cacheKey(keyHash), k, cacheTTL).Err(); err != nil {
					logger.Debug("auth cache write failed", zap.Error(err))
				}
			}
			next.ServeHTTP(w, r.WithContext(WithAPIKey(ctx, k)))
		})
	}
}
