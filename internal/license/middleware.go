package license

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type Middleware func(next http.Handler) http.Handler

type contextKey string

const (
	licenseKey   contextKey = "license"
	siteIDKey    contextKey = "site_id"
	requestIDKey contextKey = "request_id"
)

const lookupCacheTTL = 5 * time.Minute

// NewMiddleware authenticates the Bearer license key, caching lookups in
// redis for a few minutes. The cache client may be nil, in which case every
// request hits the store. What makes a key valid beyond "exists and active"
// is the store's business, not ours.
func NewMiddleware(store Store, cache *redis.Client, log zerolog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			requestID := uuid.New().String()
			ctx = context.WithValue(ctx, requestIDKey, requestID)
			w.Header().Set("X-Request-ID", requestID)

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
				http.Error(w, "Unauthorized: missing or invalid Authorization header", http.StatusUnauthorized)
				return
			}
			key := strings.TrimPrefix(authHeader, "Bearer ")

			// Site scope for usage attribution and rate limiting.
			siteID := r.Header.Get("X-Site-ID")
			if siteID == "" {
				siteID = "default"
			}
			ctx = context.WithValue(ctx, siteIDKey, siteID)

			if cache != nil {
				var lic License
				if err := cache.Get(ctx, cacheKey(key)).Scan(&lic); err == nil {
					next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, licenseKey, &lic)))
					return
				} else if err != redis.Nil {
					log.Warn().Err(err).Msg("license cache read failed, falling through to store")
				}
			}

			lic, err := store.GetByKey(ctx, key)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					http.Error(w, "Unauthorized: invalid license key", http.StatusUnauthorized)
					return
				}
				log.Error().Err(err).Str("request_id", requestID).Msg("license lookup failed")
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			if cache != nil {
				_ = cache.Set(ctx, cacheKey(key), lic, lookupCacheTTL).Err()
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, licenseKey, lic)))
		})
	}
}

func cacheKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return fmt.Sprintf("license:%s", hex.EncodeToString(sum[:]))
}

// Helpers to extract from context
func FromContext(ctx context.Context) *License {
	if l, ok := ctx.Value(licenseKey).(*License); ok {
		return l
	}
	return nil
}

func GetSiteID(ctx context.Context) string {
	if id, ok := ctx.Value(siteIDKey).(string); ok {
		return id
	}
	return ""
}

func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// Helpers for testing
func WithLicense(ctx context.Context, lic *License) context.Context {
	return context.WithValue(ctx, licenseKey, lic)
}

func WithSiteID(ctx context.Context, siteID string) context.Context {
	return context.WithValue(ctx, siteIDKey, siteID)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}
