package human

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/arcflow-run/conductor/internal/config"
)

// Claims is the subset of JWT claims the control API acts on.
type Claims struct {
	Subject string
	Role    string
}

// JWTValidator validates bearer tokens against a JWKS endpoint,
// auto-refreshing the cached key set no more often than every 15
// minutes.
type JWTValidator struct {
	jwksURL  string
	cache    *jwk.Cache
	issuer   string
	audience string
}

// NewJWTValidator builds a validator from cfg, triggering an initial
// JWKS fetch to fail fast on misconfiguration.
func NewJWTValidator(ctx context.Context, cfg config.AuthConfig) (*JWTValidator, error) {
	cache := jwk.NewCache(ctx)
	if err := cache.Register(cfg.JWKSURL, jwk.WithMinRefreshInterval(15*time.Minute)); err != nil {
		return nil, fmt.Errorf("register JWKS url: %w", err)
	}
	if _, err := cache.Refresh(ctx, cfg.JWKSURL); err != nil {
		return nil, fmt.Errorf("fetch JWKS from %s: %w", cfg.JWKSURL, err)
	}
	return &JWTValidator{jwksURL: cfg.JWKSURL, cache: cache, issuer: cfg.Issuer, audience: cfg.Audience}, nil
}

// ValidateToken verifies signature, issuer, audience, and expiry, and
// extracts the claims the control API authorizes on.
func (v *JWTValidator) ValidateToken(ctx context.Context, tokenString string) (*Claims, error) {
	keyset, err := v.cache.Get(ctx, v.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("fetch JWKS: %w", err)
	}

	token, err := jwt.Parse([]byte(tokenString),
		jwt.WithKeySet(keyset),
		jwt.WithValidate(true),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims := &Claims{Subject: token.Subject()}
	if role, ok := token.Get("role"); ok {
		if roleStr, ok := role.(string); ok {
			claims.Role = roleStr
		}
	}
	return claims, nil
}

type claimsKey struct{}

// GetClaims extracts claims stored by Middleware.
func GetClaims(r *http.Request) *Claims {
	claims, _ := r.Context().Value(claimsKey{}).(*Claims)
	return claims
}

// Middleware validates the Authorization bearer token on every request
// not in excludedPaths, storing the resulting claims in the request
// context.
func Middleware(v *JWTValidator, excludedPaths []string) func(http.Handler) http.Handler {
	excluded := make(map[string]bool, len(excludedPaths))
	for _, p := range excludedPaths {
		excluded[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if excluded[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if authHeader == "" || tokenString == authHeader {
				writeJSONError(w, http.StatusUnauthorized, "missing or malformed Authorization header")
				return
			}

			claims, err := v.ValidateToken(r.Context(), tokenString)
			if err != nil {
				writeJSONError(w, http.StatusUnauthorized, "unauthorized: "+err.Error())
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
