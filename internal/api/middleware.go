/**
 * @description
 * This file contains custom middleware for the HTTP router: administrator authentication
 * for the appeal arbitration routes and rate limiting for the status polling endpoint.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: For admin token validation.
 * - github.com/hashicorp/golang-lru/v2/expirable: For caching JWKS public keys.
 */

package api

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/transfa/escrow-service/internal/app"
)

// AdminContextKey is a custom type for the context key to avoid collisions.
type AdminContextKey string

const adminSubjectKey AdminContextKey = "adminSubject"

const (
	adminRole       = "admin"
	jwksCacheSize   = 32
	jwksCacheTTL    = 10 * time.Minute
	jwksHTTPTimeout = 10 * time.Second
)

// AdminAuthConfig selects how admin tokens are verified. Secret enables HS256 and
// JWKSURL enables RS256; both may be set.
type AdminAuthConfig struct {
	Secret  string
	JWKSURL string
	Issuer  string
}

// AdminAuthMiddleware admits requests carrying a valid bearer token whose claims grant
// the admin role.
func AdminAuthMiddleware(cfg AdminAuthConfig, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	keys := newJWKSKeySource(cfg.JWKSURL)

	var methods []string
	if cfg.Secret != "" {
		methods = append(methods, jwt.SigningMethodHS256.Alg())
	}
	if cfg.JWKSURL != "" {
		methods = append(methods, jwt.SigningMethodRS256.Alg())
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods(methods), jwt.WithExpirationRequired()}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(methods) == 0 {
				logger.Error("admin route called but no admin token verifier is configured", "path", r.URL.Path)
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Admin authentication is not configured"})
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Authorization header required"})
				return
			}
			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid Authorization header format"})
				return
			}

			claims := jwt.MapClaims{}
			token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
				switch token.Method.(type) {
				case *jwt.SigningMethodHMAC:
					return []byte(cfg.Secret), nil
				case *jwt.SigningMethodRSA:
					kid, ok := token.Header["kid"].(string)
					if !ok {
						return nil, fmt.Errorf("kid not found in token header")
					}
					return keys.publicKey(r.Context(), kid)
				}
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}, opts...)
			if err != nil || !token.Valid {
				logger.Warn("admin token rejected", "path", r.URL.Path, "error", err)
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid token"})
				return
			}

			if !hasAdminRole(claims) {
				writeJSON(w, http.StatusForbidden, map[string]string{"error": "Admin role required"})
				return
			}

			subject, _ := claims["sub"].(string)
			ctx := context.WithValue(r.Context(), adminSubjectKey, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetAdminSubject retrieves the authenticated administrator's subject from the context.
func GetAdminSubject(ctx context.Context) (string, bool) {
	subject, ok := ctx.Value(adminSubjectKey).(string)
	return subject, ok && subject != ""
}

// hasAdminRole accepts `role: "admin"`, `roles: [..., "admin"]` or `is_admin: true`.
func hasAdminRole(claims jwt.MapClaims) bool {
	if role, ok := claims["role"].(string); ok && strings.EqualFold(role, adminRole) {
		return true
	}
	if roles, ok := claims["roles"].([]interface{}); ok {
		for _, role := range roles {
			if s, ok := role.(string); ok && strings.EqualFold(s, adminRole) {
				return true
			}
		}
	}
	isAdmin, _ := claims["is_admin"].(bool)
	return isAdmin
}

// jwksKeySource fetches RSA keys by kid and caches them for jwksCacheTTL.
type jwksKeySource struct {
	url    string
	client *http.Client
	cache  *expirable.LRU[string, *rsa.PublicKey]
}

func newJWKSKeySource(url string) *jwksKeySource {
	return &jwksKeySource{
		url:    url,
		client: &http.Client{Timeout: jwksHTTPTimeout},
		cache:  expirable.NewLRU[string, *rsa.PublicKey](jwksCacheSize, nil, jwksCacheTTL),
	}
}

func (s *jwksKeySource) publicKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	if key, ok := s.cache.Get(kid); ok {
		return key, nil
	}
	if s.url == "" {
		return nil, fmt.Errorf("no JWKS URL configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jwks endpoint returned %d", resp.StatusCode)
	}

	var jwks struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return nil, err
	}

	var found *rsa.PublicKey
	for _, key := range jwks.Keys {
		if key.Kty != "" && key.Kty != "RSA" {
			continue
		}
		pub, err := parseRSAPublicKey(key.N, key.E)
		if err != nil {
			continue
		}
		s.cache.Add(key.Kid, pub)
		if key.Kid == kid {
			found = pub
		}
	}
	if found == nil {
		return nil, fmt.Errorf("key with kid %s not found", kid)
	}
	return found, nil
}

// parseRSAPublicKey parses RSA public key from base64url modulus and exponent
func parseRSAPublicKey(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}

	var exp uint64
	for _, b := range eb {
		exp = (exp << 8) | uint64(b)
	}
	if exp == 0 {
		return nil, fmt.Errorf("invalid exponent")
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nb),
		E: int(exp),
	}, nil
}

// RateLimitMiddleware limits each client IP within scope. Limiter failures let the
// request through.
func RateLimitMiddleware(limiter app.RateLimiter, scope string, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}

			allowed, retryAfter, err := limiter.Allow(r.Context(), scope, clientIP(r))
			if err != nil {
				logger.Warn("rate limiter unavailable; allowing request", "scope", scope, "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "Too many requests. Please slow down."})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP relies on middleware.RealIP having rewritten RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
