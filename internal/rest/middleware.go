package rest

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"

	"github.com/koatty/serve/internal/logging"
)

// contextKey is unexported so this package's context values cannot collide
// with keys defined elsewhere.
type contextKey int

const claimsKey contextKey = 0

// JWTConfig configures the RS256 bearer-token middleware.
type JWTConfig struct {
	// PublicKey verifies RS256 signatures. Required; a nil key disables
	// the middleware at the router.
	PublicKey *rsa.PublicKey

	// Issuer, when non-empty, must match the "iss" claim.
	Issuer string

	// Audience, when non-empty, must appear in the "aud" claim.
	Audience string

	// SkipPaths lists exact URL paths that bypass authentication. Leaving
	// it nil keeps /health open for liveness probes; an explicit empty
	// slice protects /health too.
	SkipPaths []string

	// Log receives the security events for accepted and rejected tokens.
	Log *logging.Logger
}

// ClaimsFromContext retrieves the verified claims injected by
// JWTMiddleware. It returns (nil, false) on an unauthenticated request.
func ClaimsFromContext(ctx context.Context) (*jwt.RegisteredClaims, bool) {
	c, ok := ctx.Value(claimsKey).(*jwt.RegisteredClaims)
	return c, ok
}

// ParseRSAPublicKey decodes a PEM block and parses an RSA public key. It
// accepts PKIX ("PUBLIC KEY"), certificate, and PKCS#1 ("RSA PUBLIC KEY")
// encodings.
func ParseRSAPublicKey(pemData []byte) (*rsa.PublicKey, error) {
	if key, err := jwt.ParseRSAPublicKeyFromPEM(pemData); err == nil {
		return key, nil
	}
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, errors.New("no PEM block found in public key data")
	}
	if block.Type == "RSA PUBLIC KEY" {
		key, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("PKCS#1 parse: %w", err)
		}
		return key, nil
	}
	return nil, fmt.Errorf("unsupported public key PEM type %q", block.Type)
}

// JWTMiddleware enforces RS256 bearer-token authentication. On success the
// verified claims land in the request context; on failure the response is
// 401 with a JSON error body and a security event is logged. Paths in
// cfg.SkipPaths pass straight through.
func JWTMiddleware(cfg JWTConfig) func(http.Handler) http.Handler {
	log := cfg.Log
	if log == nil {
		log = logging.New(nil)
	}
	paths := cfg.SkipPaths
	if paths == nil {
		paths = []string{"/health"}
	}
	skip := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		skip[p] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skip[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			// Tag auth events with the request id stamped by the router.
			reqLog := log.WithTrace(middleware.GetReqID(r.Context()))

			claims, err := verifyRequest(r, cfg)
			if err != nil {
				reqLog.SecurityEvent(logging.SecurityAuthFailure, "monitoring api token rejected", map[string]any{
					"path":       r.URL.Path,
					"remoteAddr": r.RemoteAddr,
					"error":      err.Error(),
				})
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}

			reqLog.SecurityEvent(logging.SecurityAuthSuccess, "monitoring api token accepted", map[string]any{
				"path":    r.URL.Path,
				"subject": claims.Subject,
			})
			ctx := context.WithValue(r.Context(), claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// verifyRequest extracts the bearer token and runs it through the RS256
// verification pipeline, including expiry and the optional issuer and
// audience checks.
func verifyRequest(r *http.Request, cfg JWTConfig) (*jwt.RegisteredClaims, error) {
	raw := r.Header.Get("Authorization")
	if !strings.HasPrefix(raw, "Bearer ") {
		return nil, errors.New("missing or malformed Authorization header")
	}
	token := strings.TrimPrefix(raw, "Bearer ")
	if token == "" {
		return nil, errors.New("empty bearer token")
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"RS256"})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	claims := &jwt.RegisteredClaims{}
	if _, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return cfg.PublicKey, nil
	}, opts...); err != nil {
		return nil, err
	}
	return claims, nil
}

// noStore stamps every monitoring response as uncacheable, so health and
// metrics readings are never served stale by an intermediary.
func noStore(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		next.ServeHTTP(w, r)
	})
}
