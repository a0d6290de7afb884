// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const identityContextKey contextKey = "client_identity"

// ClientIdentity is who the caller is, as established by the auth
// middleware. ID feeds rate limiting, logging, and usage attribution;
// IP is always the network peer.
type ClientIdentity struct {
	ID string
	IP string
}

// IdentityFromContext returns the identity stored by the middleware.
// Requests that bypassed it (health checks, tests) get a zero identity.
func IdentityFromContext(ctx context.Context) ClientIdentity {
	if id, ok := ctx.Value(identityContextKey).(ClientIdentity); ok {
		return id
	}
	return ClientIdentity{}
}

// newAuthMiddleware builds the authentication middleware for the
// configured mode. Health endpoints always pass so probes never need
// credentials.
func newAuthMiddleware(cfg AuthConfig) func(http.Handler) http.Handler {
	keys := make(map[string]bool, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		keys[k] = true
	}
	secret := []byte(cfg.JWTSecret)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, "/health") {
				next.ServeHTTP(w, r)
				return
			}

			ip := clientIP(r)
			identity := ClientIdentity{ID: ip, IP: ip}

			switch cfg.Mode {
			case AuthModeAPIKey:
				key := bearerToken(r)
				if key == "" {
					key = r.URL.Query().Get("api_key")
				}
				if key == "" || !keys[key] {
					writeError(w, errUnauthorized("missing or invalid API key"))
					return
				}
				identity.ID = "key-" + fingerprintKey(key)
			case AuthModeJWT:
				sub, err := verifyJWT(bearerToken(r), secret)
				if err != nil {
					writeError(w, errUnauthorized("missing or invalid bearer token"))
					return
				}
				if sub != "" {
					identity.ID = sub
				}
			}

			ctx := context.WithValue(r.Context(), identityContextKey, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// verifyJWT validates an HMAC-signed token and returns its subject.
func verifyJWT(tokenString string, secret []byte) (string, error) {
	if tokenString == "" {
		return "", fmt.Errorf("missing bearer token")
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil || !token.Valid {
		return "", fmt.Errorf("invalid token: %v", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("invalid token claims")
	}
	return getClaimString(claims, "sub"), nil
}

func getClaimString(claims jwt.MapClaims, key string) string {
	if val, ok := claims[key].(string); ok {
		return val
	}
	return ""
}

// bearerToken extracts the credential from an Authorization header.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}

// clientIP extracts the caller address, honoring the first hop of
// X-Forwarded-For, then X-Real-IP, when a proxy sits in front.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.Index(fwd, ","); idx != -1 {
			fwd = fwd[:idx]
		}
		return strings.TrimSpace(fwd)
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		return strings.TrimSpace(real)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// fingerprintKey derives a stable, log-safe identity from an API key so
// raw credentials never reach logs or rate limiter state.
func fingerprintKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:4])
}
