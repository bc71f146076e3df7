package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// AuthConfig selects the accepted credentials. A client presents either an
// API key (X-API-Key or bearer) or an HS256 bearer token signed with JWTSecret.
type AuthConfig struct {
	APIKeys   map[string]string
	JWTSecret []byte
	Issuer    string
}

// Enabled reports whether any credential is configured
func (c AuthConfig) Enabled() bool {
	return len(c.APIKeys) > 0 || len(c.JWTSecret) > 0
}

// Authenticate rejects requests without a valid credential and stores the
// client id (API key owner or token subject) in the context
func Authenticate(cfg AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			credential := r.Header.Get("X-API-Key")
			if credential == "" {
				if bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
					credential = strings.TrimSpace(bearer)
				}
			}
			if credential == "" {
				unauthorized(w, "missing credentials")
				return
			}

			clientID, ok := cfg.APIKeys[credential]
			if !ok && len(cfg.JWTSecret) > 0 && strings.Count(credential, ".") == 2 {
				subject, err := cfg.verify(credential)
				if err != nil {
					unauthorized(w, "invalid token")
					return
				}
				clientID, ok = subject, true
			}
			if !ok {
				unauthorized(w, "invalid API key")
				return
			}

			ctx := context.WithValue(r.Context(), ClientIDKey, clientID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (c AuthConfig) verify(raw string) (string, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if c.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(c.Issuer))
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return c.JWTSecret, nil
	}, opts...)
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", jwt.ErrTokenInvalidClaims
	}
	return claims.Subject, nil
}
