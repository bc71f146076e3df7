package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func sign(t *testing.T, secret string, claims jwt.RegisteredClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func TestAuthenticateBearerToken(t *testing.T) {
	cfg := AuthConfig{
		APIKeys:   map[string]string{"key-1": "pos-01"},
		JWTSecret: []byte("s3cret"),
		Issuer:    "rxcoverage",
	}
	h := Authenticate(cfg)(ok)
	future := jwt.NewNumericDate(time.Now().Add(time.Hour))
	past := jwt.NewNumericDate(time.Now().Add(-time.Hour))

	tests := []struct {
		name   string
		token  string
		status int
		client string
	}{
		{"api key", "key-1", http.StatusOK, "pos-01"},
		{"valid token", sign(t, "s3cret", jwt.RegisteredClaims{Subject: "billing", Issuer: "rxcoverage", ExpiresAt: future}), http.StatusOK, "billing"},
		{"expired", sign(t, "s3cret", jwt.RegisteredClaims{Subject: "billing", Issuer: "rxcoverage", ExpiresAt: past}), http.StatusUnauthorized, ""},
		{"wrong secret", sign(t, "other", jwt.RegisteredClaims{Subject: "billing", Issuer: "rxcoverage", ExpiresAt: future}), http.StatusUnauthorized, ""},
		{"wrong issuer", sign(t, "s3cret", jwt.RegisteredClaims{Subject: "billing", Issuer: "elsewhere", ExpiresAt: future}), http.StatusUnauthorized, ""},
		{"no expiry", sign(t, "s3cret", jwt.RegisteredClaims{Subject: "billing", Issuer: "rxcoverage"}), http.StatusUnauthorized, ""},
		{"no subject", sign(t, "s3cret", jwt.RegisteredClaims{Issuer: "rxcoverage", ExpiresAt: future}), http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Authorization", "Bearer "+tt.token)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			if tt.status == http.StatusOK && rec.Body.String() != tt.client {
				t.Errorf("client = %q, want %q", rec.Body.String(), tt.client)
			}
		})
	}
}

func TestAuthConfigEnabled(t *testing.T) {
	if (AuthConfig{}).Enabled() {
		t.Error("empty config should be disabled")
	}
	if !(AuthConfig{JWTSecret: []byte("x")}).Enabled() {
		t.Error("secret alone should enable auth")
	}
}
