package authn

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/rjsadow/relaydesk/internal/config"
)

func signToken(t *testing.T, secret string, sub string, expiresAt time.Time) string {
	t.Helper()
	c := &claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   sub,
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	return signed
}

func TestResolveAcceptsValidBearerToken(t *testing.T) {
	cfg := &config.Config{Env: "production", JWTSecret: "a-very-secret-signing-key-value"}
	r := New(cfg)

	token := signToken(t, cfg.JWTSecret, "user-42", time.Now().Add(time.Hour))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	userID, err := r.Resolve(req)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if userID != "user-42" {
		t.Fatalf("userID = %q, want user-42", userID)
	}
}

func TestResolveRejectsExpiredToken(t *testing.T) {
	cfg := &config.Config{Env: "production", JWTSecret: "a-very-secret-signing-key-value"}
	r := New(cfg)

	token := signToken(t, cfg.JWTSecret, "user-42", time.Now().Add(-time.Hour))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	if _, err := r.Resolve(req); err != ErrInvalidToken {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
}

func TestResolveRejectsWrongSecret(t *testing.T) {
	cfg := &config.Config{Env: "production", JWTSecret: "a-very-secret-signing-key-value"}
	r := New(cfg)

	token := signToken(t, "a-different-secret-entirely!!!!", "user-42", time.Now().Add(time.Hour))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	if _, err := r.Resolve(req); err != ErrInvalidToken {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
}

func TestResolveHonorsDevHeaderOutsideProduction(t *testing.T) {
	cfg := &config.Config{Env: "development", JWTSecret: "a-very-secret-signing-key-value"}
	r := New(cfg)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("x-user-id", "dev-user-1")

	userID, err := r.Resolve(req)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if userID != "dev-user-1" {
		t.Fatalf("userID = %q, want dev-user-1", userID)
	}
}

func TestResolveIgnoresDevHeaderInProduction(t *testing.T) {
	cfg := &config.Config{Env: "production", JWTSecret: "a-very-secret-signing-key-value"}
	r := New(cfg)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("x-user-id", "dev-user-1")

	if _, err := r.Resolve(req); err != ErrNoCredentials {
		t.Fatalf("err = %v, want ErrNoCredentials", err)
	}
}

func TestDevBypassCreditsOnlyOutsideProduction(t *testing.T) {
	dev := New(&config.Config{Env: "development"})
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("x-dev-bypass-credits", "true")
	if !dev.DevBypassCredits(req) {
		t.Fatal("expected dev bypass to be honored outside production")
	}

	prod := New(&config.Config{Env: "production"})
	if prod.DevBypassCredits(req) {
		t.Fatal("expected dev bypass to be ignored in production")
	}
}

func TestClientIPPrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:54321"
	req.Header.Set("X-Forwarded-For", "unknown, 203.0.113.7, 10.0.0.2")

	if ip := ClientIP(req); ip != "203.0.113.7" {
		t.Fatalf("ClientIP = %q, want 203.0.113.7", ip)
	}
}

func TestClientIPFallsBackToRemoteAddr(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.3:12345"

	if ip := ClientIP(req); ip != "198.51.100.3" {
		t.Fatalf("ClientIP = %q, want 198.51.100.3", ip)
	}
}
