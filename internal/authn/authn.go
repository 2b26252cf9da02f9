// Package authn resolves the caller identity for an inbound request:
// a Bearer JWT's sub claim in production, or the x-user-id dev
// header when running outside production. It verifies identity only -
// issuing, login, and registration belong to the external authentication
// gateway this system integrates with, not to this package.
package authn

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/rjsadow/relaydesk/internal/config"
)

var (
	// ErrNoCredentials means neither a Bearer token nor a dev header was
	// present on the request.
	ErrNoCredentials = errors.New("authn: no credentials provided")
	// ErrInvalidToken means a Bearer token was present but failed
	// verification (bad signature, expired, malformed, wrong claims).
	ErrInvalidToken = errors.New("authn: invalid or expired token")
)

// claims is the minimal claim set this system trusts from the gateway's
// access token: the subject is the user id, nothing else is read.
type claims struct {
	jwt.RegisteredClaims
}

// Resolver verifies the caller identity of incoming requests.
type Resolver struct {
	secret []byte
	devOK  bool
}

// New builds a Resolver bound to the configured JWT secret. The dev
// x-user-id header is only honored outside production.
func New(cfg *config.Config) *Resolver {
	return &Resolver{
		secret: []byte(cfg.JWTSecret),
		devOK:  !cfg.IsProduction(),
	}
}

// Resolve returns the caller's user id: a valid Bearer token's sub
// claim, or - only outside production - the x-user-id header.
func (r *Resolver) Resolve(req *http.Request) (string, error) {
	if auth := req.Header.Get("Authorization"); auth != "" {
		tokenString, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok {
			return "", ErrInvalidToken
		}
		return r.verify(tokenString)
	}
	if r.devOK {
		if userID := req.Header.Get("x-user-id"); userID != "" {
			return userID, nil
		}
	}
	return "", ErrNoCredentials
}

func (r *Resolver) verify(tokenString string) (string, error) {
	c := &claims{}
	token, err := jwt.ParseWithClaims(tokenString, c, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return r.secret, nil
	})
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}
	sub, err := c.GetSubject()
	if err != nil || sub == "" {
		return "", ErrInvalidToken
	}
	return sub, nil
}

// DevBypassCredits reports whether the request asked to skip the wallet
// debit on session creation via the x-dev-bypass-credits header - only
// ever honored outside production, same as the dev header.
func (r *Resolver) DevBypassCredits(req *http.Request) bool {
	if !r.devOK {
		return false
	}
	return req.Header.Get("x-dev-bypass-credits") == "true"
}

// ClientIP extracts the caller's address for session.clientIp capture
// and relay connect-rate keys: the first non-"unknown" X-Forwarded-For
// hop, falling back to the TCP peer address with its port stripped.
func ClientIP(req *http.Request) string {
	if xff := req.Header.Get("X-Forwarded-For"); xff != "" {
		for _, part := range strings.Split(xff, ",") {
			part = strings.TrimSpace(part)
			if part != "" && part != "unknown" {
				return part
			}
		}
	}
	host := req.RemoteAddr
	if i := strings.LastIndexByte(host, ':'); i != -1 {
		return host[:i]
	}
	return host
}
