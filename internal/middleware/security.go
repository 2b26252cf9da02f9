// Package middleware provides the HTTP middleware applied to every
// coordination-core route: request-id propagation and response
// hardening headers.
package middleware

import (
	"net/http"
)

// SecurityHeaders adds the standard hardening headers to all responses.
// The core serves JSON and WebSocket upgrades only, so the CSP allows
// same-origin resources plus ws:/wss: connects and nothing else.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-XSS-Protection", "1; mode=block")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Content-Security-Policy",
			"default-src 'self'; "+
				"connect-src 'self' ws: wss:; "+
				"frame-ancestors 'none'")
		w.Header().Set("Permissions-Policy", "geolocation=(), microphone=(), camera=()")

		next.ServeHTTP(w, r)
	})
}
