package server

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// authMiddleware returns middleware that validates Bearer token authentication.
// When AuthToken is empty, the middleware is a no-op (allows unauthenticated access).
// Exact paths /health and /metrics are exempt from authentication.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if s.config.AuthToken == "" {
		return next
	}

	tokenBytes := []byte(s.config.AuthToken)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			unauthorizedResponse(w)
			return
		}

		provided := []byte(strings.TrimPrefix(auth, "Bearer "))
		if subtle.ConstantTimeCompare(provided, tokenBytes) != 1 {
			unauthorizedResponse(w)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func unauthorizedResponse(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"}) //nolint:errcheck
}

// AuthTransport adds a Bearer token to every outgoing request, so peer and
// directory clients can reach servers started with an AuthToken.
type AuthTransport struct {
	base  http.RoundTripper
	token string
}

// NewAuthTransport wraps base. If base is nil, http.DefaultTransport is used.
func NewAuthTransport(base http.RoundTripper, token string) *AuthTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &AuthTransport{base: base, token: token}
}

// RoundTrip implements http.RoundTripper.
func (t *AuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.token == "" || req.Header.Get("Authorization") != "" {
		return t.base.RoundTrip(req)
	}
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+t.token)
	return t.base.RoundTrip(req)
}
