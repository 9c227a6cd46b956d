package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// AuthConfig holds the API keys accepted by the middleware.
type AuthConfig struct {
	APIKeys []string
}

// Valid reports whether key is one of the configured API keys.
func (c AuthConfig) Valid(key string) bool {
	ok := false
	for _, k := range c.APIKeys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(k)) == 1 {
			ok = true
		}
	}
	return ok
}

// authMiddleware wraps an http.Handler with Bearer / X-API-Key checks.
// Requests to /health and /metrics bypass authentication.
func authMiddleware(cfg AuthConfig, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok && cfg.Valid(token) {
			next.ServeHTTP(w, r)
			return
		}
		if key := r.Header.Get("X-API-Key"); key != "" && cfg.Valid(key) {
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("WWW-Authenticate", `Bearer realm="netfw API"`)
		writeJSON(w, http.StatusUnauthorized, Response{
			Success: false,
			Error:   "authentication required",
		})
	})
}
